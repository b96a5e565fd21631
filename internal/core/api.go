package core

import (
	"encoding/json"
	"ingest/internal/catalog"
	"ingest/internal/upload"
	"net/http"
)

// Multipart fields sent by Fine Uploader compatible clients.
const (
	FieldUUID          = "qquuid"
	FieldFileName      = "qqfilename"
	FieldTotalFileSize = "qqtotalfilesize"
	FieldPartIndex     = "qqpartindex"
	FieldTotalParts    = "qqtotalparts"
)

// HeaderCombineFailed is set on replies to a chunk that was stored but whose
// upload could not be assembled. Resending the chunk does not help; the
// client retries with POST /upload/{uuid}/done instead.
const HeaderCombineFailed = "X-Upload-Combine-Failed"

// UploadResponse is the body of every upload, combine and delete reply.
type UploadResponse struct {
	Success       bool   `json:"success"`
	NewUUID       string `json:"newuuid,omitempty"`
	Error         string `json:"error,omitempty"`
	PreventRetry  bool   `json:"preventRetry,omitempty"`
	CombineFailed bool   `json:"combineFailed,omitempty"`
}

// StatusResponse describes an upload session.
type StatusResponse struct {
	Success bool           `json:"success"`
	Session upload.Session `json:"session"`
	Upload  *catalog.Entry `json:"upload,omitempty"`
}

// ListUploadsResult lists finished uploads, newest first.
type ListUploadsResult struct {
	Uploads []catalog.Entry `json:"uploads"`
}

// writeUploadResponse replies with resp as JSON. Upload replies are sent as
// text/plain because iframe based browser clients cannot read a JSON
// content type.
func writeUploadResponse(w http.ResponseWriter, status int, resp UploadResponse) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
