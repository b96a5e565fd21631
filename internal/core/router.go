package core

import (
	"net/http"
)

// Handler returns an http.Handler serving the upload API and index page.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleIndex(ctx, w, r)
	})

	// Upload API
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleUpload(ctx, w, r)
	})
	mux.HandleFunc("POST /upload/{uuid}/done", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("uuid")
		s.handleUploadDone(ctx, w, r, id)
	})
	mux.HandleFunc("GET /upload/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("uuid")
		s.handleUploadStatus(ctx, w, r, id)
	})
	mux.HandleFunc("DELETE /upload/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("uuid")
		s.handleUploadDelete(ctx, w, r, id)
	})
	mux.HandleFunc("GET /uploads", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleListUploads(ctx, w, r)
	})

	// Path used by older Fine Uploader delete endpoints.
	mux.HandleFunc("DELETE /deleteFiles/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("uuid")
		s.handleUploadDelete(ctx, w, r, id)
	})

	// Add middleware
	handler := SlashFix(mux)
	handler = s.RequireAuthentication(handler)
	handler = LogRequest(handler)
	handler = Recoverer(handler)
	return handler
}
