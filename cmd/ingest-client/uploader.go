package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// uploadResponse mirrors the server's reply to upload requests.
type uploadResponse struct {
	Success       bool   `json:"success"`
	NewUUID       string `json:"newuuid,omitempty"`
	Error         string `json:"error,omitempty"`
	PreventRetry  bool   `json:"preventRetry,omitempty"`
	CombineFailed bool   `json:"combineFailed,omitempty"`
}

// headerCombineFailed marks a reply to a chunk that was stored but could
// not be assembled into the final file.
const headerCombineFailed = "X-Upload-Combine-Failed"

// ErrRejected is returned when the server asks the client not to retry.
var ErrRejected = errors.New("upload rejected by server")

// Uploader sends files to an ingest server, splitting those larger than
// ChunkSize into chunks.
type Uploader struct {
	BaseURL       string
	ChunkSize     int64
	FileInputName string
	Username      string
	Password      string
	Token         string

	client *retryablehttp.Client
}

// NewUploader creates an Uploader that retries failed requests up to
// retries times.
func NewUploader(baseURL string, chunkSize int64, retries int) *Uploader {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.Logger = slog.Default()
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Uploader{
		BaseURL:       baseURL,
		ChunkSize:     chunkSize,
		FileInputName: "qqfile",
		client:        client,
	}
}

// checkRetry follows the default policy, except that a chunk the server
// stored but failed to assemble is not resent: only the combine step needs
// repeating. Resending a chunk whose reply was lost is safe; the server
// acknowledges chunks of an upload it already assembled.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	if retry && resp != nil && resp.Header.Get(headerCombineFailed) != "" {
		retry = false
	}
	slog.Debug("CheckRetry", "retry", retry, "err", checkErr, "request_err", err)
	return retry, checkErr
}

func (u *Uploader) do(ctx context.Context, method string, path string, contentType string, body []byte) (uploadResponse, int, error) {
	req, err := retryablehttp.NewRequest(method, u.BaseURL+path, body)
	if err != nil {
		return uploadResponse{}, 0, err
	}
	req = req.WithContext(ctx)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case u.Token != "":
		req.Header.Set("Authorization", "Bearer "+u.Token)
	case u.Username != "":
		req.SetBasicAuth(u.Username, u.Password)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return uploadResponse{}, 0, err
	}
	defer resp.Body.Close()

	var out uploadResponse
	if resp.StatusCode != http.StatusOK || resp.ContentLength != 0 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return uploadResponse{}, resp.StatusCode, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
	}
	return out, resp.StatusCode, nil
}

// multipartBody encodes fields and the file part.
func (u *Uploader) multipartBody(fields map[string]string, fileName string, content io.Reader) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := mw.CreateFormFile(u.FileInputName, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func checkResponse(out uploadResponse, status int) error {
	if out.Success {
		return nil
	}
	if out.PreventRetry {
		return fmt.Errorf("%w: %s (status %d)", ErrRejected, out.Error, status)
	}
	return fmt.Errorf("upload failed: %s (status %d)", out.Error, status)
}

// UploadFile sends the file at path and returns the id it is stored under.
func (u *Uploader) UploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	name := filepath.Base(path)
	if u.ChunkSize <= 0 || info.Size() <= u.ChunkSize {
		return u.uploadSimple(ctx, f, name, info.Size())
	}
	return u.uploadChunked(ctx, f, name, info.Size())
}

func (u *Uploader) uploadSimple(ctx context.Context, f io.Reader, name string, size int64) (string, error) {
	body, contentType, err := u.multipartBody(map[string]string{
		"qqfilename":      name,
		"qqtotalfilesize": strconv.FormatInt(size, 10),
	}, name, f)
	if err != nil {
		return "", err
	}

	out, status, err := u.do(ctx, http.MethodPost, "/upload", contentType, body)
	if err != nil {
		return "", err
	}
	if err := checkResponse(out, status); err != nil {
		return "", err
	}

	slog.Info("Uploaded file", "file", name, "id", out.NewUUID, "size", units.HumanSize(float64(size)))
	return out.NewUUID, nil
}

func (u *Uploader) uploadChunked(ctx context.Context, f io.ReaderAt, name string, size int64) (string, error) {
	id := uuid.NewString()
	totalParts := int((size + u.ChunkSize - 1) / u.ChunkSize)
	log := slog.With("file", name, "id", id, "total_parts", totalParts)

	for index := range totalParts {
		offset := int64(index) * u.ChunkSize
		section := io.NewSectionReader(f, offset, min(u.ChunkSize, size-offset))

		body, contentType, err := u.multipartBody(map[string]string{
			"qquuid":          id,
			"qqfilename":      name,
			"qqtotalfilesize": strconv.FormatInt(size, 10),
			"qqpartindex":     strconv.Itoa(index),
			"qqtotalparts":    strconv.Itoa(totalParts),
		}, name, section)
		if err != nil {
			return "", err
		}

		out, status, err := u.do(ctx, http.MethodPost, "/upload", contentType, body)
		if err != nil {
			return "", fmt.Errorf("chunk %d: %w", index, err)
		}
		if err := checkResponse(out, status); err != nil {
			if out.CombineFailed {
				log.Warn("Combine failed, asking the server to retry it", "err", err)
				if err := u.finish(ctx, id); err != nil {
					return "", err
				}
				break
			}
			return "", fmt.Errorf("chunk %d: %w", index, err)
		}
		log.Debug("Uploaded chunk", "index", index)
	}

	log.Info("Uploaded file", "size", units.HumanSize(float64(size)))
	return id, nil
}

// finish asks the server to combine the stored chunks of id again.
func (u *Uploader) finish(ctx context.Context, id string) error {
	out, status, err := u.do(ctx, http.MethodPost, "/upload/"+url.PathEscape(id)+"/done", "", nil)
	if err != nil {
		return err
	}
	return checkResponse(out, status)
}

// Delete removes upload id from the server.
func (u *Uploader) Delete(ctx context.Context, id string) error {
	out, status, err := u.do(ctx, http.MethodDelete, "/upload/"+url.PathEscape(id), "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("delete %s: %s (status %d)", id, out.Error, status)
	}
	return nil
}
