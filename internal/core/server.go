package core

import (
	"context"
	"errors"
	"fmt"
	"ingest/internal/catalog"
	"ingest/internal/ui"
	"ingest/internal/upload"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// maxFormMemory is how much of a multipart body is kept in memory;
	// the rest is spooled to temporary files.
	maxFormMemory = 8 << 20

	// formOverhead is allowed on top of MaxFileSize for multipart framing
	// and the qq* fields.
	formOverhead = 1 << 20

	defaultListLimit = 100
)

// Server exposes an upload Engine over HTTP.
type Server struct {
	Config  Config
	engine  *upload.Engine
	catalog *catalog.Catalog
}

// NewServer creates the destination root, opens the catalog and returns a
// new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if cfg.FileInputName == "" {
		cfg.FileInputName = DefaultFileInputName
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.DataDir, ".catalog.sqlite")
	}

	engine, err := upload.NewEngine(upload.Config{
		Root:                  cfg.DataDir,
		ChunkDirName:          cfg.ChunkDirName,
		MaxFileSize:           cfg.MaxFileSize,
		MaxConcurrentCombines: cfg.MaxConcurrentCombines,
	})
	if err != nil {
		return nil, fmt.Errorf("create upload engine: %w", err)
	}
	cfg.ChunkDirName = engine.Config().ChunkDirName

	cat, err := catalog.Open(ctx, cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	return &Server{Config: cfg, engine: engine, catalog: cat}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.catalog.Close()
}

// Maintain runs periodic housekeeping until ctx is done: finished sessions
// older than SessionTTL are forgotten and, when Retention is set, expired
// uploads are deleted.
func (s *Server) Maintain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.engine.Prune(s.Config.SessionTTL); n > 0 {
				slog.Debug("Pruned sessions", "count", n)
			}
			if s.Config.Retention > 0 {
				if _, err := s.ExpireUploads(ctx, time.Now().UTC().Add(-s.Config.Retention)); err != nil {
					slog.Error("Expire uploads", "err", err)
				}
			}
		}
	}
}

// ExpireUploads deletes every cataloged upload created before cutoff and
// returns how many were removed.
func (s *Server) ExpireUploads(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.catalog.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.engine.Delete(ctx, id); err != nil {
			slog.Error("Delete expired upload", "session_id", id, "err", err)
			continue
		}
		s.deleteMirror(ctx, id)
	}

	if len(ids) > 0 {
		slog.Info("Expired uploads", "count", len(ids), "cutoff", cutoff)
	}
	return len(ids), nil
}

// finish records a final file in the catalog and copies it to the mirror.
// Neither step can fail the upload; the file is already in place.
func (s *Server) finish(ctx context.Context, final upload.FinalFile, parts int) {
	log := slog.With("session_id", final.ID)
	if user, ok := UserFromContext(ctx); ok {
		log = log.With("user", user.Name)
	}
	log.Info("Upload finished", "file", final.FileName, "size", final.Size, "sha256", final.SHA256)

	entry := catalog.Entry{
		ID:         final.ID,
		FileName:   final.FileName,
		Size:       final.Size,
		SHA256:     final.SHA256,
		TotalParts: parts,
		CreatedAt:  final.CreatedAt,
	}
	if err := s.catalog.Record(ctx, entry); err != nil {
		log.Error("Record upload in catalog", "err", err)
		return
	}

	if s.Config.Mirror == nil {
		return
	}

	if err := s.Config.Mirror.PutFile(ctx, final.ID, final.FileName, final.Path); err != nil {
		log.Error("Mirror upload", "err", err)
		return
	}

	if err := s.catalog.SetMirrored(ctx, final.ID, true); err != nil {
		log.Error("Mark upload mirrored", "err", err)
	}
}

func (s *Server) deleteMirror(ctx context.Context, id string) {
	if s.Config.Mirror == nil {
		return
	}
	if err := s.Config.Mirror.DeleteUpload(ctx, id); err != nil {
		slog.Warn("Delete mirrored upload", "session_id", id, "err", err)
	}
}

// writeUploadError translates an engine error into an upload reply.
func writeUploadError(w http.ResponseWriter, err error) {
	var (
		oversize   *upload.OversizeError
		tooLarge   *http.MaxBytesError
		combineErr *upload.CombineError
	)

	switch {
	case errors.As(err, &oversize), errors.As(err, &tooLarge):
		writeUploadResponse(w, http.StatusRequestEntityTooLarge, UploadResponse{Error: "too large", PreventRetry: true})
	case errors.Is(err, upload.ErrSessionNotFound):
		writeUploadResponse(w, http.StatusNotFound, UploadResponse{Error: err.Error(), PreventRetry: true})
	case !upload.Retryable(err):
		writeUploadResponse(w, http.StatusBadRequest, UploadResponse{Error: err.Error(), PreventRetry: true})
	case errors.As(err, &combineErr):
		w.Header().Set(HeaderCombineFailed, "true")
		writeUploadResponse(w, http.StatusInternalServerError, UploadResponse{Error: err.Error(), CombineFailed: true})
	default:
		writeUploadResponse(w, http.StatusInternalServerError, UploadResponse{Error: err.Error()})
	}
}

// badRequest replies to a malformed upload request.
func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeUploadResponse(w, http.StatusBadRequest, UploadResponse{Error: fmt.Sprintf(format, args...), PreventRetry: true})
}

// handleUpload accepts a simple upload or one chunk of a chunked upload. A
// request carrying qqpartindex is a chunk; anything else is a whole file.
func (s *Server) handleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.Config.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxFileSize+formOverhead)
	}

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Rejected oversized request body", "limit", tooLarge.Limit)
			writeUploadError(w, err)
			return
		}
		badRequest(w, "invalid multipart form: %v", err)
		return
	}

	file, header, err := r.FormFile(s.Config.FileInputName)
	if err != nil {
		badRequest(w, "missing file field %q", s.Config.FileInputName)
		return
	}
	defer file.Close()

	fileName := r.FormValue(FieldFileName)
	if fileName == "" {
		fileName = header.Filename
	}

	if r.FormValue(FieldPartIndex) == "" {
		s.handleSimpleUpload(ctx, w, r, file, header.Size, fileName)
		return
	}

	s.handleChunkUpload(ctx, w, r, file, fileName)
}

func (s *Server) handleSimpleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, file multipart.File, size int64, fileName string) {
	if declared := r.FormValue(FieldTotalFileSize); declared != "" {
		n, err := strconv.ParseInt(declared, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "invalid %s %q", FieldTotalFileSize, declared)
			return
		}
		size = max(size, n)
	}

	u := upload.SingleUpload{FileName: fileName, Size: size, Body: file}

	var (
		final upload.FinalFile
		err   error
	)
	// A file part spooled to disk by ParseMultipartForm is its own
	// *os.File unless several parts share one temporary file; it is moved
	// into place instead of copied.
	if f, ok := file.(*os.File); ok {
		final, err = s.engine.StoreSingleFromFile(ctx, u, f.Name())
	} else {
		final, err = s.engine.StoreSingle(ctx, u)
	}
	if err != nil {
		writeUploadError(w, err)
		return
	}

	noteSession(ctx, final.ID)
	s.finish(ctx, final, 1)
	writeUploadResponse(w, http.StatusOK, UploadResponse{Success: true, NewUUID: final.ID})
}

func (s *Server) handleChunkUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, file multipart.File, fileName string) {
	id := r.FormValue(FieldUUID)
	if id == "" {
		badRequest(w, "missing %s", FieldUUID)
		return
	}
	noteSession(ctx, id)

	index, err := strconv.Atoi(r.FormValue(FieldPartIndex))
	if err != nil {
		badRequest(w, "invalid %s %q", FieldPartIndex, r.FormValue(FieldPartIndex))
		return
	}

	totalParts, err := strconv.Atoi(r.FormValue(FieldTotalParts))
	if err != nil {
		badRequest(w, "invalid %s %q", FieldTotalParts, r.FormValue(FieldTotalParts))
		return
	}

	totalSize, err := strconv.ParseInt(r.FormValue(FieldTotalFileSize), 10, 64)
	if err != nil || totalSize < 0 {
		badRequest(w, "invalid %s %q", FieldTotalFileSize, r.FormValue(FieldTotalFileSize))
		return
	}

	res, err := s.engine.StoreChunk(ctx, upload.ChunkUpload{
		SessionID:  id,
		FileName:   fileName,
		TotalSize:  totalSize,
		Index:      index,
		TotalParts: totalParts,
		Body:       file,
	})
	if err != nil {
		writeUploadError(w, err)
		return
	}

	if res.Final != nil {
		s.finish(ctx, *res.Final, totalParts)
	}

	writeUploadResponse(w, http.StatusOK, UploadResponse{Success: true})
}

// handleUploadDone retries combination of a chunked upload whose chunks
// are all stored. An upload that is already combined reports success.
func (s *Server) handleUploadDone(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) {
	noteSession(ctx, id)
	if sess, ok := s.engine.Status(id); ok && sess.Status == upload.StatusCombined {
		writeUploadResponse(w, http.StatusOK, UploadResponse{Success: true})
		return
	}

	final, err := s.engine.Combine(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			writeUploadResponse(w, http.StatusNotFound, UploadResponse{Error: err.Error(), PreventRetry: true})
		case errors.Is(err, upload.ErrIncomplete):
			writeUploadResponse(w, http.StatusConflict, UploadResponse{Error: err.Error()})
		default:
			writeUploadError(w, err)
		}
		return
	}

	sess, _ := s.engine.Status(id)
	s.finish(ctx, final, sess.TotalParts)
	writeUploadResponse(w, http.StatusOK, UploadResponse{Success: true})
}

// handleUploadStatus reports the tracked state of an upload, falling back
// to the catalog for uploads whose session has been pruned.
func (s *Server) handleUploadStatus(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) {
	resp := StatusResponse{Success: true}

	sess, tracked := s.engine.Status(id)
	if tracked {
		resp.Session = sess
	}

	entry, err := s.catalog.Get(ctx, id)
	switch {
	case err == nil:
		resp.Upload = &entry
		if !tracked {
			resp.Session = upload.Session{
				ID:         entry.ID,
				FileName:   entry.FileName,
				TotalSize:  entry.Size,
				TotalParts: entry.TotalParts,
				Status:     upload.StatusCombined,
				CreatedAt:  entry.CreatedAt,
				UpdatedAt:  entry.CreatedAt,
			}
		}
	case errors.Is(err, catalog.ErrNotFound):
		if !tracked {
			writeUploadResponse(w, http.StatusNotFound, UploadResponse{Error: "upload not found"})
			return
		}
	default:
		slog.Error("Lookup upload in catalog", "session_id", id, "err", err)
		writeUploadResponse(w, http.StatusInternalServerError, UploadResponse{Error: "catalog unavailable"})
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, resp); err != nil {
		slog.Error("Encode upload status", "session_id", id, "err", err)
	}
}

// handleUploadDelete removes an upload from disk, the catalog and the
// mirror. Only the on-disk removal can fail the request.
func (s *Server) handleUploadDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) {
	noteSession(ctx, id)
	if err := s.engine.Delete(ctx, id); err != nil {
		if errors.Is(err, upload.ErrInvalidID) {
			writeUploadResponse(w, http.StatusBadRequest, UploadResponse{Error: err.Error(), PreventRetry: true})
			return
		}
		writeUploadResponse(w, http.StatusFailedDependency, UploadResponse{Error: err.Error()})
		return
	}

	if err := s.catalog.Delete(ctx, id); err != nil {
		slog.Warn("Delete upload from catalog", "session_id", id, "err", err)
	}
	s.deleteMirror(ctx, id)

	w.WriteHeader(http.StatusOK)
}

// handleListUploads lists cataloged uploads as JSON.
func (s *Server) handleListUploads(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeUploadResponse(w, http.StatusBadRequest, UploadResponse{Error: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		limit = n
	}

	entries, err := s.catalog.List(ctx, limit)
	if err != nil {
		slog.Error("List uploads", "err", err)
		writeUploadResponse(w, http.StatusInternalServerError, UploadResponse{Error: "catalog unavailable"})
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, ListUploadsResult{Uploads: entries}); err != nil {
		slog.Error("Encode upload list", "err", err)
	}
}

// handleIndex renders the uploads page.
func (s *Server) handleIndex(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.List(ctx, defaultListLimit)
	if err != nil {
		slog.Error("List uploads", "err", err)
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}

	uploads := make([]ui.Upload, 0, len(entries))
	for _, e := range entries {
		uploads = append(uploads, ui.Upload{
			ID:        e.ID,
			FileName:  e.FileName,
			Size:      e.Size,
			SHA256:    e.SHA256,
			Parts:     e.TotalParts,
			Mirrored:  e.Mirrored,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.UploadsPage(uploads, s.Config.FileInputName).Render(ctx, w); err != nil {
		slog.Error("Render uploads page", "err", err)
	}
}
