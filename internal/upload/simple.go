package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ingest/internal/storage"
)

// SingleUpload is a file submitted in one request, without chunk metadata.
type SingleUpload struct {
	// SessionID is optional; one is generated when it is empty.
	SessionID string
	FileName  string
	Size      int64
	Body      io.Reader
}

// StoreSingle writes u.Body to <root>/<id>/<fileName>. The file appears
// under its final name only after every byte was written.
func (e *Engine) StoreSingle(ctx context.Context, u SingleUpload) (FinalFile, error) {
	return e.storeSingle(ctx, u, func(destPath string, h hash.Hash) (int64, error) {
		src := &countingReader{r: &contextReader{ctx: ctx, r: io.TeeReader(u.Body, h)}}
		if err := writeFileAtomic(destPath, src); err != nil {
			return 0, err
		}
		return src.n, nil
	})
}

// StoreSingleFromFile moves the already spooled file at tempPath to
// <root>/<id>/<fileName>. The file at tempPath is consumed.
func (e *Engine) StoreSingleFromFile(ctx context.Context, u SingleUpload, tempPath string) (FinalFile, error) {
	return e.storeSingle(ctx, u, func(destPath string, h hash.Hash) (int64, error) {
		if err := storage.MoveFile(tempPath, destPath); err != nil {
			return 0, err
		}

		n, err := hashFile(ctx, destPath, h)
		if err == nil {
			err = os.Chmod(destPath, filePerm)
		}
		if err != nil {
			if rmErr := os.Remove(destPath); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("Failed to remove unhashed upload", "path", destPath, "err", rmErr)
			}
			return 0, err
		}
		return n, nil
	})
}

func (e *Engine) storeSingle(ctx context.Context, u SingleUpload, write func(destPath string, h hash.Hash) (int64, error)) (FinalFile, error) {
	if err := e.checkSize(u.SessionID, u.Size); err != nil {
		slog.Warn("Rejected oversized upload", "session_id", u.SessionID, "size", u.Size, "limit", e.cfg.MaxFileSize)
		return FinalFile{}, err
	}

	fileName, err := e.checkFileName(u.SessionID, u.FileName)
	if err != nil {
		return FinalFile{}, err
	}

	id := u.SessionID
	if id == "" {
		id = NewSessionID(fileName)
	}
	if err := ValidateSessionID(id); err != nil {
		return FinalFile{}, &StorageError{SessionID: id, Op: "validate", Err: err}
	}

	log := slog.With("session_id", id)

	unlock := e.locks.lock(id)
	defer unlock()

	if _, known := e.tracker.Get(id); !known {
		if err := e.checkUnclaimed(id); err != nil {
			log.Warn("Rejected upload for finished id", "err", err)
			return FinalFile{}, err
		}
	}

	if _, err := e.tracker.Open(id, fileName, u.Size, 1); err != nil {
		log.Error("Rejected upload for session", "err", err)
		return FinalFile{}, &StorageError{SessionID: id, Op: "open session", Err: err}
	}

	sessionDir := filepath.Join(e.cfg.Root, id)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		e.tracker.Remove(id)
		log.Error("Create session dir", "path", sessionDir, "err", err)
		return FinalFile{}, &StorageError{SessionID: id, Op: "create session dir", Err: err}
	}

	destPath := filepath.Join(sessionDir, fileName)
	h := sha256.New()

	n, err := write(destPath, h)
	if err != nil {
		// Nothing was stored, so the id stays free for a retry.
		e.tracker.Remove(id)
		log.Error("Store uploaded file", "path", destPath, "err", err)
		return FinalFile{}, &StorageError{SessionID: id, Op: "write file", Err: err}
	}

	if _, err := e.tracker.RecordChunk(id, 0); err != nil {
		return FinalFile{}, &StorageError{SessionID: id, Op: "record file", Err: err}
	}
	if err := e.tracker.MarkCombined(id); err != nil {
		return FinalFile{}, &StorageError{SessionID: id, Op: "record file", Err: err}
	}

	log.Info("Stored upload", "file", fileName, "bytes", n)

	return FinalFile{
		ID:        id,
		FileName:  fileName,
		Path:      destPath,
		Size:      n,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// hashFile streams the file at path through h and returns its length.
func hashFile(ctx context.Context, path string, h hash.Hash) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(h, &contextReader{ctx: ctx, r: f})
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
