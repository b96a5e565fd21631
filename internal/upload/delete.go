package upload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// Delete removes everything stored for session id, the final file as well
// as any leftover chunks, and forgets the session. Deleting an id that has
// nothing on disk succeeds.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return &DeletionError{SessionID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &DeletionError{SessionID: id, Err: err}
	}

	unlock := e.locks.lock(id)
	defer unlock()

	dir := filepath.Join(e.cfg.Root, id)
	if err := os.RemoveAll(dir); err != nil {
		slog.Error("Delete upload", "session_id", id, "path", dir, "err", err)
		return &DeletionError{SessionID: id, Err: err}
	}

	e.tracker.Remove(id)
	slog.Info("Deleted upload", "session_id", id)
	return nil
}
