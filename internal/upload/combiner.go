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
	"sort"
	"time"
)

const (
	// filePerm is the mode of every chunk and final file.
	filePerm = 0o644

	// combineTempPrefix names the temporary file a combination writes
	// next to the destination before renaming it into place.
	combineTempPrefix = ".combine-"
)

// FinalFile describes a fully assembled upload.
type FinalFile struct {
	ID        string    `json:"id"`
	FileName  string    `json:"fileName"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"createdAt"`
}

// Combiner reassembles the chunks of a Complete session into its final file.
type Combiner struct {
	root    string
	chunks  *ChunkStore
	tracker *Tracker

	// openChunk opens a stored chunk for reading.
	openChunk func(path string) (io.ReadCloser, error)
}

// NewCombiner creates a Combiner writing final files under root.
func NewCombiner(root string, chunks *ChunkStore, tracker *Tracker) *Combiner {
	return &Combiner{
		root:    root,
		chunks:  chunks,
		tracker: tracker,
		openChunk: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// Combine appends every chunk of session id, in ascending index order, into
// <root>/<id>/<fileName>. Chunks are appended strictly one after another.
// On success the chunk directory is removed and the session becomes
// Combined. On failure no final file is left behind, the chunk directory
// is kept for a later retry and the session becomes Failed.
//
// The caller must hold the session's lock for the whole call.
func (c *Combiner) Combine(ctx context.Context, id string) (FinalFile, error) {
	s, ok := c.tracker.Get(id)
	if !ok {
		return FinalFile{}, &CombineError{SessionID: id, Err: ErrSessionNotFound}
	}
	if s.Status != StatusComplete {
		return FinalFile{}, &CombineError{SessionID: id, Err: fmt.Errorf("%w: session is %s", ErrIncomplete, s.Status)}
	}

	final, err := c.assemble(ctx, s)
	if err != nil {
		if markErr := c.tracker.MarkFailed(id, err.Error()); markErr != nil {
			slog.Error("Mark session failed", "session_id", id, "err", markErr)
		}
		return FinalFile{}, &CombineError{SessionID: id, Err: err}
	}

	chunkDir := c.chunks.Dir(id)
	if err := os.RemoveAll(chunkDir); err != nil {
		slog.Warn("Failed to remove chunk dir after combine", "session_id", id, "path", chunkDir, "err", err)
	}

	if err := c.tracker.MarkCombined(id); err != nil {
		return FinalFile{}, &CombineError{SessionID: id, Err: err}
	}

	return final, nil
}

// chunkNames lists the chunk files of s in ascending index order. Names
// are compared as strings, which matches numeric order because of the
// zero padding applied by ChunkFileName.
func (c *Combiner) chunkNames(s Session) ([]string, error) {
	chunkDir := c.chunks.Dir(s.ID)
	entries, err := os.ReadDir(chunkDir)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isChunkFileName(entry.Name(), s.TotalParts) {
			continue
		}
		names = append(names, entry.Name())
	}

	sort.Strings(names)

	if len(names) != s.TotalParts {
		return nil, fmt.Errorf("%w: found %d of %d", ErrMissingChunks, len(names), s.TotalParts)
	}

	return names, nil
}

func (c *Combiner) assemble(ctx context.Context, s Session) (FinalFile, error) {
	names, err := c.chunkNames(s)
	if err != nil {
		return FinalFile{}, err
	}

	sessionDir := filepath.Join(c.root, s.ID)
	destPath := filepath.Join(sessionDir, s.FileName)

	tmp, err := os.CreateTemp(sessionDir, combineTempPrefix+"*")
	if err != nil {
		return FinalFile{}, fmt.Errorf("create destination: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tmp.Close()
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove partial combine file", "session_id", s.ID, "path", tmp.Name(), "err", err)
		}
	}()

	h := sha256.New()
	buf := make([]byte, 32*1024)
	var total int64

	for _, name := range names {
		n, err := c.appendChunk(ctx, tmp, h, filepath.Join(c.chunks.Dir(s.ID), name), buf)
		if err != nil {
			return FinalFile{}, err
		}
		total += n
	}

	if err := tmp.Chmod(filePerm); err != nil {
		return FinalFile{}, fmt.Errorf("chmod destination: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return FinalFile{}, fmt.Errorf("sync destination: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return FinalFile{}, fmt.Errorf("close destination: %w", err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return FinalFile{}, fmt.Errorf("rename destination: %w", err)
	}
	committed = true

	return FinalFile{
		ID:        s.ID,
		FileName:  s.FileName,
		Path:      destPath,
		Size:      total,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// appendChunk copies one chunk to the end of dst, hashing it on the way.
func (c *Combiner) appendChunk(ctx context.Context, dst io.Writer, h hash.Hash, path string, buf []byte) (int64, error) {
	f, err := c.openChunk(path)
	if err != nil {
		return 0, fmt.Errorf("open chunk %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Debug("Failed to close chunk file", "path", path, "err", err)
		}
	}()

	n, err := io.CopyBuffer(dst, &contextReader{ctx: ctx, r: io.TeeReader(f, h)}, buf)
	if err != nil {
		return n, fmt.Errorf("append chunk %s: %w", filepath.Base(path), err)
	}

	return n, nil
}
