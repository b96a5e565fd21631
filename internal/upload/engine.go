package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultChunkDirName          = "chunks"
	DefaultMaxConcurrentCombines = 4
)

// Config holds the settings of an Engine.
type Config struct {
	// Root is the destination directory. Every session owns <Root>/<id>/.
	Root string
	// ChunkDirName names the chunk working directory inside a session dir.
	ChunkDirName string
	// MaxFileSize is the upload size ceiling in bytes; 0 means unlimited.
	MaxFileSize int64
	// MaxConcurrentCombines bounds how many combinations run at once.
	MaxConcurrentCombines int64
}

// Engine accepts simple and chunked uploads, tracks chunked sessions and
// reassembles them once every chunk has been stored. Work on different
// sessions proceeds in parallel; work on one session is serialized.
type Engine struct {
	cfg      Config
	tracker  *Tracker
	chunks   *ChunkStore
	combiner *Combiner
	locks    *sessionLocks
	combines *semaphore.Weighted
}

// ChunkUpload is one chunk of a partitioned upload.
type ChunkUpload struct {
	SessionID  string
	FileName   string
	TotalSize  int64
	Index      int
	TotalParts int
	Body       io.Reader
}

// ChunkResult describes the session after a chunk was stored. Final is set
// when the chunk completed the upload and the file was assembled.
type ChunkResult struct {
	Session Session
	Final   *FinalFile
}

// NewEngine validates cfg, creates the destination root and returns an
// Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Root == "" {
		return nil, errors.New("Root must not be empty")
	}
	if cfg.ChunkDirName == "" {
		cfg.ChunkDirName = DefaultChunkDirName
	}
	if cfg.MaxFileSize < 0 {
		return nil, fmt.Errorf("MaxFileSize must not be negative, got %d", cfg.MaxFileSize)
	}
	if cfg.MaxConcurrentCombines <= 0 {
		cfg.MaxConcurrentCombines = DefaultMaxConcurrentCombines
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create destination root: %w", err)
	}

	tracker := NewTracker()
	chunks := NewChunkStore(cfg.Root, cfg.ChunkDirName)

	return &Engine{
		cfg:      cfg,
		tracker:  tracker,
		chunks:   chunks,
		combiner: NewCombiner(cfg.Root, chunks, tracker),
		locks:    newSessionLocks(),
		combines: semaphore.NewWeighted(cfg.MaxConcurrentCombines),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// checkSize rejects uploads over the configured ceiling.
func (e *Engine) checkSize(id string, size int64) error {
	if !IsValidSize(size, e.cfg.MaxFileSize) {
		return &OversizeError{SessionID: id, Size: size, Ceiling: e.cfg.MaxFileSize}
	}
	return nil
}

// checkFileName cleans name and makes sure it cannot collide with the
// chunk working directory.
func (e *Engine) checkFileName(id string, name string) (string, error) {
	clean, err := CleanFileName(name)
	if err == nil && clean == e.cfg.ChunkDirName {
		err = fmt.Errorf("%w: %q is reserved", ErrInvalidFileName, clean)
	}
	if err != nil {
		return "", &StorageError{SessionID: id, Op: "validate", Err: err}
	}
	return clean, nil
}

// StoreChunk stores one chunk and records it with the session. When the
// chunk leaves the session with every declared index recorded, the final
// file is assembled before StoreChunk returns.
func (e *Engine) StoreChunk(ctx context.Context, u ChunkUpload) (ChunkResult, error) {
	id := u.SessionID
	log := slog.With("session_id", id, "index", u.Index, "total_parts", u.TotalParts)

	if err := e.checkSize(id, u.TotalSize); err != nil {
		log.Warn("Rejected oversized chunked upload", "size", u.TotalSize, "limit", e.cfg.MaxFileSize)
		return ChunkResult{}, err
	}
	if err := ValidateSessionID(id); err != nil {
		return ChunkResult{}, &StorageError{SessionID: id, Op: "validate", Err: err}
	}
	fileName, err := e.checkFileName(id, u.FileName)
	if err != nil {
		return ChunkResult{}, err
	}
	if u.TotalParts < 1 {
		return ChunkResult{}, &StorageError{SessionID: id, Op: "validate", Err: ErrInvalidPartCount}
	}
	if u.Index < 0 || u.Index >= u.TotalParts {
		return ChunkResult{}, &StorageError{SessionID: id, Op: "validate", Err: fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, u.Index, u.TotalParts)}
	}

	unlock := e.locks.lock(id)
	defer unlock()

	known, tracked := e.tracker.Get(id)
	switch {
	case tracked && known.Status == StatusCombined && known.TotalParts == u.TotalParts && slices.Contains(known.ReceivedParts, u.Index):
		// A resend of a chunk whose reply was lost. Nothing is written.
		log.Debug("Chunk already part of combined upload")
		return ChunkResult{Session: known}, nil
	case !tracked:
		if err := e.checkUnclaimed(id); err != nil {
			log.Warn("Rejected chunk for finished id", "err", err)
			return ChunkResult{}, err
		}
	}

	if _, err := e.tracker.Open(id, fileName, u.TotalSize, u.TotalParts); err != nil {
		log.Error("Rejected chunk for session", "err", err)
		return ChunkResult{}, &StorageError{SessionID: id, Op: "open session", Err: err}
	}
	if !tracked {
		if n := e.adoptChunks(id, u.TotalParts); n > 0 {
			log.Info("Resumed session from stored chunks", "chunks", n)
		}
	}

	n, err := e.chunks.StoreChunk(ctx, id, u.Index, u.TotalParts, u.Body)
	if err != nil {
		log.Error("Store chunk", "err", err)
		return ChunkResult{}, err
	}

	s, err := e.tracker.RecordChunk(id, u.Index)
	if err != nil {
		log.Error("Record chunk", "err", err)
		return ChunkResult{}, &StorageError{SessionID: id, Op: "record chunk", Err: err}
	}

	log.Debug("Stored chunk", "bytes", n, "received", len(s.ReceivedParts))

	if s.Status != StatusComplete {
		return ChunkResult{Session: s}, nil
	}

	final, err := e.combineLocked(ctx, id)
	s, _ = e.tracker.Get(id)
	if err != nil {
		return ChunkResult{Session: s}, err
	}

	return ChunkResult{Session: s, Final: &final}, nil
}

// Combine re-runs combination for a session whose previous combination
// failed, or whose combination never started. The chunks must still be in
// the chunk working directory.
func (e *Engine) Combine(ctx context.Context, id string) (FinalFile, error) {
	if err := ValidateSessionID(id); err != nil {
		return FinalFile{}, &CombineError{SessionID: id, Err: err}
	}

	unlock := e.locks.lock(id)
	defer unlock()

	if _, err := e.tracker.Reopen(id); err != nil {
		slog.Warn("Cannot retry combine", "session_id", id, "err", err)
		return FinalFile{}, &CombineError{SessionID: id, Err: err}
	}

	return e.combineLocked(ctx, id)
}

// combineLocked runs the combiner for id. The caller holds id's lock.
func (e *Engine) combineLocked(ctx context.Context, id string) (FinalFile, error) {
	log := slog.With("session_id", id)

	if err := e.combines.Acquire(ctx, 1); err != nil {
		if markErr := e.tracker.MarkFailed(id, err.Error()); markErr != nil {
			log.Error("Mark session failed", "err", markErr)
		}
		log.Error("Waiting for combine slot", "err", err)
		return FinalFile{}, &CombineError{SessionID: id, Err: err}
	}
	defer e.combines.Release(1)

	start := time.Now()
	final, err := e.combiner.Combine(ctx, id)
	if err != nil {
		log.Error("Combine chunks", "err", err)
		return FinalFile{}, err
	}

	log.Info("Combined upload",
		"file", final.FileName,
		"size", units.HumanSize(float64(final.Size)),
		"duration_ms", float64(time.Since(start).Nanoseconds())/float64(time.Millisecond),
	)
	return final, nil
}

// Status returns the tracked state of session id.
func (e *Engine) Status(id string) (Session, bool) {
	return e.tracker.Get(id)
}

// checkUnclaimed refuses an id the tracker does not know when its session
// directory already holds a final file. Only the chunk working directory
// and combine leftovers may be there.
func (e *Engine) checkUnclaimed(id string) error {
	entries, err := os.ReadDir(filepath.Join(e.cfg.Root, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &StorageError{SessionID: id, Op: "inspect session dir", Err: err}
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == e.cfg.ChunkDirName || strings.HasPrefix(name, combineTempPrefix) {
			continue
		}
		return &StorageError{SessionID: id, Op: "open session", Err: fmt.Errorf("%w: %q is already stored", ErrSessionClosed, name)}
	}
	return nil
}

// adoptChunks records the chunks a previous process stored for id and
// returns how many it found.
func (e *Engine) adoptChunks(id string, totalParts int) int {
	entries, err := os.ReadDir(e.chunks.Dir(id))
	if err != nil {
		return 0
	}

	adopted := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isChunkFileName(entry.Name(), totalParts) {
			continue
		}
		index, _ := strconv.Atoi(entry.Name())
		if _, err := e.tracker.RecordChunk(id, index); err != nil {
			slog.Warn("Adopt stored chunk", "session_id", id, "index", index, "err", err)
			continue
		}
		adopted++
	}
	return adopted
}

// Prune forgets sessions that have not changed for ttl. Anything but a
// combined upload is removed from disk with its session, and chunk
// directories no tracked session owns (left by an earlier process) are
// removed once they are as old. It returns the number of sessions and
// orphaned chunk directories dropped.
func (e *Engine) Prune(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)

	dropped := 0
	for _, id := range e.tracker.Stale(cutoff) {
		if e.pruneSession(id, cutoff) {
			dropped++
		}
	}
	return dropped + e.sweepOrphans(cutoff)
}

func (e *Engine) pruneSession(id string, cutoff time.Time) bool {
	unlock := e.locks.lock(id)
	defer unlock()

	s, ok := e.tracker.Get(id)
	if !ok || !s.UpdatedAt.Before(cutoff) {
		return false
	}

	if s.Status != StatusCombined {
		dir := filepath.Join(e.cfg.Root, id)
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("Remove expired session", "session_id", id, "path", dir, "err", err)
			return false
		}
		slog.Info("Removed expired session", "session_id", id, "status", s.Status, "received", len(s.ReceivedParts), "total_parts", s.TotalParts)
	}

	e.tracker.Remove(id)
	return true
}

func (e *Engine) sweepOrphans(cutoff time.Time) int {
	entries, err := os.ReadDir(e.cfg.Root)
	if err != nil {
		slog.Error("List destination root", "path", e.cfg.Root, "err", err)
		return 0
	}

	swept := 0
	for _, entry := range entries {
		id := entry.Name()
		if !entry.IsDir() || ValidateSessionID(id) != nil {
			continue
		}
		if e.sweepOrphan(id, cutoff) {
			swept++
		}
	}
	return swept
}

func (e *Engine) sweepOrphan(id string, cutoff time.Time) bool {
	unlock := e.locks.lock(id)
	defer unlock()

	if _, tracked := e.tracker.Get(id); tracked {
		return false
	}

	chunkDir := e.chunks.Dir(id)
	info, err := os.Stat(chunkDir)
	if err != nil || !info.IsDir() || !info.ModTime().Before(cutoff) {
		return false
	}

	if err := os.RemoveAll(chunkDir); err != nil {
		slog.Error("Remove orphaned chunks", "session_id", id, "path", chunkDir, "err", err)
		return false
	}
	// Only succeeds when no final file sits next to the chunks.
	_ = os.Remove(filepath.Dir(chunkDir))

	slog.Info("Removed orphaned chunks", "session_id", id)
	return true
}
