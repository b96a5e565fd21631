package upload

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// ChunkStore persists chunk payloads under <root>/<id>/<chunkDir>/.
type ChunkStore struct {
	root     string
	chunkDir string
}

// NewChunkStore creates a ChunkStore rooted at root. chunkDir names the
// per-session working directory that holds the chunk files.
func NewChunkStore(root string, chunkDir string) *ChunkStore {
	return &ChunkStore{root: root, chunkDir: chunkDir}
}

// Dir returns the chunk working directory of session id.
func (c *ChunkStore) Dir(id string) string {
	return filepath.Join(c.root, id, c.chunkDir)
}

// Path returns the location of chunk index of session id.
func (c *ChunkStore) Path(id string, index int, totalParts int) string {
	return filepath.Join(c.Dir(id), ChunkFileName(index, totalParts))
}

// StoreChunk writes the bytes of r as chunk index of session id and
// returns the number of bytes stored. The chunk only becomes visible under
// its final name once every byte has been written and synced, so an
// aborted or cancelled write never leaves a chunk behind. Storing an index
// again replaces the previous payload.
func (c *ChunkStore) StoreChunk(ctx context.Context, id string, index int, totalParts int, r io.Reader) (int64, error) {
	dir := c.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, &StorageError{SessionID: id, Op: "create chunk dir", Err: err}
	}

	src := &countingReader{r: &contextReader{ctx: ctx, r: r}}
	if err := writeFileAtomic(c.Path(id, index, totalParts), src); err != nil {
		return 0, &StorageError{SessionID: id, Op: "write chunk", Err: err}
	}

	return src.n, nil
}

// writeFileAtomic writes r to path through a temporary file and gives the
// result filePerm. atomic.WriteFile leaves new files at 0600.
func writeFileAtomic(path string, r io.Reader) error {
	if err := atomic.WriteFile(path, r); err != nil {
		return err
	}
	return os.Chmod(path, filePerm)
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}
