package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileStorage is a StorageEngine that mirrors uploads into another
// directory on the local filesystem, laid out as <dataDir>/<id>/<name>.
// Files are hard-linked when source and mirror share a filesystem and
// copied otherwise.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

// UploadPath computes the mirror location of file name in upload id. Both
// id and name must be single path components so the result cannot escape
// directory.
func UploadPath(directory string, id string, name string) (string, error) {
	for _, part := range []string{id, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, "/\\\x00") {
			return "", fmt.Errorf("invalid upload path component %q", part)
		}
	}

	return filepath.Join(directory, id, name), nil
}

func (s *LocalFileStorage) PutFile(ctx context.Context, id string, name string, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest, err := UploadPath(s.dataDir, id, name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	return CopyOrLinkFile(path, dest)
}

// DeleteUpload removes the mirrored directory of upload id.
func (s *LocalFileStorage) DeleteUpload(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := UploadPath(s.dataDir, id, ".keep")
	if err != nil {
		return err
	}

	return os.RemoveAll(filepath.Dir(dir))
}
