package upload

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxIDLength bounds session ids so they stay valid single path components.
const maxIDLength = 255

// ChunkFileName returns the on-disk name of chunk index for an upload of
// totalParts chunks. The index is zero-padded to the decimal width of
// totalParts so that lexicographic order of names equals numeric order.
func ChunkFileName(index int, totalParts int) string {
	width := len(strconv.Itoa(totalParts))
	return fmt.Sprintf("%0*d", width, index)
}

// isChunkFileName reports whether name is a chunk file name produced by
// ChunkFileName for some index of an upload of totalParts chunks.
func isChunkFileName(name string, totalParts int) bool {
	if len(name) != len(strconv.Itoa(totalParts)) {
		return false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(name)
	return err == nil && n < totalParts
}

// NewSessionID generates an identifier for an upload that arrived without
// one. Only uniqueness matters; the timestamp and file name are there to
// make directory listings easier to read.
func NewSessionID(fileName string) string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	id := stamp + "_" + suffix + "_" + fileName
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}

// ValidateSessionID checks that id can safely be used as a single path
// component under the destination root. Names starting with a dot are
// reserved for files the server keeps next to the session directories.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > maxIDLength || strings.HasPrefix(id, ".") {
		return ErrInvalidID
	}

	if strings.ContainsFunc(id, func(c rune) bool {
		return c < 0x20 || c == 0x7f || c == '/' || c == '\\'
	}) {
		return ErrInvalidID
	}

	return nil
}

// CleanFileName reduces a client supplied file name to its final element
// and rejects names that cannot be stored as a regular file.
func CleanFileName(name string) (string, error) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", ErrInvalidFileName
	}

	if strings.ContainsFunc(name, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	}) {
		return "", ErrInvalidFileName
	}

	return name, nil
}
