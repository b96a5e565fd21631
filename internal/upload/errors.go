package upload

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidID        = errors.New("invalid session id")
	ErrInvalidFileName  = errors.New("invalid file name")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session no longer accepts chunks")
	ErrPartsMismatch    = errors.New("declared part count does not match session")
	ErrIndexOutOfRange  = errors.New("chunk index out of range")
	ErrIncomplete       = errors.New("session is not complete")
	ErrMissingChunks    = errors.New("chunk directory does not hold every part")
	ErrInvalidPartCount = errors.New("part count must be at least 1")
)

// OversizeError reports an upload whose declared size exceeds the
// configured ceiling. It is detected before any disk I/O and must not be
// retried with the same payload.
type OversizeError struct {
	SessionID string
	Size      int64
	Ceiling   int64
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("upload %s: size %d exceeds limit %d", e.SessionID, e.Size, e.Ceiling)
}

// StorageError wraps a failure creating directories or writing bytes for
// one chunk or file. The client may retry that chunk or file.
type StorageError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("upload %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CombineError wraps a failure while assembling the final file. The chunk
// directory is left in place so combination alone can be retried.
type CombineError struct {
	SessionID string
	Err       error
}

func (e *CombineError) Error() string {
	return fmt.Sprintf("upload %s: combine: %v", e.SessionID, e.Err)
}

func (e *CombineError) Unwrap() error { return e.Err }

// DeletionError wraps a failure removing an upload's storage subtree.
type DeletionError struct {
	SessionID string
	Err       error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("upload %s: delete: %v", e.SessionID, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }

// Retryable reports whether a client may resend the same request after err.
func Retryable(err error) bool {
	var oversize *OversizeError
	if errors.As(err, &oversize) {
		return false
	}
	return !errors.Is(err, ErrInvalidID) &&
		!errors.Is(err, ErrInvalidFileName) &&
		!errors.Is(err, ErrPartsMismatch) &&
		!errors.Is(err, ErrIndexOutOfRange) &&
		!errors.Is(err, ErrInvalidPartCount) &&
		!errors.Is(err, ErrSessionClosed)
}
