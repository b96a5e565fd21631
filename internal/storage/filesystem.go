package storage

import (
	"errors"
	"os"
	"syscall"

	"github.com/natefinch/atomic"
)

// CopyFile copies srcPath to destPath with the permissions of srcPath.
// destPath only appears once the copy is complete.
func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(destPath, srcFile); err != nil {
		return err
	}
	return os.Chmod(destPath, info.Mode().Perm())
}

// CopyOrLinkFile attempts to create a hard link from srcPath to destPath.
// If that fails, it falls back to copying the file contents.
func CopyOrLinkFile(srcPath string, destPath string) error {

	if srcPath == destPath {
		return nil
	}

	// An existing destination has to go first. Linking over it fails, and
	// if it is already a link to srcPath, copying onto it would truncate
	// the source.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return CopyFile(srcPath, destPath)
}

// MoveFile renames srcPath to destPath, copying across filesystems when a
// rename is not possible.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if copyErr := CopyFile(srcPath, destPath); copyErr != nil {
		return copyErr
	}

	// Best-effort cleanup of the source file; ignore ENOENT in case
	// something else already removed it.
	if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}
