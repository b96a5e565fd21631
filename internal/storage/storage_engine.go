package storage

import "context"

// StorageEngine receives a copy of every final upload file. Uploads are
// addressed by session id; each id holds the files stored for it.
type StorageEngine interface {
	// PutFile stores the file at path as name under upload id.
	PutFile(ctx context.Context, id string, name string, path string) error

	// DeleteUpload removes everything stored under upload id. Removing an
	// unknown id is not an error.
	DeleteUpload(ctx context.Context, id string) error
}
