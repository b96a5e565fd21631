package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig describes an S3-compatible bucket to mirror uploads into.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
	// Prefix is prepended to every object key.
	Prefix string
}

// MinioStorage is a StorageEngine that mirrors uploads into an
// S3-compatible bucket as objects keyed <prefix><id>/<name>.
type MinioStorage struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStorage creates a MinioStorage from cfg. It does not contact the
// endpoint; call EnsureBucket for that.
func NewMinioStorage(cfg MinioConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("Endpoint must not be empty")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("Bucket must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioStorage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket checks if the bucket exists, and creates it if it does not.
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *MinioStorage) objectKey(id string, name string) string {
	return s.prefix + path.Join(id, name)
}

func (s *MinioStorage) PutFile(ctx context.Context, id string, name string, filePath string) error {
	if _, err := UploadPath("/", id, name); err != nil {
		return err
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := s.objectKey(id, name)
	if _, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return fmt.Errorf("failed to upload %q to bucket %q: %w", key, s.bucket, err)
	}

	return nil
}

// DeleteUpload removes every object stored under upload id.
func (s *MinioStorage) DeleteUpload(ctx context.Context, id string) error {
	if _, err := UploadPath("/", id, ".keep"); err != nil {
		return err
	}

	prefix := s.prefix + id + "/"
	for objectInfo := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if objectInfo.Err != nil {
			return fmt.Errorf("failed to list objects under %q: %w", prefix, objectInfo.Err)
		}

		if err := s.client.RemoveObject(ctx, s.bucket, objectInfo.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove object %q: %w", objectInfo.Key, err)
		}
	}

	return nil
}
