package core

import (
	"ingest/internal/auth"
	"ingest/internal/storage"
	"time"
)

const (
	DefaultFileInputName = "qqfile"
	DefaultSessionTTL    = 24 * time.Hour
)

type Config struct {
	// DataDir is the destination root holding one directory per upload.
	DataDir string
	// ChunkDirName names the chunk working directory inside an upload dir.
	ChunkDirName string
	// MaxFileSize is the upload size ceiling in bytes; 0 means unlimited.
	MaxFileSize int64
	// FileInputName is the multipart field carrying the file bytes.
	FileInputName string
	// MaxConcurrentCombines bounds how many uploads are assembled at once.
	MaxConcurrentCombines int64
	// CatalogPath is the SQLite database recording finished uploads.
	// Defaults to <DataDir>/.catalog.sqlite.
	CatalogPath string
	// SessionTTL is how long finished sessions stay queryable.
	SessionTTL time.Duration
	// Retention expires finished uploads older than this; 0 keeps them.
	Retention time.Duration
	// Mirror, when set, receives a copy of every finished upload.
	Mirror storage.StorageEngine
	// Authenticator, when set, gates every request.
	Authenticator auth.AuthEngine
}

type ConfigOption func(*Config)

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithChunkDirName(name string) ConfigOption {
	return func(cfg *Config) {
		cfg.ChunkDirName = name
	}
}

func WithMaxFileSize(size int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxFileSize = size
	}
}

func WithFileInputName(name string) ConfigOption {
	return func(cfg *Config) {
		cfg.FileInputName = name
	}
}

func WithMaxConcurrentCombines(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxConcurrentCombines = n
	}
}

func WithCatalogPath(path string) ConfigOption {
	return func(cfg *Config) {
		cfg.CatalogPath = path
	}
}

func WithSessionTTL(ttl time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.SessionTTL = ttl
	}
}

func WithRetention(retention time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.Retention = retention
	}
}

func WithMirror(engine storage.StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Mirror = engine
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		FileInputName: DefaultFileInputName,
		SessionTTL:    DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
