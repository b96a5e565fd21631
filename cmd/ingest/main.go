package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"ingest/internal/auth"
	"ingest/internal/core"
	"ingest/internal/storage"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getenvBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func getenvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// newMirror builds the storage engine finished uploads are copied into, if
// any. An S3 endpoint takes precedence over a mirror directory.
func newMirror(ctx context.Context, mirrorDir string, s3 storage.MinioConfig) (storage.StorageEngine, error) {
	if s3.Endpoint != "" {
		mirror, err := storage.NewMinioStorage(s3)
		if err != nil {
			return nil, err
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		slog.Info("Mirroring uploads to bucket", "endpoint", s3.Endpoint, "bucket", s3.Bucket, "prefix", s3.Prefix)
		return mirror, nil
	}

	if mirrorDir != "" {
		absMirrorDir, err := filepath.Abs(mirrorDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve mirror directory: %w", err)
		}
		if err := os.MkdirAll(absMirrorDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create mirror directory: %w", err)
		}
		slog.Info("Mirroring uploads to directory", "path", absMirrorDir)
		return storage.NewLocalFileStorage(absMirrorDir), nil
	}

	return nil, nil
}

// newAuthenticator combines every configured credential. It returns nil
// when none is configured, leaving the server open.
func newAuthenticator(username, password, tokenName, token string) auth.AuthEngine {
	var engines []auth.AuthEngine
	if username != "" {
		engines = append(engines, auth.NewBasicAuthEngine(username, password))
	}
	if token != "" {
		engines = append(engines, auth.NewTokenAuthEngine(tokenName, token))
	}

	switch len(engines) {
	case 0:
		return nil
	case 1:
		return engines[0]
	default:
		return auth.NewCompoundAuthEngine(engines...)
	}
}

func Run(ctx context.Context) error {

	serverPortHttp := flag.String("listen", getenv("SERVER_PORT", "8009"), "HTTP listen port")
	serverPortHttps := flag.String("listen-tls", getenv("SERVER_TLS_PORT", "8443"), "HTTPS listen port")
	serverCrtFile := flag.String("tls-cert", getenv("SERVER_CRT_FILE", ""), "TLS certificate file")
	serverKeyFile := flag.String("tls-key", getenv("SERVER_KEY_FILE", ""), "TLS key file")
	dataDir := flag.String("data-dir", getenv("UPLOADED_FILES_DIR", "./uploads"), "directory to store uploaded files")
	chunkDirName := flag.String("chunk-dir", getenv("CHUNK_DIR_NAME", "chunks"), "name of the chunk directory inside each upload")
	maxFileSize := flag.String("max-file-size", getenv("MAX_FILE_SIZE", "0"), "maximum upload size, e.g. 2GB (0 is unlimited)")
	fileInputName := flag.String("file-input", getenv("FILE_INPUT_NAME", core.DefaultFileInputName), "multipart field carrying the file")
	maxCombines := flag.Int64("max-combines", getenvInt64("MAX_COMBINES", 4), "maximum number of uploads assembled at once")
	catalogPath := flag.String("catalog", getenv("CATALOG_PATH", ""), "SQLite catalog path (default <data-dir>/.catalog.sqlite)")
	sessionTTL := flag.Duration("session-ttl", getenvDuration("SESSION_TTL", core.DefaultSessionTTL), "how long finished sessions stay queryable")
	retention := flag.Duration("retention", getenvDuration("RETENTION", 0), "delete finished uploads older than this (0 keeps them)")
	maintainEvery := flag.Duration("maintain-interval", getenvDuration("MAINTAIN_INTERVAL", 10*time.Minute), "interval between session pruning runs")
	logLevel := flag.String("log-level", getenv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	mirrorDir := flag.String("mirror-dir", getenv("MIRROR_DIR", ""), "copy finished uploads into this directory")

	var s3 storage.MinioConfig
	flag.StringVar(&s3.Endpoint, "s3-endpoint", getenv("S3_ENDPOINT", ""), "mirror finished uploads to this S3 endpoint")
	flag.StringVar(&s3.Bucket, "s3-bucket", getenv("S3_BUCKET", "uploads"), "S3 bucket")
	flag.StringVar(&s3.Region, "s3-region", getenv("S3_REGION", ""), "S3 region")
	flag.StringVar(&s3.Prefix, "s3-prefix", getenv("S3_PREFIX", ""), "S3 object key prefix")
	flag.BoolVar(&s3.Secure, "s3-secure", getenvBool("S3_SECURE"), "use HTTPS for S3")
	s3.AccessKey = os.Getenv("S3_ACCESS_KEY")
	s3.SecretKey = os.Getenv("S3_SECRET_KEY")

	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	maxSize, err := units.FromHumanSize(*maxFileSize)
	if err != nil {
		return fmt.Errorf("invalid max file size %q: %w", *maxFileSize, err)
	}

	if *maintainEvery <= 0 {
		return fmt.Errorf("maintain interval must be positive, got %s", *maintainEvery)
	}
	if *maxCombines < 1 {
		return fmt.Errorf("max combines must be at least 1, got %d", *maxCombines)
	}

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	mirror, err := newMirror(ctx, *mirrorDir, s3)
	if err != nil {
		return fmt.Errorf("failed to set up mirror: %w", err)
	}

	opts := []core.ConfigOption{
		core.WithDataDir(absDataDir),
		core.WithChunkDirName(*chunkDirName),
		core.WithMaxFileSize(maxSize),
		core.WithFileInputName(*fileInputName),
		core.WithMaxConcurrentCombines(*maxCombines),
		core.WithCatalogPath(*catalogPath),
		core.WithSessionTTL(*sessionTTL),
		core.WithRetention(*retention),
	}
	if mirror != nil {
		opts = append(opts, core.WithMirror(mirror))
	}
	if authenticator := newAuthenticator(os.Getenv("UPLOAD_USER"), os.Getenv("UPLOAD_PASSWORD"), getenv("UPLOAD_TOKEN_NAME", "token"), os.Getenv("UPLOAD_TOKEN")); authenticator != nil {
		opts = append(opts, core.WithAuthEngine(authenticator))
	} else {
		slog.Warn("No credentials configured, accepting anonymous uploads")
	}

	server, err := core.NewServer(ctx, core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create ingest server: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	// Uploads can take arbitrarily long, so only the headers are timed.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *serverPortHttp),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              fmt.Sprintf(":%s", *serverPortHttps),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), httpsServer.Shutdown(shutdownCtx))
	})

	eg.Go(func() error {
		return server.Maintain(ctx, *maintainEvery)
	})

	eg.Go(func() error {
		if *serverCrtFile == "" || *serverKeyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting ingest HTTPS server", "port", *serverPortHttps)
		err := httpsServer.ListenAndServeTLS(*serverCrtFile, *serverKeyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting ingest HTTP server", "port", *serverPortHttp, "data_dir", absDataDir, "max_file_size", units.HumanSize(float64(maxSize)))
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Ingest started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Ingest exited with error", "error", err)
		os.Exit(1)
	}
}
