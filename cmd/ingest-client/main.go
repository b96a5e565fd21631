package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// expandPaths resolves glob patterns, "**" included, into file paths.
// Arguments without wildcards are passed through unchanged.
func expandPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			paths = append(paths, arg)
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(arg))
		matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			slog.Warn("No match for path pattern", "pattern", arg)
			continue
		}

		for _, match := range matches {
			paths = append(paths, filepath.Join(base, match))
		}
	}
	return paths, nil
}

func Run(ctx context.Context) error {

	server := flag.String("server", getenv("INGEST_URL", "http://localhost:8009"), "base URL of the ingest server")
	chunkSize := flag.String("chunk-size", getenv("CHUNK_SIZE", "5MB"), "split files larger than this into chunks (0 disables chunking)")
	retries := flag.Int("retries", 4, "retries per request")
	username := flag.String("user", getenv("UPLOAD_USER", ""), "basic auth username")
	password := flag.String("password", getenv("UPLOAD_PASSWORD", ""), "basic auth password")
	token := flag.String("token", getenv("UPLOAD_TOKEN", ""), "bearer token, used instead of basic auth")
	deleteID := flag.String("delete", "", "delete the upload with this id instead of uploading")
	verbose := flag.Bool("v", false, "verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file or pattern>...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	size, err := units.FromHumanSize(*chunkSize)
	if err != nil {
		return fmt.Errorf("invalid chunk size %q: %w", *chunkSize, err)
	}

	uploader := NewUploader(strings.TrimSuffix(*server, "/"), size, *retries)
	uploader.Username = *username
	uploader.Password = *password
	uploader.Token = *token

	if *deleteID != "" {
		if err := uploader.Delete(ctx, *deleteID); err != nil {
			return err
		}
		slog.Info("Deleted upload", "id", *deleteID)
		return nil
	}

	paths, err := expandPaths(flag.Args())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		flag.Usage()
		return errors.New("no files to upload")
	}

	var failed int
	for _, path := range paths {
		id, err := uploader.UploadFile(ctx, path)
		if err != nil {
			failed++
			slog.Error("Upload failed", "file", path, "err", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		fmt.Println(id + "\t" + path)
	}

	if failed > 0 {
		return errors.New(strconv.Itoa(failed) + " of " + strconv.Itoa(len(paths)) + " uploads failed")
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("ingest-client exited with error", "error", err)
		os.Exit(1)
	}
}
