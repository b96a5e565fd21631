package main

import (
	"bytes"
	"crypto/rand"
	"ingest/internal/auth"
	"ingest/internal/core"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts ...core.ConfigOption) (string, string) {
	t.Helper()
	return newWrappedServer(t, func(next http.Handler) http.Handler { return next }, opts...)
}

// newWrappedServer serves a core.Server through wrap, which can tamper with
// requests and replies.
func newWrappedServer(t *testing.T, wrap func(http.Handler) http.Handler, opts ...core.ConfigOption) (string, string) {
	t.Helper()

	dataDir := t.TempDir()
	cfg := core.NewConfig(append([]core.ConfigOption{core.WithDataDir(dataDir)}, opts...)...)

	srv, err := core.NewServer(t.Context(), cfg)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(wrap(srv.Handler()))
	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return httpSrv.URL, dataDir
}

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()

	payload := make([]byte, size)
	_, _ = rand.Read(payload)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	return path, payload
}

func TestUploadSimple(t *testing.T) {
	t.Parallel()

	baseURL, dataDir := newTestServer(t)
	path, payload := writeRandomFile(t, "small.bin", 1000)

	uploader := NewUploader(baseURL, 4096, 0)
	id, err := uploader.UploadFile(t.Context(), path)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := os.ReadFile(filepath.Join(dataDir, id, "small.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "stored file differs")
}

func TestUploadChunked(t *testing.T) {
	t.Parallel()

	baseURL, dataDir := newTestServer(t)
	path, payload := writeRandomFile(t, "large.bin", 10*1024+17)

	uploader := NewUploader(baseURL, 1024, 0)
	id, err := uploader.UploadFile(t.Context(), path)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dataDir, id, "large.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "combined file differs")

	entries, err := os.ReadDir(filepath.Join(dataDir, id))
	require.NoError(t, err)
	require.Len(t, entries, 1, "chunk directory should be gone")
}

func TestUploadRejected(t *testing.T) {
	t.Parallel()

	baseURL, _ := newTestServer(t, core.WithMaxFileSize(2048))
	path, _ := writeRandomFile(t, "big.bin", 4096)

	for _, chunkSize := range []int64{0, 1024} {
		uploader := NewUploader(baseURL, chunkSize, 2)
		_, err := uploader.UploadFile(t.Context(), path)
		require.ErrorIs(t, err, ErrRejected, "chunk size %d", chunkSize)
	}
}

func TestUploadAuth(t *testing.T) {
	t.Parallel()

	baseURL, _ := newTestServer(t, core.WithAuthEngine(auth.NewCompoundAuthEngine(
		auth.NewBasicAuthEngine("alice", "secret"),
		auth.NewTokenAuthEngine("ci", "s3cr3t-token"),
	)))
	path, _ := writeRandomFile(t, "auth.bin", 100)

	uploader := NewUploader(baseURL, 0, 0)
	_, err := uploader.UploadFile(t.Context(), path)
	require.Error(t, err, "anonymous upload should fail")

	uploader.Username, uploader.Password = "alice", "secret"
	_, err = uploader.UploadFile(t.Context(), path)
	require.NoError(t, err)

	uploader.Username, uploader.Password = "", ""
	uploader.Token = "s3cr3t-token"
	_, err = uploader.UploadFile(t.Context(), path)
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	baseURL, dataDir := newTestServer(t)
	path, _ := writeRandomFile(t, "gone.bin", 512)

	uploader := NewUploader(baseURL, 0, 0)
	id, err := uploader.UploadFile(t.Context(), path)
	require.NoError(t, err)

	require.NoError(t, uploader.Delete(t.Context(), id))
	require.NoDirExists(t, filepath.Join(dataDir, id))

	require.Error(t, uploader.Delete(t.Context(), ".catalog.sqlite"))
}

func TestExpandPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a.log", "b.txt", "nested/c.log", "nested/deeper/d.log"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	}

	paths, err := expandPaths([]string{filepath.Join(dir, "**", "*.log"), "plain.bin"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		filepath.Join(dir, "a.log"),
		filepath.Join(dir, "nested", "c.log"),
		filepath.Join(dir, "nested", "deeper", "d.log"),
		"plain.bin",
	}, paths)

	paths, err = expandPaths([]string{filepath.Join(dir, "*.none")})
	require.NoError(t, err)
	require.Empty(t, paths)
}

// failNthUpload wraps a handler so that the nth POST /upload gets reply
// instead of reaching next. When forward is set the request is still
// served by next and only its reply is replaced.
type failNthUpload struct {
	next    http.Handler
	n       int32
	forward bool
	reply   func(w http.ResponseWriter)

	uploads atomic.Int32
	done    atomic.Int32
}

func (h *failNthUpload) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.URL.Path != "/upload" {
		h.done.Add(1)
	}
	if r.Method != http.MethodPost || r.URL.Path != "/upload" || h.uploads.Add(1) != h.n {
		h.next.ServeHTTP(w, r)
		return
	}

	if h.forward {
		h.next.ServeHTTP(httptest.NewRecorder(), r)
	} else {
		_, _ = io.Copy(io.Discard, r.Body)
	}
	h.reply(w)
}

func fastRetries(uploader *Uploader) *Uploader {
	uploader.client.RetryWaitMin = time.Millisecond
	uploader.client.RetryWaitMax = 5 * time.Millisecond
	return uploader
}

func TestUploadChunkedRetriesFailedFinalChunk(t *testing.T) {
	t.Parallel()

	// The final chunk's write fails once without being stored.
	var flaky *failNthUpload
	baseURL, dataDir := newWrappedServer(t, func(next http.Handler) http.Handler {
		flaky = &failNthUpload{next: next, n: 3, reply: func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"success":false,"error":"write chunk: no space left on device"}`)
		}}
		return flaky
	})
	path, payload := writeRandomFile(t, "retried.bin", 2*1024+100)

	id, err := fastRetries(NewUploader(baseURL, 1024, 3)).UploadFile(t.Context(), path)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dataDir, id, "retried.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "combined file differs")
	require.Equal(t, int32(4), flaky.uploads.Load(), "the final chunk is sent again")
	require.Zero(t, flaky.done.Load())
}

func TestUploadChunkedLostFinalReply(t *testing.T) {
	t.Parallel()

	// The final chunk is stored and combined, but its reply never arrives.
	var flaky *failNthUpload
	baseURL, dataDir := newWrappedServer(t, func(next http.Handler) http.Handler {
		flaky = &failNthUpload{next: next, n: 3, forward: true, reply: func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
		}}
		return flaky
	})
	path, payload := writeRandomFile(t, "acked.bin", 2*1024+100)

	id, err := fastRetries(NewUploader(baseURL, 1024, 3)).UploadFile(t.Context(), path)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dataDir, id, "acked.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "combined file differs")
	require.Equal(t, int32(4), flaky.uploads.Load())
}

func TestUploadChunkedCombineFailureFinishes(t *testing.T) {
	t.Parallel()

	// The server reports a failed combine; the client must ask for the
	// combine again instead of resending the chunk.
	var flaky *failNthUpload
	baseURL, dataDir := newWrappedServer(t, func(next http.Handler) http.Handler {
		flaky = &failNthUpload{next: next, n: 3, forward: true, reply: func(w http.ResponseWriter) {
			w.Header().Set(core.HeaderCombineFailed, "true")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"success":false,"error":"combine: disk full","combineFailed":true}`)
		}}
		return flaky
	})
	path, payload := writeRandomFile(t, "finished.bin", 2*1024+100)

	id, err := fastRetries(NewUploader(baseURL, 1024, 3)).UploadFile(t.Context(), path)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dataDir, id, "finished.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "combined file differs")
	require.Equal(t, int32(3), flaky.uploads.Load(), "no chunk is resent")
	require.Equal(t, int32(1), flaky.done.Load())
}
