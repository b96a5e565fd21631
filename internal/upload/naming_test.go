package upload_test

import (
	"ingest/internal/upload"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidSize(t *testing.T) {
	t.Parallel()

	require.True(t, upload.IsValidSize(500, 1000), "size under the ceiling is accepted")
	require.False(t, upload.IsValidSize(1500, 1000), "size over the ceiling is rejected")
	require.False(t, upload.IsValidSize(1000, 1000), "size equal to the ceiling is rejected")
	require.True(t, upload.IsValidSize(1<<50, 0), "ceiling 0 means unlimited")
	require.True(t, upload.IsValidSize(0, 0))
}

func TestChunkFileNamePadding(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0", upload.ChunkFileName(0, 3))
	require.Equal(t, "07", upload.ChunkFileName(7, 12))
	require.Equal(t, "099", upload.ChunkFileName(99, 100))
	require.Equal(t, "0005", upload.ChunkFileName(5, 1000))
}

func TestChunkFileNameSortsNumerically(t *testing.T) {
	t.Parallel()

	const total = 120
	names := make([]string, 0, total)
	for i := total - 1; i >= 0; i-- {
		names = append(names, upload.ChunkFileName(i, total))
	}
	sort.Strings(names)

	for i, name := range names {
		require.Equal(t, upload.ChunkFileName(i, total), name, "position %d", i)
	}
}

func TestValidateSessionID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"abc", "0f8fad5b-d9cb-469f-a165-70867728950e", "with space", "a.b"} {
		require.NoErrorf(t, upload.ValidateSessionID(id), "id %q", id)
	}

	for _, id := range []string{"", ".", "..", ".catalog.sqlite", "a/b", `a\b`, "tab\there", strings.Repeat("x", 256)} {
		require.ErrorIsf(t, upload.ValidateSessionID(id), upload.ErrInvalidID, "id %q", id)
	}
}

func TestCleanFileName(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"report.pdf":             "report.pdf",
		"dir/report.pdf":         "report.pdf",
		`C:\Users\me\report.pdf`: "report.pdf",
		"../../etc/passwd":       "passwd",
	} {
		got, err := upload.CleanFileName(in)
		require.NoErrorf(t, err, "name %q", in)
		require.Equalf(t, want, got, "name %q", in)
	}

	for _, in := range []string{"", ".", "..", "/", "bad\x00name", "line\nbreak"} {
		_, err := upload.CleanFileName(in)
		require.ErrorIsf(t, err, upload.ErrInvalidFileName, "name %q", in)
	}
}

func TestNewSessionID(t *testing.T) {
	t.Parallel()

	a := upload.NewSessionID("photo.jpg")
	b := upload.NewSessionID("photo.jpg")
	require.NotEqual(t, a, b, "generated ids must be unique")
	require.True(t, strings.HasSuffix(a, "_photo.jpg"))
	require.NoError(t, upload.ValidateSessionID(a))

	long := upload.NewSessionID(strings.Repeat("n", 400))
	require.NoError(t, upload.ValidateSessionID(long), "long names are truncated to a valid id")
}
