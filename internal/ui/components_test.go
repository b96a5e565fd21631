package ui_test

import (
	"bytes"
	"ingest/internal/ui"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUploadsPageEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, ui.UploadsPage(nil, "qqfile").Render(t.Context(), &buf))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	require.Contains(t, out, "<title>Ingest - Uploads</title>")
	require.Contains(t, out, `name="qqfile"`)
	require.Contains(t, out, "No uploads yet.")
	require.True(t, strings.HasSuffix(out, "</html>"))
}

func TestUploadsPageEscapes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := ui.UploadsPage([]ui.Upload{{
		ID:        "id with space",
		FileName:  "<script>alert(1)</script>.txt",
		Size:      2048,
		SHA256:    "0123456789abcdef0123",
		Parts:     3,
		Mirrored:  true,
		CreatedAt: "2024-05-01T12:00:00Z",
	}}, "qqfile").Render(t.Context(), &buf)
	require.NoError(t, err)

	out := buf.String()
	require.NotContains(t, out, "<script>alert(1)</script>")
	require.Contains(t, out, "&lt;script&gt;")
	require.Contains(t, out, `hx-delete="/upload/id%20with%20space"`)
	require.Contains(t, out, ">0123456789ab<", "checksum is shortened for display")
	require.Contains(t, out, "(mirrored)")
	require.Contains(t, out, "2.048kB")
}
