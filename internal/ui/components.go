package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"

	"github.com/a-h/templ"
	"github.com/docker/go-units"
)

// Upload represents a single finished upload for display.
type Upload struct {
	ID        string
	FileName  string
	Size      int64
	SHA256    string
	Parts     int
	Mirrored  bool
	CreatedAt string
}

// writeAll writes each string to w in turn, stopping at the first error.
func writeAll(w io.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := io.WriteString(w, p); err != nil {
			return err
		}
	}
	return nil
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<!DOCTYPE html><html lang=\"en\">",
			"<head><meta charset=\"utf-8\">",
			"<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">",
			"<title>", html.EscapeString(title), "</title>",
			// Minimal modern CSS framework (Pico.css) via CDN.
			"<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">",
			// HTMX drives the upload form and delete buttons.
			"<script src=\"https://unpkg.com/htmx.org@1.9.12\" integrity=\"sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M\" crossorigin=\"anonymous\"></script>",
			"</head>",
			"<body><main class=\"container\">",
		)
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		return writeAll(w, "</main></body></html>")
	})
}

// uploadForm posts a single file the same way a browser client without
// chunking support would.
func uploadForm(fileInputName string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return writeAll(w,
			"<form hx-post=\"/upload\" hx-encoding=\"multipart/form-data\" hx-swap=\"none\" hx-on::after-request=\"window.location.reload()\">",
			"<fieldset role=\"group\">",
			fmt.Sprintf("<input type=\"file\" name=\"%s\" required>", html.EscapeString(fileInputName)),
			"<input type=\"submit\" value=\"Upload\">",
			"</fieldset></form>",
		)
	})
}

// UploadsPage renders the list of finished uploads together with a form
// for sending a new one.
func UploadsPage(uploads []Upload, fileInputName string) templ.Component {
	return Layout("Ingest - Uploads", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<section><header><h1>Uploads</h1>",
			"<p>Files accepted by this server, newest first.</p></header>",
		)
		if err != nil {
			return err
		}

		if err := uploadForm(fileInputName).Render(ctx, w); err != nil {
			return err
		}

		if len(uploads) == 0 {
			return writeAll(w, "<p>No uploads yet.</p></section>")
		}

		err = writeAll(w, "<table><thead><tr><th>File</th><th>Size</th><th>Parts</th><th>SHA-256</th><th>Uploaded</th><th></th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, u := range uploads {
			sum := u.SHA256
			if len(sum) > 12 {
				sum = sum[:12]
			}
			mirrored := ""
			if u.Mirrored {
				mirrored = " <small>(mirrored)</small>"
			}
			row := fmt.Sprintf(
				"<tr><td>%s%s</td><td>%s</td><td>%d</td><td><code title=\"%s\">%s</code></td><td>%s</td>"+
					"<td><button class=\"secondary\" hx-delete=\"/upload/%s\" hx-confirm=\"Delete %s?\" hx-target=\"closest tr\" hx-swap=\"delete\">Delete</button></td></tr>",
				html.EscapeString(u.FileName), mirrored,
				units.HumanSize(float64(u.Size)), u.Parts,
				html.EscapeString(u.SHA256), html.EscapeString(sum),
				html.EscapeString(u.CreatedAt),
				html.EscapeString(url.PathEscape(u.ID)), html.EscapeString(u.FileName),
			)
			if err := writeAll(w, row); err != nil {
				return err
			}
		}

		return writeAll(w, "</tbody></table></section>")
	}))
}
