package core

import (
	"context"
	"ingest/internal/auth"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
)

type contextKey int

const (
	userContextKey contextKey = iota
	accessContextKey
)

// UserFromContext returns the authenticated caller stored by
// RequireAuthentication, if any.
func UserFromContext(ctx context.Context) (*auth.User, bool) {
	user, ok := ctx.Value(userContextKey).(*auth.User)
	return user, ok
}

// StatusRecorder wraps an http.ResponseWriter and remembers the status
// code and body size of the reply.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int64
}

func (w *StatusRecorder) WriteHeader(statusCode int) {
	if w.Status == 0 {
		w.Status = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.Bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *StatusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// accessRecord collects what inner handlers learn about a request so the
// access log line can carry it.
type accessRecord struct {
	user      string
	sessionID string
}

func accessFromContext(ctx context.Context) *accessRecord {
	rec, _ := ctx.Value(accessContextKey).(*accessRecord)
	return rec
}

// noteSession attaches the upload id a handler is working on to the
// request's access log line.
func noteSession(ctx context.Context, id string) {
	if rec := accessFromContext(ctx); rec != nil {
		rec.sessionID = id
	}
}

func (a *accessRecord) attrs(r *http.Request, w *StatusRecorder, elapsed time.Duration) []any {
	caller := []any{"ip", r.RemoteAddr}
	if a.user != "" {
		caller = append(caller, "name", a.user)
	}

	attrs := []any{
		slog.Group("user", caller...),
		slog.Group("request",
			"proto", r.Proto,
			"method", r.Method,
			"url", r.URL.String(),
			"content_length", r.ContentLength,
			"duration_ms", float64(elapsed.Nanoseconds())/float64(time.Millisecond),
			"status_code", w.Status,
			"bytes_written", w.Bytes,
		),
	}
	if a.sessionID != "" {
		attrs = append(attrs, "session_id", a.sessionID)
	}
	return attrs
}

// LogRequest writes one access log line per request, at a level chosen
// from the response status.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &accessRecord{}
		recorder := &StatusRecorder{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(context.WithValue(r.Context(), accessContextKey, rec)))
		attrs := rec.attrs(r, recorder, time.Since(start))

		level := slog.LevelInfo
		if recorder.Status >= 500 {
			level = slog.LevelError
		} else if recorder.Status >= 400 {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "Request", attrs...)
	})
}

// RequireAuthentication is middleware that rejects requests the configured
// Authenticator does not accept. Without an Authenticator every request
// passes.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		if s.Config.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()

		user, err := s.Config.Authenticator.AuthenticateRequest(ctx, r)
		if err != nil {
			slog.Warn("Authenticate request", "ip", r.RemoteAddr, "err", err)
		}
		if user == nil || err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="ingest", charset="UTF-8"`)
			writeUploadResponse(w, http.StatusUnauthorized, UploadResponse{Error: "unauthorized", PreventRetry: true})
			return
		}

		if rec := accessFromContext(ctx); rec != nil {
			rec.user = user.Name
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userContextKey, user)))
	})
}

// SlashFix collapses repeated slashes and drops a trailing slash so that
// "/upload//id/" routes like "/upload/id".
func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		for strings.Contains(p, "//") {
			p = strings.ReplaceAll(p, "//", "/")
		}
		if len(p) > 1 {
			p = strings.TrimRight(p, "/")
		}
		r.URL.Path = p

		next.ServeHTTP(w, r)
	})
}

// Recoverer turns a panicking handler into a 500 reply in the upload
// response format.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			// The client connection is meant to be torn down.
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			slog.Error("Panic in HTTP handler", "method", r.Method, "url", r.URL.String(), "panic", rvr, "stack", string(debug.Stack()))
			writeUploadResponse(w, http.StatusInternalServerError, UploadResponse{Error: "internal error"})
		}()

		next.ServeHTTP(w, r)
	})
}
