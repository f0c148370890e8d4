package ingress

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestRecorder is the slice of the emitter the HTTP middleware needs.
type RequestRecorder interface {
	EmitRequest(method, path string, statusCode int, durationMs float64, requestID, userID string) bool
}

type contextKey string

const (
	userIDKey    contextKey = "metrics.user_id"
	requestIDKey contextKey = "metrics.request_id"
)

// WithUserID attaches an authenticated user ID to the request context so the
// middleware can tag the resulting event.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

var defaultSkipPaths = []string{"/metrics", "/health", "/favicon.ico"}

// Middleware instruments an HTTP handler chain: it times each request and
// emits a fire-and-forget request event after the response is written.
// Requests to skip paths bypass instrumentation entirely, before any timing
// starts; each skip entry matches its exact path and everything mounted
// under it, so the dashboard endpoints themselves never show up in the
// request aggregates. The wrapped handler always runs; a full metrics queue
// only drops the event.
func Middleware(recorder RequestRecorder, skipPaths ...string) func(http.Handler) http.Handler {
	if len(skipPaths) == 0 {
		skipPaths = defaultSkipPaths
	}
	skip := make([]string, len(skipPaths))
	copy(skip, skipPaths)

	skipped := func(path string) bool {
		for _, p := range skip {
			if path == p || strings.HasPrefix(path, p+"/") {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipped(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			started := time.Now()
			next.ServeHTTP(rec, r)
			durationMs := float64(time.Since(started).Microseconds()) / 1000

			recorder.EmitRequest(
				r.Method,
				NormalizePath(r.URL.Path),
				rec.status,
				durationMs,
				requestID,
				UserIDFromContext(r.Context()),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// NormalizePath collapses identifier path segments to ":id" so routes with
// embedded UUIDs or numeric IDs aggregate under one path instead of one row
// per entity.
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if isNumeric(seg) {
			segments[i] = ":id"
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
