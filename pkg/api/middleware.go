package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Guffawaffle/majel/pkg/observability"
)

type requestIDKey struct{}
type requestStartKey struct{}

// RequestIDMiddleware injects a fresh opaque request id into every request
// context and echoes it in the X-Request-Id response header. The start time
// rides along for durationMs in the envelope meta.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		w.Header().Set("X-Request-Id", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = context.WithValue(ctx, requestStartKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request id from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func requestStart(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(requestStartKey{}).(time.Time)
	return t, ok
}

// trackingWriter records whether headers were sent, so the timeout path
// never double-sends. Once the timeout response has been written, the still
// running handler's writes are discarded so they cannot trail the envelope
// on the connection.
type trackingWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	sent     bool
	timedOut bool
	status   int
}

func (tw *trackingWriter) WriteHeader(status int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.sent {
		return
	}
	tw.sent = true
	tw.status = status
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if tw.timedOut {
		tw.mu.Unlock()
		return len(b), nil
	}
	if !tw.sent {
		tw.sent = true
		tw.status = http.StatusOK
	}
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}

// claimTimeout takes ownership of the response for the timeout path. It
// reports false when the handler already started writing; on success every
// later handler write is dropped.
func (tw *trackingWriter) claimTimeout() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.sent {
		return false
	}
	tw.sent = true
	tw.timedOut = true
	tw.status = http.StatusGatewayTimeout
	return true
}

// TimeoutMiddleware cancels the request context after d and, if the handler
// has not started writing, responds REQUEST_TIMEOUT. A handler that already
// sent headers keeps the connection; only its context is cancelled.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &trackingWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if tw.claimTimeout() {
					WriteErr(tw.ResponseWriter, r, &Error{
						Status:  http.StatusGatewayTimeout,
						Code:    CodeRequestTimeout,
						Message: "request timed out",
						Hints:   []string{"break complex requests into smaller steps"},
					})
				}
				<-done
			}
		})
	}
}

// RecoverMiddleware converts panics into scrubbed 500s.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic",
					"request_id", GetRequestID(r.Context()),
					"path", r.URL.Path,
					"panic", rec,
				)
				WriteErr(w, r, &Error{
					Status:  http.StatusInternalServerError,
					Code:    CodeInternal,
					Message: "panic recovered",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// TelemetryMiddleware records RED metrics and an access log line per request.
func TelemetryMiddleware(obs *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tw := &trackingWriter{ResponseWriter: w}
			next.ServeHTTP(tw, r)

			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.Int("http.status_code", tw.status),
			}
			obs.RecordRequest(r.Context(), attrs...)
			obs.RecordDuration(r.Context(), time.Since(start), attrs...)
			if tw.status >= 500 {
				obs.RecordError(r.Context(), http.ErrAbortHandler, attrs...)
			}

			slog.Debug("request",
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", tw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
