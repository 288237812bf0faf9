package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"beacon/internal/logger"
	"beacon/internal/metrics"
)

// HeaderRequestID carries the per-request correlation id.
const HeaderRequestID = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture status and size
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Logging logs every request and records HTTP metrics. A caller-supplied
// X-Request-ID is kept; otherwise one is generated.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(HeaderRequestID, requestID)
		}
		w.Header().Set(HeaderRequestID, requestID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		log := logger.WithRequestID(requestID).With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Logger()

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		event := log.Info()
		if rw.status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Int("status", rw.status).
			Int64("content_length", r.ContentLength).
			Int("response_size", rw.size).
			Dur("duration_ms", duration).
			Msg("request completed")

		endpoint := routePattern(r)
		status := strconv.Itoa(rw.status)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(duration.Seconds())
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(r.Method, endpoint).Observe(float64(r.ContentLength))
		}
	})
}

// routePattern keeps metric cardinality bounded: /telemetry/users/{userId}
// rather than one series per user.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Recovery middleware recovers from panics and logs them
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}

				log := logger.WithRequestID(r.Header.Get(HeaderRequestID))
				log.Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", err).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				metrics.PanicsRecovered.WithLabelValues("http_handler").Inc()

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Decompress transparently inflates gzip request bodies. Other content
// encodings are refused with 415.
func Decompress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
		case "", "identity":
			next.ServeHTTP(w, r)
		case "gzip":
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "malformed gzip body", http.StatusBadRequest)
				return
			}
			defer zr.Close()

			// the server still closes the original body
			r.Body = zr
			r.Header.Del("Content-Encoding")
			r.Header.Del("Content-Length")
			r.ContentLength = -1
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "unsupported content encoding "+enc, http.StatusUnsupportedMediaType)
		}
	})
}
