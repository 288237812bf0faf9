package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"beacon/internal/logger"
)

func TestLogging_RequestID(t *testing.T) {
	var seen string
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(HeaderRequestID)
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if seen == "" || rec.Header().Get(HeaderRequestID) != seen {
		t.Errorf("expected generated request id echoed, got %q / %q", seen, rec.Header().Get(HeaderRequestID))
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get(HeaderRequestID) != "abc" {
		t.Errorf("expected caller request id kept, got %q", seen)
	}
}

func TestRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	var pattern string
	r.Get("/telemetry/users/{userId}", func(w http.ResponseWriter, req *http.Request) {
		pattern = routePattern(req)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/telemetry/users/alice", nil))
	if pattern != "/telemetry/users/{userId}" {
		t.Errorf("routePattern = %q", pattern)
	}

	if got := routePattern(httptest.NewRequest(http.MethodGet, "/", nil)); got != "unmatched" {
		t.Errorf("routePattern without chi = %q", got)
	}
}

func TestRecovery(t *testing.T) {
	var logs bytes.Buffer
	logger.InitWithWriter("telemetryd", "info", &logs)
	defer func() { logger.Logger = zerolog.Nop() }()

	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	out := logs.String()
	for _, want := range []string{`"message":"panic recovered"`, `"request_id":"req-42"`, `"panic":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}

func TestDecompress(t *testing.T) {
	echo := Decompress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write(body)
	}))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"events":[]}`))
	zw.Close()

	tests := []struct {
		name     string
		encoding string
		body     io.Reader
		status   int
		want     string
	}{
		{"plain", "", strings.NewReader("hello"), http.StatusOK, "hello"},
		{"gzip", "gzip", bytes.NewReader(buf.Bytes()), http.StatusOK, `{"events":[]}`},
		{"malformed gzip", "gzip", strings.NewReader("not gzip"), http.StatusBadRequest, ""},
		{"unsupported", "br", strings.NewReader("x"), http.StatusUnsupportedMediaType, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", tt.body)
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			rec := httptest.NewRecorder()
			echo.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.want != "" && rec.Body.String() != tt.want {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.want)
			}
		})
	}
}
