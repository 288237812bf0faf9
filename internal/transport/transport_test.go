package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"beacon/internal/models"
)

func testBatch(n int) *models.Batch {
	events := make([]models.Event, n)
	for i := range events {
		events[i] = models.NewEvent("screen_view", map[string]any{"screen": "home"}, models.Identity{
			UserID: "u1", SessionID: "s1", DeviceID: "d1",
		})
	}
	return models.NewBatch(events)
}

func TestClient_SendHeadersAndBody(t *testing.T) {
	batch := testBatch(3)

	var got models.IngestRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != EventsPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get(HeaderIdempotencyKey) != batch.ID {
			t.Errorf("expected idempotency key %s, got %s", batch.ID, r.Header.Get(HeaderIdempotencyKey))
		}
		if r.Header.Get("Content-Encoding") != "" {
			t.Errorf("small body should not be compressed")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Token: "secret", GzipThreshold: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.Events) != 3 {
		t.Fatalf("expected 3 events on the wire, got %d", len(got.Events))
	}
	for i, ev := range got.Events {
		if ev.ID != batch.Events[i].ID {
			t.Errorf("event %d out of order", i)
		}
	}
}

func TestClient_SendCompressesLargeBodies(t *testing.T) {
	batch := testBatch(20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("expected gzip encoding")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip reader: %v", err)
			return
		}
		var req models.IngestRequest
		if err := json.NewDecoder(zr).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Events) != 20 {
			t.Errorf("expected 20 events, got %d", len(req.Events))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, _ := New(Config{Endpoint: srv.URL, GzipThreshold: 256})
	if err := c.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestClient_SendClassifiesStatus(t *testing.T) {
	tests := []struct {
		code         int
		permanent    bool
		unauthorized bool
		retryable    bool
	}{
		{http.StatusBadRequest, true, false, false},
		{http.StatusUnauthorized, false, true, false},
		{http.StatusForbidden, false, true, false},
		{http.StatusTooManyRequests, false, false, true},
		{http.StatusRequestTimeout, false, false, true},
		{http.StatusInternalServerError, false, false, true},
		{http.StatusServiceUnavailable, false, false, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			c, _ := New(Config{Endpoint: srv.URL})
			err := c.Send(context.Background(), testBatch(1))

			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.code {
				t.Fatalf("expected *StatusError %d, got %v", tt.code, err)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v", IsPermanent(err))
			}
			if IsUnauthorized(err) != tt.unauthorized {
				t.Errorf("IsUnauthorized = %v", IsUnauthorized(err))
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v", IsRetryable(err))
			}
		})
	}
}

func TestClient_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := New(Config{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	err := c.Send(context.Background(), testBatch(1))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsRetryable(err) {
		t.Errorf("timeout should be retryable: %v", err)
	}
}

func TestClient_SetToken(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, _ := New(Config{Endpoint: srv.URL, Token: "old"})
	_ = c.Send(context.Background(), testBatch(1))
	c.SetToken("new")
	_ = c.Send(context.Background(), testBatch(1))

	if len(seen) != 2 || seen[0] != "Bearer old" || seen[1] != "Bearer new" {
		t.Errorf("unexpected auth headers %v", seen)
	}
}

func TestClient_DeleteUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/telemetry/users/user-42") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(models.DeleteResponse{UserID: "user-42", Deleted: 7})
	}))
	defer srv.Close()

	c, _ := New(Config{Endpoint: srv.URL + "/", Token: "t"})
	n, err := c.DeleteUser(context.Background(), "user-42")
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 deleted, got %d", n)
	}
}

func TestClient_DeleteUserForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := New(Config{Endpoint: srv.URL})
	if _, err := c.DeleteUser(context.Background(), "u"); !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized classification, got %v", err)
	}
}

func TestNew_InvalidEndpoint(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("expected ErrNoEndpoint, got %v", err)
	}
	if _, err := New(Config{Endpoint: "not a url"}); err == nil {
		t.Error("expected error for invalid endpoint")
	}
}
