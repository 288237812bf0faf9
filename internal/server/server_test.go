package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"beacon/internal/auth"
	"beacon/internal/breaker"
	"beacon/internal/config"
	"beacon/internal/models"
	"beacon/internal/pipeline"
	"beacon/internal/retry"
	"beacon/internal/storage"
	"beacon/internal/store"
	"beacon/internal/transport"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	srv   *Server
	st    *store.MemoryStore
	authn *auth.Authenticator
	ts    *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.StatsInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	authn, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	srv, err := New(cfg, st, authn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, st: st, authn: authn, ts: ts}
}

func (f *fixture) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := f.authn.IssueToken(subject, role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) client(t *testing.T, token string) *transport.Client {
	t.Helper()
	c, err := transport.New(transport.Config{
		Endpoint:      f.ts.URL,
		Token:         token,
		Timeout:       5 * time.Second,
		GzipThreshold: 1, // exercise the gzip path on every request
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func pipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.StatsInterval = time.Hour
	cfg.Retry = retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		SendTimeout: 5 * time.Second,
		RandomSeed:  1,
	}
	cfg.Breaker = breaker.Config{FailureThreshold: 100, Cooldown: time.Hour}
	return cfg
}

func TestServer_PublicEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/stats", "/metrics"} {
		resp, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestServer_ReadyFailsWhenStoreClosed(t *testing.T) {
	f := newFixture(t, nil)
	f.st.Close()

	resp, err := http.Get(f.ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", resp.StatusCode)
	}
}

func TestServer_RequiresAuth(t *testing.T) {
	f := newFixture(t, nil)
	ev := models.NewEvent("x", nil, models.Identity{UserID: "alice"})

	err := f.client(t, "").Send(context.Background(), models.NewBatch([]models.Event{ev}))
	if !transport.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if f.st.Len() != 0 {
		t.Error("unauthenticated batch must not be stored")
	}
}

func TestServer_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	client := f.client(t, f.token(t, "alice", ""))

	p, err := pipeline.New(ctx, pipelineConfig(), storage.NewMemory(), client)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	defer p.Shutdown(ctx)

	for _, name := range []string{"app_open", "note_created", "note_shared"} {
		p.Track(name, map[string]any{"source": "e2e"}, models.Identity{UserID: "alice", SessionID: "s", DeviceID: "d"})
	}
	p.Track("note_deleted", nil, models.Identity{UserID: "bob", SessionID: "s", DeviceID: "d"})

	res := <-p.FlushNow(ctx)
	if res.Err != nil || res.Delivered != 1 || res.Events != 4 {
		t.Fatalf("unexpected flush result %+v", res)
	}
	if f.st.Len() != 4 {
		t.Fatalf("expected 4 stored records, got %d", f.st.Len())
	}

	names := []string{}
	for _, rec := range f.st.Records() {
		names = append(names, rec.Name)
	}
	if names[0] != "app_open" || names[2] != "note_shared" {
		t.Errorf("records stored out of order: %v", names)
	}

	// alice may only delete her own data
	if err := p.DeleteUser(ctx, "bob"); err == nil {
		t.Error("expected forbidden deletion of another user")
	}
	if f.st.CountForUser("bob") != 1 {
		t.Error("refused deletion must not remove records")
	}

	if err := p.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if f.st.CountForUser("alice") != 0 {
		t.Errorf("expected alice's records deleted, %d remain", f.st.CountForUser("alice"))
	}
}

func TestServer_IdempotentResend(t *testing.T) {
	f := newFixture(t, nil)
	client := f.client(t, f.token(t, "alice", ""))

	batch := models.NewBatch([]models.Event{
		models.NewEvent("a", nil, models.Identity{UserID: "alice"}),
		models.NewEvent("b", nil, models.Identity{UserID: "alice"}),
	})

	for i := 0; i < 3; i++ {
		if err := client.Send(context.Background(), batch); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	if f.st.Len() != 2 {
		t.Errorf("expected exactly 2 stored records after re-sends, got %d", f.st.Len())
	}
	if s := f.srv.Stats(); s.Ingest.EventsInserted != 2 || s.Ingest.EventsDuplicate != 4 {
		t.Errorf("unexpected stats %+v", s.Ingest)
	}
}

func TestServer_InvalidBatchIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	client := f.client(t, f.token(t, "alice", ""))

	bad := models.NewEvent("ok", nil, models.Identity{UserID: "alice"})
	bad.ID = "not-a-uuid"
	batch := models.NewBatch([]models.Event{models.NewEvent("ok", nil, models.Identity{UserID: "alice"}), bad})

	err := client.Send(context.Background(), batch)
	if !transport.IsPermanent(err) {
		t.Fatalf("expected permanent rejection, got %v", err)
	}
	var se *transport.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("expected 400 status error, got %v", err)
	}
	if f.st.Len() != 0 {
		t.Error("no record of a rejected batch may be stored")
	}
}

func TestServer_PrivacyRoleDeletesAnyUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	user := f.client(t, f.token(t, "carol", ""))
	batch := models.NewBatch([]models.Event{models.NewEvent("x", nil, models.Identity{UserID: "carol"})})
	if err := user.Send(ctx, batch); err != nil {
		t.Fatal(err)
	}

	ops := f.client(t, f.token(t, "ops", auth.RolePrivacy))
	deleted, err := ops.DeleteUser(ctx, "carol")
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if deleted != 1 || f.st.Len() != 0 {
		t.Errorf("expected 1 deleted, got %d (remaining %d)", deleted, f.st.Len())
	}
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Server.RateLimitPerMinute = 1 })
	tok := f.token(t, "alice", "")

	post := func() int {
		body, _ := json.Marshal(models.IngestRequest{Events: []models.Event{
			models.NewEvent("x", nil, models.Identity{UserID: "alice"}),
		}})
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+transport.EventsPath, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(); code != http.StatusAccepted {
		t.Fatalf("first request = %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
}

func TestServer_Run(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.StatsInterval = 10 * time.Millisecond

	authn, _ := auth.New(testSecret, "", time.Hour)
	srv, err := New(cfg, store.NewMemory(), authn, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Addr() == nil {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
