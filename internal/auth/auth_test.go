package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(testSecret, "telemetryd", time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_EmptySecret(t *testing.T) {
	if _, err := New("", "", time.Hour); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	a := newAuth(t)
	token, err := a.IssueToken("alice", RolePrivacy)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != RolePrivacy || claims.Issuer != "telemetryd" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	a := newAuth(t)

	other, _ := New("ffffffffffffffffffffffffffffffff", "telemetryd", time.Hour)
	foreign, _ := other.IssueToken("alice", "")

	expired := newAuth(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _ := expired.IssueToken("alice", "")

	wrongIssuer, _ := New(testSecret, "someone-else", time.Hour)
	misissued, _ := wrongIssuer.IssueToken("alice", "")

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"expired":      stale,
		"wrong issuer": misissued,
		"alg none":     none,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := a.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := newAuth(t)
	token, _ := a.IssueToken("bob", "")

	var seen Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"lowercase scheme", "bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/telemetry/events", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if seen.Subject != "bob" {
		t.Errorf("principal not attached, got %+v", seen)
	}
}

func TestPrincipal_CanDelete(t *testing.T) {
	tests := []struct {
		p    Principal
		user string
		want bool
	}{
		{Principal{Subject: "alice"}, "alice", true},
		{Principal{Subject: "alice"}, "bob", false},
		{Principal{Subject: "ops", Role: RolePrivacy}, "bob", true},
		{Principal{Subject: "root", Role: RoleAdmin}, "bob", true},
		{Principal{Role: "viewer"}, "", false},
	}
	for _, tt := range tests {
		if got := tt.p.CanDelete(tt.user); got != tt.want {
			t.Errorf("%+v.CanDelete(%q) = %v, want %v", tt.p, tt.user, got, tt.want)
		}
	}
}
