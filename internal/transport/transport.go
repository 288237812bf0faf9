// Package transport sends event batches to the ingestion endpoint and
// deletion requests to the deletion service.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"beacon/internal/models"
)

const (
	EventsPath = "/telemetry/events"
	UsersPath  = "/telemetry/users/"

	HeaderIdempotencyKey = "Idempotency-Key"
)

// Classification sentinels matched through *StatusError.
var (
	ErrRejected     = errors.New("transport: batch rejected by server")
	ErrUnauthorized = errors.New("transport: credentials rejected")
	ErrNoEndpoint   = errors.New("transport: endpoint is required")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Is maps status codes onto the classification sentinels. 401 and 403 are
// credential failures; other 4xx except 408 and 429 reject the batch.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrRejected:
		return e.Code >= 400 && e.Code < 500 &&
			e.Code != http.StatusUnauthorized &&
			e.Code != http.StatusForbidden &&
			e.Code != http.StatusRequestTimeout &&
			e.Code != http.StatusTooManyRequests
	}
	return false
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool { return errors.Is(err, ErrRejected) }

// IsUnauthorized reports whether err needs fresh credentials.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsRetryable reports whether err is a transient failure: network errors,
// timeouts, 5xx, 408 and 429.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err) && !IsUnauthorized(err)
}

// Sender delivers one batch.
type Sender interface {
	Send(ctx context.Context, batch *models.Batch) error
}

// Deleter asks the server to delete a user's telemetry.
type Deleter interface {
	DeleteUser(ctx context.Context, userID string) (int64, error)
}

// Config configures a Client.
type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration

	// GzipThreshold compresses request bodies at least this large.
	// Zero or negative disables compression.
	GzipThreshold int

	UserAgent string
}

// Client is an HTTP implementation of Sender and Deleter.
type Client struct {
	http          *http.Client
	endpoint      string
	gzipThreshold int
	userAgent     string

	mu    sync.RWMutex
	token string
}

// New validates the endpoint and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "beacon"
	}

	return &Client{
		http:          &http.Client{Timeout: cfg.Timeout},
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		gzipThreshold: cfg.GzipThreshold,
		userAgent:     cfg.UserAgent,
		token:         cfg.Token,
	}, nil
}

// SetToken replaces the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Send posts the batch's events. The batch ID travels as the idempotency key.
func (c *Client) Send(ctx context.Context, batch *models.Batch) error {
	body, err := json.Marshal(models.IngestRequest{Events: batch.Events})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	compressed := false
	if c.gzipThreshold > 0 && len(body) >= c.gzipThreshold {
		if body, err = gzipBytes(body); err != nil {
			return fmt.Errorf("compress batch: %w", err)
		}
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+EventsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, batch.ID)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError(resp)
}

// DeleteUser calls the deletion service and returns the number of records
// it removed.
func (c *Client) DeleteUser(ctx context.Context, userID string) (int64, error) {
	target := c.endpoint + UsersPath + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("delete user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}

	var out models.DeleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode delete response: %w", err)
	}
	return out.Deleted, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
