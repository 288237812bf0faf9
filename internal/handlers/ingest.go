package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/store"
	"beacon/internal/transport"
	"beacon/internal/validation"
)

// MaxEventsPerBatch bounds a single ingestion request.
const MaxEventsPerBatch = 100

// Forwarder fans accepted records and deletions out downstream.
// *kafka.Producer implements it.
type Forwarder interface {
	Forward(ctx context.Context, records []models.Record) error
	Tombstone(ctx context.Context, userID string) error
}

// IngestHandler accepts batches on POST /telemetry/events.
type IngestHandler struct {
	store          store.Store
	validator      *validation.Validator
	forwarder      Forwarder
	maxBodySize    int64
	forwardTimeout time.Duration
	now            func() time.Time

	batchesAccepted atomic.Uint64
	batchesRejected atomic.Uint64
	eventsInserted  atomic.Uint64
	eventsDuplicate atomic.Uint64
}

// IngestStats holds handler counters
type IngestStats struct {
	BatchesAccepted uint64 `json:"batchesAccepted"`
	BatchesRejected uint64 `json:"batchesRejected"`
	EventsInserted  uint64 `json:"eventsInserted"`
	EventsDuplicate uint64 `json:"eventsDuplicate"`
}

// Stats returns handler counters
func (h *IngestHandler) Stats() IngestStats {
	return IngestStats{
		BatchesAccepted: h.batchesAccepted.Load(),
		BatchesRejected: h.batchesRejected.Load(),
		EventsInserted:  h.eventsInserted.Load(),
		EventsDuplicate: h.eventsDuplicate.Load(),
	}
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Store     store.Store
	Validator *validation.Validator

	// Forwarder is optional.
	Forwarder Forwarder

	MaxBodySize    int64
	ForwardTimeout time.Duration
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 4 * 1024 * 1024
	}
	forwardTimeout := cfg.ForwardTimeout
	if forwardTimeout <= 0 {
		forwardTimeout = 5 * time.Second
	}

	return &IngestHandler{
		store:          cfg.Store,
		validator:      cfg.Validator,
		forwarder:      cfg.Forwarder,
		maxBodySize:    maxBodySize,
		forwardTimeout: forwardTimeout,
		now:            time.Now,
	}
}

// EventError describes why one event in a batch was refused.
type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error"`
}

// ErrorResponse is the body of every 4xx/5xx reply.
type ErrorResponse struct {
	Error  string       `json:"error"`
	Events []EventError `json:"events,omitempty"`
}

// ServeHTTP validates the whole batch, then inserts it atomically. Any
// invalid event fails the batch with 400; nothing is stored.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	log := logger.WithRequestID(r.Header.Get("X-Request-ID")).With().
		Str("component", "ingest").
		Str("batch_id", r.Header.Get(transport.HeaderIdempotencyKey)).
		Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var req models.IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.IngestValidationErrors.WithLabelValues("malformed_json").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON: expected {\"events\": [...]}")
		return
	}

	n := len(req.Events)
	if n == 0 || n > MaxEventsPerBatch {
		metrics.IngestValidationErrors.WithLabelValues("batch_size").Inc()
		writeError(w, http.StatusBadRequest, "batch must contain between 1 and 100 events")
		return
	}
	metrics.IngestBatchSize.Observe(float64(n))

	records, invalid := h.validate(req.Events)
	if len(invalid) > 0 {
		h.batchesRejected.Add(1)
		metrics.IngestEventsTotal.WithLabelValues("rejected").Add(float64(n))
		log.Warn().
			Int("event_count", n).
			Int("invalid", len(invalid)).
			Msg("batch rejected: validation failed")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Events: invalid})
		return
	}

	res, err := h.store.Insert(r.Context(), records)
	if err != nil {
		log.Error().Err(err).Int("event_count", n).Msg("failed to persist batch")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
		return
	}

	h.batchesAccepted.Add(1)
	h.eventsInserted.Add(uint64(len(res.Inserted)))
	h.eventsDuplicate.Add(uint64(res.Duplicates))
	metrics.IngestEventsTotal.WithLabelValues("inserted").Add(float64(len(res.Inserted)))
	metrics.IngestEventsTotal.WithLabelValues("duplicate").Add(float64(res.Duplicates))

	h.forward(r.Context(), res.Inserted)

	log.Info().
		Int("event_count", n).
		Int("inserted", len(res.Inserted)).
		Int("duplicates", res.Duplicates).
		Msg("batch accepted")

	writeJSON(w, http.StatusAccepted, models.IngestResponse{
		Accepted:   len(res.Inserted),
		Duplicates: res.Duplicates,
	})
}

func (h *IngestHandler) validate(events []models.Event) ([]models.Record, []EventError) {
	receivedAt := h.now().UTC()
	records := make([]models.Record, 0, len(events))

	var invalid []EventError
	for i, raw := range events {
		ev, err := h.validator.Validate(raw)
		if err != nil {
			metrics.IngestValidationErrors.WithLabelValues(validation.Reason(err)).Inc()
			invalid = append(invalid, EventError{Index: i, EventID: raw.ID, Error: err.Error()})
			continue
		}
		records = append(records, models.Record{Event: ev, ReceivedAt: receivedAt})
	}
	return records, invalid
}

// forward is best effort; the events are already durable.
func (h *IngestHandler) forward(ctx context.Context, records []models.Record) {
	if h.forwarder == nil || len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.forwardTimeout)
	defer cancel()

	if err := h.forwarder.Forward(ctx, records); err != nil {
		log := logger.WithComponent("ingest")
		log.Warn().
			Err(err).
			Int("event_count", len(records)).
			Msg("failed to forward ingested events")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
