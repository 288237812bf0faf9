package models

import (
	"time"

	"github.com/google/uuid"
)

// Batch groups queued events for a single transport call. Events keep
// their enqueue order.
type Batch struct {
	ID        string    `json:"batchId"`
	Events    []Event   `json:"events"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"createdAt"`

	// Local scheduling state, never sent on the wire. NextAttemptAt is the
	// earliest time the batch may be sent again; zero means immediately.
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	FirstFailedAt time.Time `json:"firstFailedAt,omitempty"`
}

// NewBatch wraps events in a new batch with a fresh ID.
func NewBatch(events []Event) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Events:    events,
		CreatedAt: time.Now().UTC(),
	}
}

// EventIDs returns the IDs of the batch's events in order.
func (b *Batch) EventIDs() []string {
	ids := make([]string, len(b.Events))
	for i, e := range b.Events {
		ids[i] = e.ID
	}
	return ids
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	cp := *b
	cp.Events = make([]Event, len(b.Events))
	for i, e := range b.Events {
		cp.Events[i] = e.Clone()
	}
	return &cp
}

// DropUser removes every event belonging to userID and returns how many
// were removed.
func (b *Batch) DropUser(userID string) int {
	kept := b.Events[:0]
	removed := 0
	for _, e := range b.Events {
		if e.BelongsTo(userID) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	b.Events = kept
	return removed
}

// DeadLetterEntry holds a batch that exhausted its retry budget.
type DeadLetterEntry struct {
	Batch         *Batch    `json:"batch"`
	Reason        string    `json:"reason"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}

// IngestRequest is the wire payload of POST /telemetry/events.
type IngestRequest struct {
	Events []Event `json:"events"`
}

// IngestResponse is returned with 202 Accepted.
type IngestResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// DeleteResponse is returned by the deletion endpoint.
type DeleteResponse struct {
	UserID  string `json:"userId"`
	Deleted int64  `json:"deleted"`
}
