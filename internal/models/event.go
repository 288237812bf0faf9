package models

import (
	"time"

	"github.com/google/uuid"
)

// CurrentSchemaVersion is stamped on events built by NewEvent.
const CurrentSchemaVersion = 1

// Identity carries the producer's user, session and device identifiers.
type Identity struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
}

// Event is a single telemetry event. ID is assigned by the producer before
// the event is enqueued so that re-sends are idempotent.
type Event struct {
	// Globally unique event identifier (UUID)
	ID string `json:"id" validate:"required,uuid"`

	// Event name, e.g. "note_created"
	Name string `json:"name" validate:"required,max=200"`

	// Scalar properties, at most one level of nesting
	Properties map[string]any `json:"properties,omitempty"`

	// When the event happened on the device
	OccurredAt time.Time `json:"occurredAt" validate:"required"`

	SessionID string `json:"sessionId" validate:"max=128"`
	DeviceID  string `json:"deviceId" validate:"max=128"`

	// Optional; anonymous events have no user
	UserID string `json:"userId,omitempty" validate:"max=128"`

	SchemaVersion int `json:"schemaVersion" validate:"gte=0"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(name string, properties map[string]any, identity Identity) Event {
	return Event{
		ID:            uuid.NewString(),
		Name:          name,
		Properties:    properties,
		OccurredAt:    time.Now().UTC(),
		SessionID:     identity.SessionID,
		DeviceID:      identity.DeviceID,
		UserID:        identity.UserID,
		SchemaVersion: CurrentSchemaVersion,
	}
}

// Identity returns the identifiers the event was produced under.
func (e Event) Identity() Identity {
	return Identity{UserID: e.UserID, SessionID: e.SessionID, DeviceID: e.DeviceID}
}

// BelongsTo reports whether the event was produced for userID.
func (e Event) BelongsTo(userID string) bool {
	return userID != "" && e.UserID == userID
}

// Clone returns a copy that shares no mutable state with e.
func (e Event) Clone() Event {
	e.Properties = cloneProperties(e.Properties)
	return e
}

func cloneProperties(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneProperties(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Record is an event as persisted by the ingestion endpoint.
type Record struct {
	Event
	ReceivedAt time.Time `json:"receivedAt"`
}
