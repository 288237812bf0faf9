package models

import (
	"strings"
	"time"
)

// Normalize applies field normalization to an Event
// - trims Name and identifiers
// - trims property keys
// - converts OccurredAt to UTC
func (e *Event) Normalize() {
	e.Name = strings.TrimSpace(e.Name)

	e.ID = strings.ToLower(strings.TrimSpace(e.ID))
	e.SessionID = strings.TrimSpace(e.SessionID)
	e.DeviceID = strings.TrimSpace(e.DeviceID)
	e.UserID = strings.TrimSpace(e.UserID)

	if !e.OccurredAt.IsZero() {
		e.OccurredAt = e.OccurredAt.UTC()
	}

	if e.Properties != nil {
		normalized := make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			normalized[strings.TrimSpace(k)] = v
		}
		e.Properties = normalized
	}
}

// Stamp fills in the producer-assigned fields that are missing.
func (e *Event) Stamp(newID func() string, now time.Time) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = CurrentSchemaVersion
	}
}
