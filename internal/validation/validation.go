// Package validation checks telemetry events against the event schema and
// sanitizes their properties before they are queued or persisted.
//
// The same Validator runs on both sides of the wire. Clients run it in
// lenient mode, where disallowed property values are stripped and counted;
// the ingestion endpoint runs it in strict mode, where they reject the event.
// Values that look like PII are replaced with a placeholder unless redaction
// is disabled, in which case the event is rejected.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"beacon/internal/metrics"
	"beacon/internal/models"
)

// Validation errors
var (
	ErrEmptyID              = errors.New("event ID cannot be empty")
	ErrInvalidID            = errors.New("event ID must be a UUID")
	ErrEmptyName            = errors.New("event name cannot be empty")
	ErrNameTooLong          = errors.New("event name exceeds maximum length")
	ErrZeroTimestamp        = errors.New("occurredAt cannot be zero")
	ErrFutureTimestamp      = errors.New("occurredAt is too far in the future")
	ErrIdentityTooLong      = errors.New("identity field exceeds maximum length")
	ErrInvalidSchemaVersion = errors.New("schema version cannot be negative")
	ErrTooManyProperties    = errors.New("too many properties")
	ErrPayloadTooLarge      = errors.New("serialized properties exceed maximum size")
	ErrUnsupportedValue     = errors.New("property value is not an allowed scalar")
	ErrInvalidPropertyKey   = errors.New("property key is empty or too long")
	ErrPIIDetected          = errors.New("property value matches a PII pattern")
)

// DefaultPIIPatterns match email addresses and phone numbers. Phone numbers
// need a leading + or the grouped 3-3-4 national form, so dates, dotted
// quads, versions and bare digit runs such as epoch seconds pass through.
// Only string values are scanned.
var DefaultPIIPatterns = []string{
	`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
	`\+\d{1,3}[\s.\-]?(?:\(\d{1,4}\)[\s.\-]?)?\d{2,4}(?:[\s.\-]?\d{2,4}){2,4}\b`,
	`(?:\(\d{3}\)\s?|\b\d{3}[\s.\-])\d{3}[\s.\-]\d{4}\b`,
}

// Placeholder replaces redacted property values.
const Placeholder = "[REDACTED]"

const (
	MaxProperties     = 50
	MaxPropertyKeyLen = 100
	MaxStringValueLen = 1024
	MaxPayloadBytes   = 16 * 1024
)

// Policy configures a Validator.
type Policy struct {
	// Strict rejects events carrying disallowed property values instead of
	// stripping them.
	Strict bool

	// RedactPII replaces PII-looking values with Placeholder. When false,
	// such events are rejected.
	RedactPII bool

	// PIIPatterns are regular expressions matched against string values.
	PIIPatterns []string

	// MaxFutureSkew bounds how far OccurredAt may lie ahead of now.
	// Zero disables the check.
	MaxFutureSkew time.Duration
}

// DefaultPolicy returns the lenient client policy.
func DefaultPolicy() Policy {
	return Policy{
		RedactPII:     true,
		PIIPatterns:   DefaultPIIPatterns,
		MaxFutureSkew: 24 * time.Hour,
	}
}

// StrictPolicy returns the policy used by the ingestion endpoint.
func StrictPolicy() Policy {
	p := DefaultPolicy()
	p.Strict = true
	return p
}

// ValidationError describes why an event was refused.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Stats holds validator counters
type Stats struct {
	Validated uint64
	Dropped   uint64
	Stripped  uint64
	Redacted  uint64
}

// Validator validates and sanitizes events. It is safe for concurrent use
// and holds no per-event state.
type Validator struct {
	policy   Policy
	patterns []*regexp.Regexp
	structs  *validator.Validate
	now      func() time.Time

	validated atomic.Uint64
	dropped   atomic.Uint64
	stripped  atomic.Uint64
	redacted  atomic.Uint64
}

// New compiles the policy's PII patterns and returns a Validator.
func New(policy Policy) (*Validator, error) {
	patterns := make([]*regexp.Regexp, 0, len(policy.PIIPatterns))
	for _, p := range policy.PIIPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile PII pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Validator{
		policy:   policy,
		patterns: patterns,
		structs:  validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}, nil
}

// Validate returns a normalized, sanitized copy of raw or a *ValidationError.
// raw itself is never modified.
func (v *Validator) Validate(raw models.Event) (models.Event, error) {
	ev := raw.Clone()
	ev.Normalize()

	if err := v.check(&ev); err != nil {
		v.dropped.Add(1)
		return models.Event{}, err
	}

	v.validated.Add(1)
	return ev, nil
}

func (v *Validator) check(ev *models.Event) error {
	if err := v.checkStruct(ev); err != nil {
		return err
	}

	if v.policy.MaxFutureSkew > 0 && ev.OccurredAt.After(v.now().Add(v.policy.MaxFutureSkew)) {
		return &ValidationError{Field: "occurredAt", Err: ErrFutureTimestamp}
	}

	if len(ev.Properties) > MaxProperties {
		return &ValidationError{Field: "properties", Err: ErrTooManyProperties}
	}

	props, err := v.sanitizeProperties(ev.Properties)
	if err != nil {
		return err
	}
	ev.Properties = props

	if len(props) > 0 {
		data, err := json.Marshal(props)
		if err != nil {
			return &ValidationError{Field: "properties", Err: fmt.Errorf("%w: %v", ErrUnsupportedValue, err)}
		}
		if len(data) > MaxPayloadBytes {
			return &ValidationError{Field: "properties", Err: ErrPayloadTooLarge}
		}
	}

	return nil
}

// checkStruct runs the struct tags declared on models.Event and maps the
// first failure to one of the package sentinels.
func (v *Validator) checkStruct(ev *models.Event) error {
	err := v.structs.Struct(ev)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "event", Err: err}
	}

	fe := fieldErrs[0]
	switch fe.Field() {
	case "ID":
		if fe.Tag() == "required" {
			return &ValidationError{Field: "id", Err: ErrEmptyID}
		}
		return &ValidationError{Field: "id", Err: ErrInvalidID}
	case "Name":
		if fe.Tag() == "required" {
			return &ValidationError{Field: "name", Err: ErrEmptyName}
		}
		return &ValidationError{Field: "name", Err: ErrNameTooLong}
	case "OccurredAt":
		return &ValidationError{Field: "occurredAt", Err: ErrZeroTimestamp}
	case "SchemaVersion":
		return &ValidationError{Field: "schemaVersion", Err: ErrInvalidSchemaVersion}
	default:
		return &ValidationError{Field: fe.Field(), Err: ErrIdentityTooLong}
	}
}

func (v *Validator) sanitizeProperties(in map[string]any) (map[string]any, error) {
	if len(in) == 0 {
		return in, nil
	}

	out := make(map[string]any, len(in))
	for key, raw := range in {
		if key == "" || len(key) > MaxPropertyKeyLen {
			if v.policy.Strict {
				return nil, &ValidationError{Field: "properties", Err: ErrInvalidPropertyKey}
			}
			v.strip()
			continue
		}

		val, ok, err := v.sanitizeValue(raw, 0)
		if err != nil {
			return nil, &ValidationError{Field: "properties." + key, Err: err}
		}
		if !ok {
			if v.policy.Strict {
				return nil, &ValidationError{Field: "properties." + key, Err: ErrUnsupportedValue}
			}
			v.strip()
			continue
		}
		out[key] = val
	}
	return out, nil
}

// sanitizeValue returns the sanitized value and whether it is allowed.
// depth 0 values may be a flat object or list of scalars.
func (v *Validator) sanitizeValue(raw any, depth int) (any, bool, error) {
	switch val := raw.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val, true, nil

	case string:
		if len(val) > MaxStringValueLen {
			return nil, false, nil
		}
		return v.redact(val)

	case map[string]any:
		if depth > 0 {
			return nil, false, nil
		}
		nested := make(map[string]any, len(val))
		for k, child := range val {
			if k == "" || len(k) > MaxPropertyKeyLen {
				return nil, false, nil
			}
			cv, ok, err := v.sanitizeValue(child, depth+1)
			if err != nil || !ok {
				return nil, ok, err
			}
			nested[k] = cv
		}
		return nested, true, nil

	case map[string]string:
		generic := make(map[string]any, len(val))
		for k, s := range val {
			generic[k] = s
		}
		return v.sanitizeValue(generic, depth)

	case []any:
		if depth > 0 {
			return nil, false, nil
		}
		list := make([]any, len(val))
		for i, child := range val {
			cv, ok, err := v.sanitizeValue(child, depth+1)
			if err != nil || !ok {
				return nil, ok, err
			}
			list[i] = cv
		}
		return list, true, nil

	case []string:
		generic := make([]any, len(val))
		for i, s := range val {
			generic[i] = s
		}
		return v.sanitizeValue(generic, depth)

	default:
		return nil, false, nil
	}
}

func (v *Validator) redact(s string) (any, bool, error) {
	for _, re := range v.patterns {
		if !re.MatchString(s) {
			continue
		}
		if !v.policy.RedactPII {
			return nil, false, ErrPIIDetected
		}
		v.redacted.Add(1)
		metrics.ValuesRedactedTotal.Inc()
		return Placeholder, true, nil
	}
	return s, true, nil
}

func (v *Validator) strip() {
	v.stripped.Add(1)
	metrics.PropertiesStrippedTotal.Inc()
}

// Stats returns validator counters
func (v *Validator) Stats() Stats {
	return Stats{
		Validated: v.validated.Load(),
		Dropped:   v.dropped.Load(),
		Stripped:  v.stripped.Load(),
		Redacted:  v.redacted.Load(),
	}
}

// Reason returns a short metric label for a validation error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyID), errors.Is(err, ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, ErrEmptyName):
		return "empty_name"
	case errors.Is(err, ErrNameTooLong):
		return "name_too_long"
	case errors.Is(err, ErrZeroTimestamp), errors.Is(err, ErrFutureTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, ErrTooManyProperties), errors.Is(err, ErrPayloadTooLarge):
		return "oversized"
	case errors.Is(err, ErrPIIDetected):
		return "pii"
	case errors.Is(err, ErrUnsupportedValue), errors.Is(err, ErrInvalidPropertyKey):
		return "unsupported_value"
	default:
		return "other"
	}
}
