package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/formsync/internal/types"
)

const (
	// MaxIDLength bounds document ids. UUIDs and ULIDs both fit.
	MaxIDLength = 64
	// MaxPayloadBytes bounds a single document payload.
	MaxPayloadBytes = 1 << 20
)

var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateJSONObject returns an error unless raw is a JSON object within
// the payload size bound.
func ValidateJSONObject(field string, raw json.RawMessage) *ValidationError {
	if len(raw) == 0 {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(raw) > MaxPayloadBytes {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes),
		}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &ValidationError{Field: field, Message: "must be a JSON object"}
	}
	return nil
}

// ValidateCollection checks a collection name. Names are lower-case and
// safe to embed in URLs and Redis keys.
func ValidateCollection(name string) *ValidationError {
	if !collectionPattern.MatchString(name) {
		return &ValidationError{
			Field:   "collection",
			Message: "must start with a letter and contain only a-z, 0-9, '_' or '-' (max 64)",
		}
	}
	return nil
}

// ValidateID checks a document id.
func ValidateID(field, id string) []ValidationError {
	var c Collector
	if err := ValidateRequired(field, id); err != nil {
		c.Add(err)
		return c.Errors()
	}
	c.Add(ValidateMaxLength(field, id, MaxIDLength))
	c.Add(ValidateUTF8(field, id))
	c.Add(ValidateNoNullBytes(field, id))
	if strings.ContainsAny(id, "/?#") {
		c.Add(&ValidationError{Field: field, Message: "must not contain '/', '?' or '#'"})
	}
	return c.Errors()
}

// ValidateStatus accepts an empty status or a lifecycle state.
func ValidateStatus(field string, s types.Status) *ValidationError {
	if s == "" || s.Valid() {
		return nil
	}
	return ValidateEnum(field, string(s), []string{string(types.StatusPending), string(types.StatusFinalized)})
}

// ValidateDocument checks that a document has every required field.
// Documents arriving from a remote store pass through here before they
// reach the local cache.
func ValidateDocument(doc types.Document) []ValidationError {
	var c Collector
	for _, e := range ValidateID("id", doc.ID) {
		e := e
		c.Add(&e)
	}
	c.Add(ValidateStatus("status", doc.Status))
	if doc.CreatedAt.IsZero() {
		c.Add(&ValidationError{Field: "created_at", Message: "is required"})
	}
	if doc.ModifiedAt.IsZero() {
		c.Add(&ValidationError{Field: "modified_at", Message: "is required"})
	}
	c.Add(ValidateJSONObject("payload", doc.Payload))
	return c.Errors()
}

// ValidatePatch checks a partial update. At least one field must change.
func ValidatePatch(p types.Patch) []ValidationError {
	var c Collector
	if len(p.Payload) == 0 && p.Status == "" {
		c.Add(&ValidationError{Field: "patch", Message: "must set payload or status"})
	}
	if len(p.Payload) > 0 {
		c.Add(ValidateJSONObject("payload", p.Payload))
	}
	c.Add(ValidateStatus("status", p.Status))
	if p.ModifiedAt.IsZero() {
		c.Add(&ValidationError{Field: "modified_at", Message: "is required"})
	}
	return c.Errors()
}
