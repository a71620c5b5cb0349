// Package audit records who did what to which form.
//
// Events are append-only records synchronized like any other collection,
// except that the local cache keeps only the most recent events. The
// remote store keeps the full history.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/formsync/internal/types"
)

// Collection is the collection audit events are stored in.
const Collection = "audit_log"

// DefaultRetention is the number of events kept in the local cache.
const DefaultRetention = 500

var (
	// ErrInvalidAction is returned for actions outside the known set.
	ErrInvalidAction = errors.New("invalid audit action")

	// ErrMissingActor is returned when an event has no actor uid.
	ErrMissingActor = errors.New("audit actor is required")
)

// Action is what was done to a form.
type Action string

const (
	ActionCreateForm   Action = "create_form"
	ActionEditForm     Action = "edit_form"
	ActionDeleteForm   Action = "delete_form"
	ActionFinalizeForm Action = "finalize_form"
	ActionReopenForm   Action = "reopen_form"
)

// Actions lists every action in display order.
var Actions = []Action{
	ActionCreateForm,
	ActionEditForm,
	ActionDeleteForm,
	ActionFinalizeForm,
	ActionReopenForm,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction accepts an action name as stored.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// Actor identifies the user behind an event.
type Actor struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Name returns the display name, falling back to email then uid.
func (a Actor) Name() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Email != "":
		return a.Email
	default:
		return a.UID
	}
}

// Details describes the form an event touched.
type Details struct {
	FormID       string          `json:"form_id,omitempty"`
	OrderCode    string          `json:"order_code,omitempty"`
	FormKind     string          `json:"form_kind,omitempty"`
	StatusBefore types.Status    `json:"status_before,omitempty"`
	StatusAfter  types.Status    `json:"status_after,omitempty"`
	Changes      json.RawMessage `json:"changes,omitempty"`
	Notes        string          `json:"notes,omitempty"`
}

// Event is one audit log entry. ID and Timestamp come from the stored
// record.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Action    Action    `json:"action"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Details   Details   `json:"details"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Describe renders a one-line summary of the event.
func Describe(ev Event) string {
	code := ev.Details.OrderCode
	if code == "" {
		code = "no code"
	}
	kind := ev.Details.FormKind
	if kind != "" {
		kind += " "
	}

	switch ev.Action {
	case ActionCreateForm:
		return fmt.Sprintf("created %sform %s", kind, code)
	case ActionEditForm:
		return fmt.Sprintf("edited %sform %s", kind, code)
	case ActionDeleteForm:
		return fmt.Sprintf("deleted %sform %s", kind, code)
	case ActionFinalizeForm:
		return fmt.Sprintf("finalized %sform %s", kind, code)
	case ActionReopenForm:
		return fmt.Sprintf("reopened %sform %s", kind, code)
	default:
		return fmt.Sprintf("unknown action on %s", code)
	}
}
