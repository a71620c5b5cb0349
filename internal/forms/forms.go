// Package forms manages service-order forms on top of the sync engine.
package forms

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/formsync/internal/audit"
	"github.com/hyperengineering/formsync/internal/syncengine"
	"github.com/hyperengineering/formsync/internal/types"
)

// Collection is the collection forms are stored in.
const Collection = "forms"

var (
	// ErrInvalidKind is returned for a form kind other than CTO, PON or LINK.
	ErrInvalidKind = errors.New("invalid form kind")

	// ErrInvalidData is returned when form data is not valid JSON.
	ErrInvalidData = errors.New("form data is not valid JSON")
)

// Kind is the type of service order a form describes.
type Kind string

const (
	KindCTO  Kind = "CTO"
	KindPON  Kind = "PON"
	KindLINK Kind = "LINK"
)

// Kinds lists every form kind.
var Kinds = []Kind{KindCTO, KindPON, KindLINK}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindCTO || k == KindPON || k == KindLINK
}

// ParseKind accepts a kind name in any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// Form is the synchronized payload of a saved form. Data holds the form
// fields, which this package does not interpret.
type Form struct {
	Kind      Kind            `json:"kind"`
	OrderCode string          `json:"order_code"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedBy *audit.Actor    `json:"created_by,omitempty"`
}

// Saved is a form together with its id, status and timestamps.
type Saved = syncengine.Record[Form]

// DefaultOrderCode is the order code given to forms saved without one.
func DefaultOrderCode(id string) string {
	prefix := id
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	return "no-code-" + prefix
}

// Stats counts forms by status and kind.
type Stats struct {
	Total     int          `json:"total"`
	Pending   int          `json:"pending"`
	Finalized int          `json:"finalized"`
	ByKind    map[Kind]int `json:"by_kind"`
}

// Summarize computes Stats over forms.
func Summarize(forms []Saved) Stats {
	s := Stats{Total: len(forms), ByKind: make(map[Kind]int, len(Kinds))}
	for _, k := range Kinds {
		s.ByKind[k] = 0
	}
	for _, f := range forms {
		switch f.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusFinalized:
			s.Finalized++
		}
		s.ByKind[f.Payload.Kind]++
	}
	return s
}
