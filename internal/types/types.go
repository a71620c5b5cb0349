package types

import (
	"encoding/json"
	"sort"
	"time"
)

// Status is the lifecycle state of a document. Collections without a
// lifecycle leave it empty.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFinalized Status = "finalized"
)

// Valid reports whether s is one of the lifecycle states.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusFinalized
}

// Document is the stored and transmitted form of a record.
type Document struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Patch is a partial update. Empty fields are left untouched.
type Patch struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     Status          `json:"status,omitempty"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// Apply returns doc with the patch fields merged in.
func (p Patch) Apply(doc Document) Document {
	if len(p.Payload) > 0 {
		doc.Payload = p.Payload
	}
	if p.Status != "" {
		doc.Status = p.Status
	}
	if !p.ModifiedAt.IsZero() {
		doc.ModifiedAt = p.ModifiedAt
	}
	return doc
}

// OpKind identifies the mutation a pending operation replays.
type OpKind string

const (
	OpCreate       OpKind = "create"
	OpUpdate       OpKind = "update"
	OpUpdateStatus OpKind = "update_status"
	OpDelete       OpKind = "delete"
)

// PendingOperation is a mutation that has been applied locally but not yet
// confirmed by the remote store.
type PendingOperation struct {
	// Seq orders replay. It is assigned by the log on enqueue and is the
	// only ordering key; QueuedAt is informational.
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Kind       OpKind    `json:"kind"`
	TargetID   string    `json:"target_id"`
	Document   *Document `json:"document,omitempty"`
	Patch      *Patch    `json:"patch,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
}

// RejectedOperation is a pending operation the remote store refused
// permanently. It is kept for inspection and never replayed.
type RejectedOperation struct {
	PendingOperation
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Change is one local write to a collection snapshot. Op, when set, is the
// operation that replays the write remotely and is logged together with
// it. Op is nil for writes sent straight to the remote.
type Change struct {
	Upsert   *Document
	RemoveID string
	// Retain bounds the snapshot to the most recently created documents.
	// Zero keeps everything.
	Retain int
	Op     *PendingOperation
}

// OrderField names a sortable document timestamp.
type OrderField string

const (
	OrderByModifiedAt OrderField = "modified_at"
	OrderByCreatedAt  OrderField = "created_at"
)

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Order describes how a collection listing is sorted.
type Order struct {
	Field     OrderField `json:"order_by"`
	Direction Direction  `json:"direction"`
}

// DefaultOrder is most recently modified first.
var DefaultOrder = Order{Field: OrderByModifiedAt, Direction: Descending}

// Valid reports whether o names a known field and direction.
func (o Order) Valid() bool {
	if o.Field != OrderByModifiedAt && o.Field != OrderByCreatedAt {
		return false
	}
	return o.Direction == Ascending || o.Direction == Descending
}

// SortDocuments sorts docs in place. Ties are broken by ID so the result is
// deterministic.
func SortDocuments(docs []Document, o Order) {
	key := func(d Document) time.Time {
		if o.Field == OrderByCreatedAt {
			return d.CreatedAt
		}
		return d.ModifiedAt
	}
	sort.SliceStable(docs, func(i, j int) bool {
		ki, kj := key(docs[i]), key(docs[j])
		if !ki.Equal(kj) {
			if o.Direction == Ascending {
				return ki.Before(kj)
			}
			return ki.After(kj)
		}
		if o.Direction == Ascending {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].ID > docs[j].ID
	})
}

// RetainNewest returns at most n of docs, keeping the most recently created.
// n <= 0 keeps everything. docs is not modified.
func RetainNewest(docs []Document, n int) []Document {
	if n <= 0 || len(docs) <= n {
		return docs
	}
	kept := make([]Document, len(docs))
	copy(kept, docs)
	SortDocuments(kept, Order{Field: OrderByCreatedAt, Direction: Descending})
	return kept[:n]
}

// TimeLayout is a fixed-width UTC layout whose lexical order matches
// chronological order. Stored timestamps use it so SQL can sort them as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// ListResponse is the body of a collection listing and of each live
// subscription message.
type ListResponse struct {
	Collection string     `json:"collection"`
	Documents  []Document `json:"documents"`
}

// CreateResponse is returned when a document is created.
type CreateResponse struct {
	ID string `json:"id"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	Driver        string     `json:"driver"`
	DocumentCount int64      `json:"document_count"`
	LastSnapshot  *time.Time `json:"last_snapshot"`
}
