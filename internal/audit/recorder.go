package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/syncengine"
	"github.com/hyperengineering/formsync/internal/types"
)

// Recorder appends audit events and reads them back.
type Recorder struct {
	engine *syncengine.Engine[Event]
}

// New starts a recorder over the audit collection. The local cache keeps
// DefaultRetention events unless opts set another bound with
// syncengine.WithRetention.
func New(local syncengine.Local, rs remote.Store, conn syncengine.Connectivity, opts ...syncengine.Option) (*Recorder, error) {
	opts = append([]syncengine.Option{
		syncengine.WithRetention(DefaultRetention),
		syncengine.WithOrder(types.Order{Field: types.OrderByCreatedAt, Direction: types.Descending}),
	}, opts...)

	engine, err := syncengine.New[Event](Collection, local, rs, conn, opts...)
	if err != nil {
		return nil, fmt.Errorf("new audit recorder: %w", err)
	}
	return &Recorder{engine: engine}, nil
}

// Record appends an event. The client address and user agent are taken
// from ctx when present. Being offline is not an error.
func (r *Recorder) Record(ctx context.Context, action Action, actor Actor, details Details) (Event, error) {
	if !action.Valid() {
		return Event{}, fmt.Errorf("record audit event: %w: %q", ErrInvalidAction, action)
	}
	if actor.UID == "" {
		return Event{}, fmt.Errorf("record audit event: %w", ErrMissingActor)
	}

	client := ClientFromContext(ctx)
	rec, err := r.engine.Create(ctx, Event{
		Action:    action,
		Actor:     actor,
		Details:   details,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		return Event{}, fmt.Errorf("record audit event: %w", err)
	}
	return fromRecord(rec), nil
}

// List returns events newest first. A limit of zero or less returns all.
func (r *Recorder) List(ctx context.Context, limit int) ([]Event, error) {
	return r.list(ctx, limit, func(Event) bool { return true })
}

// ListByActor returns the events of one user, newest first.
func (r *Recorder) ListByActor(ctx context.Context, uid string, limit int) ([]Event, error) {
	return r.list(ctx, limit, func(ev Event) bool { return ev.Actor.UID == uid })
}

// ListByAction returns the events of one kind, newest first.
func (r *Recorder) ListByAction(ctx context.Context, action Action, limit int) ([]Event, error) {
	return r.list(ctx, limit, func(ev Event) bool { return ev.Action == action })
}

// Stats summarizes every known event relative to now.
func (r *Recorder) Stats(ctx context.Context, now time.Time) (Stats, error) {
	events, err := r.List(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(events, now), nil
}

// ReplayPending sends events recorded while offline.
func (r *Recorder) ReplayPending(ctx context.Context) (syncengine.ReplayResult, error) {
	return r.engine.ReplayPending(ctx)
}

// HasPendingWrites reports whether any event is not yet stored remotely.
func (r *Recorder) HasPendingWrites(ctx context.Context) (bool, error) {
	return r.engine.HasPendingWrites(ctx)
}

// Flush waits for in-flight remote writes.
func (r *Recorder) Flush(ctx context.Context) error {
	return r.engine.Flush(ctx)
}

// Close stops the recorder's engine.
func (r *Recorder) Close() error {
	return r.engine.Close()
}

func (r *Recorder) list(ctx context.Context, limit int, keep func(Event) bool) ([]Event, error) {
	recs, err := r.engine.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	events := make([]Event, 0, len(recs))
	for _, rec := range recs {
		ev := fromRecord(rec)
		if keep(ev) {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID > events[j].ID
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func fromRecord(rec syncengine.Record[Event]) Event {
	ev := rec.Payload
	ev.ID = rec.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = rec.CreatedAt
	}
	return ev
}
