package forms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/formsync/internal/audit"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/syncengine"
	"github.com/hyperengineering/formsync/internal/types"
)

// Service saves, edits and lists forms. When a recorder is attached every
// mutation made with an actor in the context is audited.
type Service struct {
	engine   *syncengine.Engine[Form]
	recorder *audit.Recorder
	logger   *slog.Logger
}

// New starts a service over the forms collection. recorder may be nil.
func New(local syncengine.Local, rs remote.Store, conn syncengine.Connectivity, recorder *audit.Recorder, opts ...syncengine.Option) (*Service, error) {
	opts = append([]syncengine.Option{syncengine.WithInitialStatus(types.StatusPending)}, opts...)
	engine, err := syncengine.New[Form](Collection, local, rs, conn, opts...)
	if err != nil {
		return nil, fmt.Errorf("new forms service: %w", err)
	}
	return &Service{
		engine:   engine,
		recorder: recorder,
		logger:   slog.Default().With("component", "forms"),
	}, nil
}

// Save stores a new pending form. An empty order code is replaced by
// DefaultOrderCode. The actor in ctx, if any, is recorded as its author.
func (s *Service) Save(ctx context.Context, kind Kind, orderCode string, data json.RawMessage) (Saved, error) {
	if !kind.Valid() {
		return Saved{}, fmt.Errorf("save form: %w: %q", ErrInvalidKind, kind)
	}
	if len(data) > 0 && !json.Valid(data) {
		return Saved{}, fmt.Errorf("save form: %w", ErrInvalidData)
	}

	id := s.engine.NewID()
	if orderCode == "" {
		orderCode = DefaultOrderCode(id)
	}
	form := Form{Kind: kind, OrderCode: orderCode, Data: data}
	if actor, ok := audit.ActorFromContext(ctx); ok {
		form.CreatedBy = &actor
	}

	saved, err := s.engine.CreateWithID(ctx, id, form)
	if err != nil {
		return Saved{}, fmt.Errorf("save form: %w", err)
	}
	s.audit(ctx, audit.ActionCreateForm, saved, audit.Details{StatusAfter: saved.Status})
	return saved, nil
}

// Edit replaces the order code and data of a form. Kind and author are
// kept.
func (s *Service) Edit(ctx context.Context, id, orderCode string, data json.RawMessage) (Saved, error) {
	if len(data) > 0 && !json.Valid(data) {
		return Saved{}, fmt.Errorf("edit form: %w", ErrInvalidData)
	}
	current, err := s.engine.Get(ctx, id)
	if err != nil {
		return Saved{}, fmt.Errorf("edit form: %w", err)
	}
	if orderCode == "" {
		orderCode = DefaultOrderCode(id)
	}

	form := current.Payload
	form.OrderCode = orderCode
	form.Data = data
	saved, err := s.engine.Update(ctx, id, form)
	if err != nil {
		return Saved{}, fmt.Errorf("edit form: %w", err)
	}
	s.audit(ctx, audit.ActionEditForm, saved, audit.Details{Changes: data})
	return saved, nil
}

// Finalize marks a form finalized.
func (s *Service) Finalize(ctx context.Context, id string) (Saved, error) {
	return s.SetStatus(ctx, id, types.StatusFinalized)
}

// Reopen returns a finalized form to pending.
func (s *Service) Reopen(ctx context.Context, id string) (Saved, error) {
	return s.SetStatus(ctx, id, types.StatusPending)
}

// SetStatus moves a form to status.
func (s *Service) SetStatus(ctx context.Context, id string, status types.Status) (Saved, error) {
	current, err := s.engine.Get(ctx, id)
	if err != nil {
		return Saved{}, fmt.Errorf("set form status: %w", err)
	}
	saved, err := s.engine.UpdateStatus(ctx, id, status)
	if err != nil {
		return Saved{}, fmt.Errorf("set form status: %w", err)
	}

	action := audit.ActionFinalizeForm
	if status == types.StatusPending {
		action = audit.ActionReopenForm
	}
	s.audit(ctx, action, saved, audit.Details{StatusBefore: current.Status, StatusAfter: status})
	return saved, nil
}

// Delete removes a form.
func (s *Service) Delete(ctx context.Context, id string) error {
	current, err := s.engine.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	if err := s.engine.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	s.audit(ctx, audit.ActionDeleteForm, current, audit.Details{StatusBefore: current.Status})
	return nil
}

// Get returns one form from the local cache.
func (s *Service) Get(ctx context.Context, id string) (Saved, error) {
	return s.engine.Get(ctx, id)
}

// List returns every form, most recently modified first.
func (s *Service) List(ctx context.Context) ([]Saved, error) {
	return s.engine.ListAll(ctx)
}

// ByStatus returns the forms with status.
func (s *Service) ByStatus(ctx context.Context, status types.Status) ([]Saved, error) {
	return s.filter(ctx, func(f Saved) bool { return f.Status == status })
}

// ByKind returns the forms of one kind.
func (s *Service) ByKind(ctx context.Context, kind Kind) ([]Saved, error) {
	return s.filter(ctx, func(f Saved) bool { return f.Payload.Kind == kind })
}

// Stats counts every form by status and kind.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(all), nil
}

// Subscribe delivers the full form list on every change.
func (s *Service) Subscribe(ctx context.Context, fn func([]Saved)) (func(), error) {
	return s.engine.Subscribe(ctx, fn)
}

// Sync replays writes made while offline.
func (s *Service) Sync(ctx context.Context) (syncengine.ReplayResult, error) {
	return s.engine.ReplayPending(ctx)
}

// HasPendingWrites reports whether any form change is unconfirmed.
func (s *Service) HasPendingWrites(ctx context.Context) (bool, error) {
	return s.engine.HasPendingWrites(ctx)
}

// IsOnline reports the connectivity state.
func (s *Service) IsOnline() bool {
	return s.engine.IsOnline()
}

// Rejected lists form changes the remote refused.
func (s *Service) Rejected(ctx context.Context) ([]types.RejectedOperation, error) {
	return s.engine.Rejected(ctx)
}

// Flush waits for in-flight remote writes.
func (s *Service) Flush(ctx context.Context) error {
	return s.engine.Flush(ctx)
}

// Close stops the service's engine. The recorder is owned by the caller.
func (s *Service) Close() error {
	return s.engine.Close()
}

func (s *Service) filter(ctx context.Context, keep func(Saved) bool) ([]Saved, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Saved, 0, len(all))
	for _, f := range all {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// audit records an event for f. Audit failures never fail the form
// operation.
func (s *Service) audit(ctx context.Context, action audit.Action, f Saved, details audit.Details) {
	if s.recorder == nil {
		return
	}
	actor, ok := audit.ActorFromContext(ctx)
	if !ok {
		s.logger.Debug("no actor in context, skipping audit", "action", action, "form_id", f.ID)
		return
	}

	details.FormID = f.ID
	details.OrderCode = f.Payload.OrderCode
	details.FormKind = string(f.Payload.Kind)
	if _, err := s.recorder.Record(ctx, action, actor, details); err != nil {
		s.logger.Warn("audit event not recorded", "action", action, "form_id", f.ID, "error", err)
	}
}
