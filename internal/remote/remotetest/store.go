// Package remotetest provides an in-memory remote.Store that records every
// call and can be told to fail, for use in tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// Call is one recorded invocation.
type Call struct {
	Op         string
	Collection string
	ID         string
}

func (c Call) String() string {
	return c.Op + ":" + c.ID
}

// Store is an in-memory remote store.
type Store struct {
	mu        sync.Mutex
	docs      map[string]map[string]types.Document
	calls     []Call
	down      bool
	failNext  map[string][]error
	assignIDs bool
	subs      map[int]subscriber
	nextSub   int
}

type subscriber struct {
	collection string
	order      types.Order
	onChange   func([]types.Document)
	onError    func(error)
}

var _ remote.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:     make(map[string]map[string]types.Document),
		failNext: make(map[string][]error),
		subs:     make(map[int]subscriber),
	}
}

// SetDown makes every call fail with remote.ErrUnavailable until cleared.
// Taking the store down also breaks live subscriptions.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	var broken []subscriber
	if down {
		for id, sub := range s.subs {
			broken = append(broken, sub)
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()

	for _, sub := range broken {
		if sub.onError != nil {
			sub.onError(fmt.Errorf("%w: connection lost", remote.ErrUnavailable))
		}
	}
}

// FailNext queues err as the result of the next call to op
// ("create", "update", "delete", "list" or "subscribe").
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], err)
}

// AssignIDs makes Create ignore the caller-supplied id and issue its own,
// imitating stores that do not accept client ids.
func (s *Store) AssignIDs(assign bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignIDs = assign
}

// Calls returns the recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// MutationCalls returns the recorded create, update and delete calls.
func (s *Store) MutationCalls() []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == "create" || c.Op == "update" || c.Op == "delete" {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call record.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Documents returns the stored documents of collection, newest first.
func (s *Store) Documents(collection string) []types.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(collection, types.DefaultOrder)
}

// Get returns one stored document.
func (s *Store) Get(collection, id string) (types.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[collection][id]
	return d, ok
}

// Put stores doc directly, bypassing call recording, and notifies
// subscribers. It simulates a write made by another client.
func (s *Store) Put(collection string, doc types.Document) {
	s.mu.Lock()
	s.coll(collection)[doc.ID] = doc
	s.mu.Unlock()
	s.notify(collection)
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) Create(ctx context.Context, collection string, doc types.Document) (string, error) {
	s.mu.Lock()
	if err := s.begin(ctx, "create", collection, doc.ID); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if err := remote.CheckDocument(doc); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if s.assignIDs {
		doc.ID = ulid.Make().String()
	}
	c := s.coll(collection)
	if _, exists := c[doc.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("create %s: %w", doc.ID, remote.ErrAlreadyExists)
	}
	c[doc.ID] = doc
	s.mu.Unlock()

	s.notify(collection)
	return doc.ID, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch types.Patch) error {
	s.mu.Lock()
	if err := s.begin(ctx, "update", collection, id); err != nil {
		s.mu.Unlock()
		return err
	}
	c := s.coll(collection)
	d, ok := c[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, remote.ErrNotFound)
	}
	c[id] = patch.Apply(d)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if err := s.begin(ctx, "delete", collection, id); err != nil {
		s.mu.Unlock()
		return err
	}
	c := s.coll(collection)
	if _, ok := c[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, remote.ErrNotFound)
	}
	delete(c, id)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *Store) List(ctx context.Context, collection string, order types.Order) ([]types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "list", collection, ""); err != nil {
		return nil, err
	}
	return s.listLocked(collection, order), nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, order types.Order,
	onChange func([]types.Document), onError func(error)) (func(), error) {
	s.mu.Lock()
	if err := s.begin(ctx, "subscribe", collection, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscriber{collection: collection, order: order, onChange: onChange, onError: onError}
	initial := s.listLocked(collection, order)
	s.mu.Unlock()

	onChange(initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// begin records the call and returns any injected failure. Callers hold mu.
func (s *Store) begin(ctx context.Context, op, collection, id string) error {
	s.calls = append(s.calls, Call{Op: op, Collection: collection, ID: id})
	if err := ctx.Err(); err != nil {
		return remote.Unavailable(op, err)
	}
	if s.down {
		return fmt.Errorf("%s: %w", op, remote.ErrUnavailable)
	}
	if queued := s.failNext[op]; len(queued) > 0 {
		err := queued[0]
		s.failNext[op] = queued[1:]
		return err
	}
	return nil
}

func (s *Store) coll(collection string) map[string]types.Document {
	c, ok := s.docs[collection]
	if !ok {
		c = make(map[string]types.Document)
		s.docs[collection] = c
	}
	return c
}

func (s *Store) listLocked(collection string, order types.Order) []types.Document {
	out := make([]types.Document, 0, len(s.docs[collection]))
	for _, d := range s.docs[collection] {
		out = append(out, d)
	}
	types.SortDocuments(out, order)
	return out
}

func (s *Store) notify(collection string) {
	s.mu.Lock()
	type delivery struct {
		fn   func([]types.Document)
		docs []types.Document
	}
	var deliveries []delivery
	for _, sub := range s.subs {
		if sub.collection == collection {
			deliveries = append(deliveries, delivery{sub.onChange, s.listLocked(collection, sub.order)})
		}
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.docs)
	}
}
