package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/types"
)

// listTimeout bounds each re-list a subscription makes after a change.
const listTimeout = 10 * time.Second

// hub tracks live subscriptions and wakes them when their collection
// changes. Only writes made through this Store are observed.
type hub struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	hub        *hub
	collection string
	// signal holds at most one wake-up, so a burst of writes costs a
	// single re-list.
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newHub() *hub {
	return &hub{subs: make(map[*subscription]struct{})}
}

func (h *hub) add(collection string) *subscription {
	sub := &subscription{
		hub:        h,
		collection: collection,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	sub.signal <- struct{}{}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) notify(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.collection != collection {
			continue
		}
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

func (sub *subscription) cancel() {
	sub.once.Do(func() {
		sub.hub.mu.Lock()
		delete(sub.hub.subs, sub)
		sub.hub.mu.Unlock()
		close(sub.done)
	})
}

func (sub *subscription) stopped() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

// Subscribe delivers the ordered collection once straight away and again
// after every write to it. Deliveries happen on a goroutine owned by the
// subscription. ctx only bounds the call itself.
func (s *Store) Subscribe(ctx context.Context, collection string, order types.Order,
	onChange func([]types.Document), onError func(error)) (func(), error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, remote.Unavailable("subscribe", err)
	}

	sub := s.hub.add(collection)
	go s.watch(sub, order, onChange, onError)

	s.logger.Debug("subscription started", "collection", collection)
	return sub.cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	return s.hub.count()
}

func (s *Store) watch(sub *subscription, order types.Order, onChange func([]types.Document), onError func(error)) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.signal:
		}

		ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
		docs, err := s.List(ctx, sub.collection, order)
		cancel()
		if sub.stopped() {
			return
		}
		if err != nil {
			sub.cancel()
			s.logger.Warn("subscription broken", "collection", sub.collection, "error", err)
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(docs)
	}
}
