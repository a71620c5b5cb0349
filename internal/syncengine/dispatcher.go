package syncengine

import (
	"context"
	"sync"
)

// dispatcher runs submitted jobs one at a time in submission order. The
// queue is unbounded so that submitting never blocks a caller.
type dispatcher struct {
	mu     sync.Mutex
	jobs   []func(context.Context)
	closed bool
	wake   chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{wake: make(chan struct{}, 1)}
}

// submit queues fn. It reports false once the dispatcher has stopped.
func (d *dispatcher) submit(fn func(context.Context)) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.jobs = append(d.jobs, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// run executes jobs until ctx is done. Jobs still queued at that point are
// dropped.
func (d *dispatcher) run(ctx context.Context) {
	defer d.stop()

	for {
		d.mu.Lock()
		if len(d.jobs) == 0 {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		fn := d.jobs[0]
		d.jobs[0] = nil
		d.jobs = d.jobs[1:]
		d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.jobs = nil
}
