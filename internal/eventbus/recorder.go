package eventbus

import (
	"context"
	"sync"
)

const defaultRecorderCapacity = 64

// Recorder subscribes to a bus and retains the most recent events in a
// fixed-size ring, oldest evicted first. The ops status endpoint reads it
// to expose recent dispatch activity.
type Recorder struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool

	events <-chan Event
	unsub  func()
}

func NewRecorder(bus Bus, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCapacity
	}
	ch, unsub := bus.Subscribe(capacity)
	return &Recorder{
		buf:    make([]Event, capacity),
		events: ch,
		unsub:  unsub,
	}
}

// Run drains the subscription until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.record(e)
		}
	}
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the retained events, oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
