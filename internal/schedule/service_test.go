package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postline/internal/eventbus"
	logx "postline/pkg/logx"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (d *recordingDispatcher) Enqueue(postID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, postID)
	return nil
}

func (d *recordingDispatcher) enqueued() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.ids...)
}

type dueStore struct {
	mu  sync.Mutex
	ids []int64
}

func (s *dueStore) DuePosts(context.Context, time.Time, int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.ids...), nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestScheduleAtFiresOnce(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s := New(Config{}, &dueStore{}, d, eventbus.New(), logx.Nop())

	s.ScheduleAt(42, time.Now().Add(20*time.Millisecond))
	if s.TimerCount() != 1 {
		t.Fatalf("timers = %d, want 1", s.TimerCount())
	}

	waitFor(t, func() bool { return len(d.enqueued()) == 1 }, "timer did not fire")
	if ids := d.enqueued(); ids[0] != 42 {
		t.Fatalf("enqueued = %v", ids)
	}
	if s.TimerCount() != 0 {
		t.Fatalf("timer not cleaned up, count = %d", s.TimerCount())
	}
}

func TestScheduleAtPastFiresImmediately(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s := New(Config{}, &dueStore{}, d, eventbus.New(), logx.Nop())

	s.ScheduleAt(7, time.Now().Add(-time.Minute))
	if ids := d.enqueued(); len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("enqueued = %v", ids)
	}
	if s.TimerCount() != 0 {
		t.Fatal("past time must not arm a timer")
	}
}

func TestCancelTimerDisarms(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s := New(Config{}, &dueStore{}, d, eventbus.New(), logx.Nop())

	s.ScheduleAt(9, time.Now().Add(30*time.Millisecond))
	s.CancelTimer(9)

	time.Sleep(80 * time.Millisecond)
	if ids := d.enqueued(); len(ids) != 0 {
		t.Fatalf("cancelled timer fired: %v", ids)
	}
}

func TestRearmReplacesTimer(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s := New(Config{}, &dueStore{}, d, eventbus.New(), logx.Nop())

	s.ScheduleAt(5, time.Now().Add(time.Hour))
	s.ScheduleAt(5, time.Now().Add(20*time.Millisecond))
	if s.TimerCount() != 1 {
		t.Fatalf("timers = %d, want 1 after rearm", s.TimerCount())
	}
	waitFor(t, func() bool { return len(d.enqueued()) == 1 }, "rearmed timer did not fire")
}

func TestSweepEnqueuesDuePosts(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	store := &dueStore{ids: []int64{3, 4}}
	s := New(Config{SweepEvery: 10 * time.Millisecond}, store, d, eventbus.New(), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	waitFor(t, func() bool { return len(d.enqueued()) >= 2 }, "sweep did not enqueue due posts")
	ids := d.enqueued()
	if ids[0] != 3 || ids[1] != 4 {
		t.Fatalf("enqueued = %v", ids)
	}
}

func TestSweepStopsOnFullQueue(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{err: errors.New("dispatch queue is full")}
	store := &dueStore{ids: []int64{1, 2, 3}}
	s := New(Config{}, store, d, eventbus.New(), logx.Nop())

	s.sweep(context.Background())
	if ids := d.enqueued(); len(ids) != 0 {
		t.Fatalf("enqueued = %v, want none while queue is full", ids)
	}
}
