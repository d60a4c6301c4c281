package eventbus

import (
	"context"
	"testing"
	"time"
)

func waitRecent(t *testing.T, r *Recorder, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.Recent(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("recorder never saw %d events, have %d", n, len(r.Recent()))
	return nil
}

func TestRecorderRetainsPublishedEvents(t *testing.T) {
	t.Parallel()
	bus := New()
	r := NewRecorder(bus, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	bus.Publish(Event{Type: EventDispatchStarted, Data: map[string]any{"post_id": int64(1)}})
	bus.Publish(Event{Type: EventDispatchFinished, Data: map[string]any{"post_id": int64(1)}})

	got := waitRecent(t, r, 2)
	if got[0].Type != EventDispatchStarted || got[1].Type != EventDispatchFinished {
		t.Fatalf("Recent types = [%s %s], want started then finished", got[0].Type, got[1].Type)
	}
	if got[0].Time.IsZero() {
		t.Fatal("Publish did not stamp the event time")
	}

	cancel()
	<-done
}

func TestRecorderEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	bus := New()
	r := NewRecorder(bus, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	// Publish one at a time so the recorder sees every event before the
	// next one lands in the subscription buffer.
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventPostScheduled, Data: i})
		deadline := time.Now().Add(2 * time.Second)
		for {
			got := r.Recent()
			if n := len(got); n > 0 && got[n-1].Data == i {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("recorder never saw event %d", i)
			}
			time.Sleep(time.Millisecond)
		}
	}

	got := r.Recent()
	if len(got) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(got))
	}
	for i, e := range got {
		if e.Data != i+2 {
			t.Fatalf("Recent[%d].Data = %v, want %d", i, e.Data, i+2)
		}
	}
}
