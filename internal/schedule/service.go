// Package schedule turns a post's scheduled time into a dispatch trigger.
//
// Two triggers cooperate: a per-post one-time timer for precision, and a
// periodic cron sweep that re-enqueues any due pending post whose timer was
// lost (process restart, missed enqueue). Both go through the dispatcher's
// pending -> sending claim, so overlapping triggers are harmless.
package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postline/internal/eventbus"
	logx "postline/pkg/logx"
)

const sweepBatch = 100

type Dispatcher interface {
	Enqueue(postID int64) error
}

type Store interface {
	DuePosts(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

type Config struct {
	SweepEvery time.Duration
	Timezone   string
}

func (c Config) withDefaults() Config {
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	return c
}

type Service struct {
	cfg        Config
	store      Store
	dispatcher Dispatcher
	bus        eventbus.Bus
	log        logx.Logger

	mu     sync.Mutex
	c      *cron.Cron
	loc    *time.Location
	timers map[int64]*time.Timer
}

func New(cfg Config, store Store, dispatcher Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		log:        log.With(logx.String("component", "schedule")),
		timers:     map[int64]*time.Timer{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := s.loadLocation()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	if _, err := s.c.AddFunc("@every "+s.cfg.SweepEvery.String(), func() { s.sweep(ctx) }); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Duration("sweep_every", s.cfg.SweepEvery), logx.String("tz", loc.String()))

	// Catch anything that came due while we were down.
	go s.sweep(ctx)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

// ScheduleAt arms a one-time trigger for the post. A time already in the
// past fires immediately.
func (s *Service) ScheduleAt(postID int64, at time.Time) {
	delay := time.Until(at)
	if delay <= 0 {
		s.ScheduleImmediate(postID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[postID]; ok {
		old.Stop()
	}
	s.timers[postID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, postID)
		s.mu.Unlock()
		s.fire(postID)
	})
	s.log.Debug("post scheduled", logx.Int64("post_id", postID), logx.Time("at", at))
	s.publishScheduled(postID, at)
}

func (s *Service) ScheduleImmediate(postID int64) {
	s.fire(postID)
	s.publishScheduled(postID, time.Now())
}

// CancelTimer disarms the one-time trigger. The caller also has to cancel
// the post in storage; the sweep would otherwise re-trigger it.
func (s *Service) CancelTimer(postID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[postID]; ok {
		t.Stop()
		delete(s.timers, postID)
	}
}

// TimerCount reports armed timers (operational signal only).
func (s *Service) TimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Service) fire(postID int64) {
	if err := s.dispatcher.Enqueue(postID); err != nil {
		// Leave the post pending; the next sweep retries the enqueue.
		s.log.Warn("enqueue failed; sweep will retry", logx.Int64("post_id", postID), logx.Err(err))
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := time.Now()
	ids, err := s.store.DuePosts(ctx, now, sweepBatch)
	if err != nil {
		s.log.Error("due-post sweep failed", logx.Err(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	s.log.Debug("sweep found due posts", logx.Int("count", len(ids)))
	for _, id := range ids {
		if err := s.dispatcher.Enqueue(id); err != nil {
			s.log.Warn("sweep enqueue failed", logx.Int64("post_id", id), logx.Err(err))
			return
		}
	}
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publishScheduled(postID int64, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventPostScheduled, Data: map[string]any{
		"post_id": postID, "at": at,
	}})
}
