// Package dispatch delivers posts to their bound channels.
//
// A dispatch invocation is idempotent at the storage layer: the pending ->
// sending claim is a compare-and-swap, so duplicate triggers (timer plus
// sweep, or a retried enqueue) collapse into one delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postline/internal/eventbus"
	"postline/internal/platform"
	"postline/internal/runtime/supervisor"
	"postline/internal/storage"
	logx "postline/pkg/logx"
)

// Store is the slice of the storage layer the dispatcher needs.
type Store interface {
	ClaimSending(ctx context.Context, postID int64) (bool, error)
	GetPost(ctx context.Context, id int64) (storage.Post, error)
	ChannelsForPost(ctx context.Context, postID int64) ([]storage.Channel, error)
	AttachmentsForPost(ctx context.Context, postID int64) ([]storage.Attachment, error)
	FinishPost(ctx context.Context, postID int64, status storage.PostStatus, errorMessage string, sentAt *time.Time) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	Workers    int
	QueueSize  int
	AttemptMax int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AttemptMax <= 0 {
		c.AttemptMax = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	return c
}

var ErrQueueFull = errors.New("dispatch queue is full")

type Service struct {
	cfg      Config
	store    Store
	registry *platform.Registry
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.Mutex
	running bool
	queue   chan int64
	stopCh  chan struct{}
	sup     *supervisor.Supervisor
}

func New(cfg Config, store Store, registry *platform.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		bus:      bus,
		log:      log.With(logx.String("component", "dispatch")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("dispatcher already running")
	}

	s.queue = make(chan int64, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("dispatch-worker-%d", i)
		s.sup.Go(name, s.workerLoop)
	}
	s.running = true
	s.log.Info("dispatcher started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
	return nil
}

// Stop drains nothing: queued but unclaimed posts stay pending and the sweep
// picks them up after the next start.
func (s *Service) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	if !sup.Wait(timeout) {
		s.log.Warn("dispatcher stop timed out")
	}
	s.log.Info("dispatcher stopped")
}

// Enqueue hands a post id to the worker pool without blocking.
func (s *Service) Enqueue(postID int64) error {
	s.mu.Lock()
	q := s.queue
	running := s.running
	s.mu.Unlock()
	if !running {
		return errors.New("dispatcher is not running")
	}
	select {
	case q <- postID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

func (s *Service) Counters() supervisor.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return supervisor.Counters{}
	}
	return s.sup.Counters()
}

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case postID := <-s.queue:
			s.Dispatch(ctx, postID)
		}
	}
}
