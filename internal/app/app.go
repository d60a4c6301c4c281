// Package app wires the postline daemon together: config, logging, storage,
// platform adapters, dispatcher, scheduler, verification and the ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postline/internal/config"
	"postline/internal/dispatch"
	"postline/internal/eventbus"
	"postline/internal/ops"
	"postline/internal/platform"
	"postline/internal/platform/bale"
	"postline/internal/platform/telegram"
	"postline/internal/runtime/supervisor"
	"postline/internal/schedule"
	"postline/internal/storage"
	"postline/internal/verify"
	logx "postline/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	events *eventbus.Recorder

	store    *storage.Store
	registry *platform.Registry

	dispatcher *dispatch.Service
	scheduler  *schedule.Service
	verifier   *verify.Service
	ops        *ops.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dispatcher := dispatch.New(dispCfg, store, registry, bus, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	scheduler := schedule.New(schedCfg, store, dispatcher, bus, log)

	verifyCfg, err := mapVerifyConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	verifier := verify.New(verifyCfg, registry, store, bus, log)

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		events:     eventbus.NewRecorder(bus, 64),
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		verifier:   verifier,
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.ops = ops.New(opsCfg, a.statusSnapshot, log)

	return a, nil
}

func (a *App) Store() *storage.Store        { return a.store }
func (a *App) Verifier() *verify.Service    { return a.verifier }
func (a *App) Bus() eventbus.Bus            { return a.bus }
func (a *App) Scheduler() *schedule.Service { return a.scheduler }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return errors.New("config not loaded")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	if cfg.Dispatcher.Enabled {
		if err := a.dispatcher.Start(sctx); err != nil {
			return err
		}
	}
	if cfg.Scheduler.Enabled {
		if !cfg.Dispatcher.Enabled {
			return errors.New("scheduler.enabled requires dispatcher.enabled")
		}
		if err := a.scheduler.Start(sctx); err != nil {
			return err
		}
	}
	if cfg.Ops.Enabled {
		a.ops.Start(sctx)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("component", "config")))
	a.cfgm.SetValidator(validateConfig)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	a.sup.Go("config.apply", a.applyLoop)
	a.sup.Go("events.record", a.events.Run)

	a.log.Info("postline started",
		logx.Bool("dispatcher", cfg.Dispatcher.Enabled),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("ops", cfg.Ops.Enabled))
	return nil
}

func (a *App) Stop(ctx context.Context) {
	a.log.Info("postline stopping")
	if a.scheduler != nil {
		a.scheduler.Stop(ctx)
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop(10 * time.Second)
	}
	if a.ops != nil {
		a.ops.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		a.sup.Wait(10 * time.Second)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("postline stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// SubmitPost persists a post with its targets and arms the matching trigger.
// A nil scheduled time dispatches immediately.
func (a *App) SubmitPost(ctx context.Context, p storage.Post, channelIDs []int64, atts []storage.Attachment) (int64, error) {
	id, err := a.store.CreatePost(ctx, p, channelIDs, atts)
	if err != nil {
		return 0, err
	}
	if p.ScheduledAt != nil {
		a.scheduler.ScheduleAt(id, *p.ScheduledAt)
	} else {
		a.scheduler.ScheduleImmediate(id)
	}
	return id, nil
}

// CancelPost cancels a scheduled post and disarms its timer.
func (a *App) CancelPost(ctx context.Context, postID, ownerID int64) error {
	if err := a.store.CancelPost(ctx, postID, ownerID, time.Now()); err != nil {
		return err
	}
	a.scheduler.CancelTimer(postID)
	return nil
}

// RetryPost requeues a failed post immediately.
func (a *App) RetryPost(ctx context.Context, postID, ownerID int64) error {
	if err := a.store.RetryPost(ctx, postID, ownerID); err != nil {
		return err
	}
	a.scheduler.ScheduleImmediate(postID)
	return nil
}

// applyLoop consumes committed config reloads and applies the hot-swappable
// parts. Platform tokens, storage path and worker counts need a restart.
func (a *App) applyLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log.Info("config reloaded; logging settings applied",
		logx.String("level", cfg.Logging.Level))
}

func (a *App) statusSnapshot() any {
	return map[string]any{
		"dispatcher": map[string]any{
			"queue_depth": a.dispatcher.QueueDepth(),
			"workers":     a.dispatcher.Counters(),
		},
		"scheduler": map[string]any{
			"timers": a.scheduler.TimerCount(),
		},
		"recent_events": recentEvents(a.events),
		"time":          time.Now().UTC().Format(time.RFC3339),
	}
}

func recentEvents(r *eventbus.Recorder) []map[string]any {
	evs := r.Recent()
	out := make([]map[string]any, 0, len(evs))
	for _, e := range evs {
		out = append(out, map[string]any{
			"type": e.Type,
			"time": e.Time.UTC().Format(time.RFC3339),
			"data": e.Data,
		})
	}
	return out
}

func buildRegistry(cfg *config.Config, log logx.Logger) (*platform.Registry, error) {
	var adapters []platform.Adapter

	if cfg.Platforms.Telegram.Token != "" {
		tcfg, err := mapPlatformTimeouts(cfg.Platforms.Telegram, "platforms.telegram")
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:      cfg.Platforms.Telegram.Token,
			APIBase:    cfg.Platforms.Telegram.APIBase,
			Timeouts:   tcfg,
			RatePerSec: cfg.Platforms.Telegram.RatePerSec,
			AlbumMax:   cfg.Platforms.Telegram.AlbumMax,
		}, log.With(logx.String("component", "telegram")))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, tg)
	}

	if cfg.Platforms.Bale.Token != "" {
		bcfg, err := mapPlatformTimeouts(cfg.Platforms.Bale, "platforms.bale")
		if err != nil {
			return nil, err
		}
		bl, err := bale.New(bale.Config{
			Token:      cfg.Platforms.Bale.Token,
			APIBase:    cfg.Platforms.Bale.APIBase,
			Timeouts:   bcfg,
			RatePerSec: cfg.Platforms.Bale.RatePerSec,
			AlbumMax:   cfg.Platforms.Bale.AlbumMax,
		}, log.With(logx.String("component", "bale")))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, bl)
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no platform tokens configured")
	}
	return platform.NewRegistry(adapters...), nil
}
