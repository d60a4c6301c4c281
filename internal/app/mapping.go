package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postline/internal/config"
	"postline/internal/dispatch"
	"postline/internal/ops"
	"postline/internal/platform"
	"postline/internal/schedule"
	"postline/internal/storage"
	"postline/internal/verify"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, error) {
	delay, err := config.ParseDurationOrDefault("dispatcher.retry_delay", cfg.Dispatcher.RetryDelay, time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:    cfg.Dispatcher.Workers,
		QueueSize:  cfg.Dispatcher.QueueSize,
		AttemptMax: cfg.Dispatcher.AttemptMax,
		RetryDelay: delay,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (schedule.Config, error) {
	sweep, err := config.ParseDurationOrDefault("scheduler.sweep_every", cfg.Scheduler.SweepEvery, 30*time.Second)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{SweepEvery: sweep, Timezone: cfg.Scheduler.Timezone}, nil
}

func mapVerifyConfig(cfg *config.Config) (verify.Config, error) {
	timeout, err := config.ParseDurationOrDefault("verify.timeout", cfg.Verify.Timeout, 5*time.Second)
	if err != nil {
		return verify.Config{}, err
	}
	return verify.Config{Timeout: timeout, ProbeText: cfg.Verify.ProbeText}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	read, err := config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", cfg.Ops.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapPlatformTimeouts(pc config.PlatformConfig, path string) (platform.Timeouts, error) {
	text, err := config.ParseDurationOrDefault(path+".text_timeout", pc.TextTimeout, 30*time.Second)
	if err != nil {
		return platform.Timeouts{}, err
	}
	file, err := config.ParseDurationOrDefault(path+".file_timeout", pc.FileTimeout, 2*time.Minute)
	if err != nil {
		return platform.Timeouts{}, err
	}
	album, err := config.ParseDurationOrDefault(path+".album_timeout", pc.AlbumTimeout, 3*time.Minute)
	if err != nil {
		return platform.Timeouts{}, err
	}
	return platform.Timeouts{Text: text, File: file, Album: album}, nil
}

// validateConfig runs before a reload is committed, so a broken edit never
// replaces a working config.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Platforms.Telegram.Token == "" && cfg.Platforms.Bale.Token == "" {
		return fmt.Errorf("at least one platform token is required")
	}
	if cfg.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if cfg.Dispatcher.QueueSize < 0 {
		return fmt.Errorf("dispatcher.queue_size must be >= 0")
	}
	if cfg.Dispatcher.AttemptMax < 0 {
		return fmt.Errorf("dispatcher.attempt_max must be >= 0")
	}
	if cfg.Scheduler.Enabled && !cfg.Dispatcher.Enabled {
		return fmt.Errorf("scheduler.enabled requires dispatcher.enabled")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapVerifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPlatformTimeouts(cfg.Platforms.Telegram, "platforms.telegram"); err != nil {
		return err
	}
	if _, err := mapPlatformTimeouts(cfg.Platforms.Bale, "platforms.bale"); err != nil {
		return err
	}
	return nil
}
