package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalJSON = `{
  "platforms": {
    "telegram": {"token": "123:ABC"},
    "bale": {"token": ""}
  },
  "dispatcher": {"enabled": true, "workers": 2, "retry_delay": "45s"},
  "scheduler": {"enabled": true, "sweep_every": "15s", "timezone": "Asia/Tehran"},
  "storage": {"path": "/var/lib/postline/postline.db"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", minimalJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Platforms.Telegram.Token != "123:ABC" {
		t.Fatalf("token = %q", cfg.Platforms.Telegram.Token)
	}
	if !cfg.Dispatcher.Enabled || cfg.Dispatcher.Workers != 2 || cfg.Dispatcher.RetryDelay != "45s" {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Scheduler.Timezone != "Asia/Tehran" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed snapshot")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
platforms:
  telegram:
    token: "123:ABC"
  bale:
    token: "456:DEF"
    api_base: "https://tapi.bale.ai"
dispatcher:
  enabled: true
scheduler:
  enabled: false
storage:
  path: ./postline.db
logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./postline.log
`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Platforms.Bale.Token != "456:DEF" || cfg.Platforms.Bale.APIBase != "https://tapi.bale.ai" {
		t.Fatalf("bale = %+v", cfg.Platforms.Bale)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "./postline.log" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"storage": {"path": "x"}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "dispacher": {"enabled": true}}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("typo key must be rejected")
	}
}

func TestTrailingDataRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", minimalJSON+`{"extra": true}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON must be rejected")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("dispatcher.retry_delay", "soon"); err == nil || !strings.Contains(err.Error(), "dispatcher.retry_delay") {
		t.Fatalf("err = %v, want field path in message", err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "10s", time.Minute); err != nil || d != 10*time.Second {
		t.Fatalf("explicit: got %v, %v", d, err)
	}
}

func TestSubscribePublishAndDropOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	a, b := &Config{}, &Config{Dispatcher: DispatcherConfig{Workers: 9}}
	m.publish(a)
	m.publish(b) // buffer full: oldest dropped, newest delivered

	got := <-ch
	if got != b {
		t.Fatal("subscriber must see the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after Unsubscribe")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", minimalJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to arm before writing.
	time.Sleep(200 * time.Millisecond)
	updated := strings.Replace(minimalJSON, `"workers": 2`, `"workers": 8`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Dispatcher.Workers != 8 {
			t.Fatalf("reloaded workers = %d", cfg.Dispatcher.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", minimalJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Dispatcher.Workers > 4 {
			return errors.New("dispatcher.workers too large")
		}
		return nil
	})
	sub := m.Subscribe(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	time.Sleep(200 * time.Millisecond)
	bad := strings.Replace(minimalJSON, `"workers": 2`, `"workers": 99`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg.Dispatcher)
	case <-time.After(1500 * time.Millisecond):
	}
	if got := m.Get().Dispatcher.Workers; got != 2 {
		t.Fatalf("committed workers = %d, want unchanged 2", got)
	}
}
