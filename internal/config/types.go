package config

// Config is the root of the postline config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos are caught at load time.
type Config struct {
	Platforms  PlatformsConfig  `json:"platforms"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Verify     VerifyConfig     `json:"verify,omitempty"`
	Storage    StorageConfig    `json:"storage"`
	Logging    LoggingConfig    `json:"logging"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type PlatformsConfig struct {
	Telegram PlatformConfig `json:"telegram"`
	Bale     PlatformConfig `json:"bale"`
}

// PlatformConfig configures one bot-API endpoint.
//
// APIBase overrides the default endpoint ("https://api.telegram.org" /
// "https://tapi.bale.ai"); useful for tests and proxies.
type PlatformConfig struct {
	Token   string `json:"token"`
	APIBase string `json:"api_base,omitempty"`

	// Tiered send timeouts: text is quick, uploads take longer.
	TextTimeout  string `json:"text_timeout,omitempty"`  // default "30s"
	FileTimeout  string `json:"file_timeout,omitempty"`  // default "2m"
	AlbumTimeout string `json:"album_timeout,omitempty"` // default "3m"

	RatePerSec int `json:"rate_per_sec,omitempty"` // default 10
	AlbumMax   int `json:"album_max,omitempty"`    // default 10
}

// DispatcherConfig controls the post dispatch worker pool.
//
// AttemptMax counts whole-invocation attempts including the first; the retry
// delay between attempts is fixed, not exponential.
type DispatcherConfig struct {
	Enabled    bool   `json:"enabled"`
	Workers    int    `json:"workers,omitempty"`     // default 4
	QueueSize  int    `json:"queue_size,omitempty"`  // default 256
	AttemptMax int    `json:"attempt_max,omitempty"` // default 3
	RetryDelay string `json:"retry_delay,omitempty"` // default "60s"
}

// SchedulerConfig controls the scheduled-post trigger service.
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	SweepEvery string `json:"sweep_every,omitempty"` // default "30s"
	Timezone   string `json:"timezone,omitempty"`    // IANA TZ, e.g. "Asia/Tehran"
}

// VerifyConfig controls channel verification probes.
//
// The timeout is deliberately short: verification blocks an interactive
// request on the caller's side.
type VerifyConfig struct {
	Timeout   string `json:"timeout,omitempty"` // default "5s", capped at 10s
	ProbeText string `json:"probe_text,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the optional debug/ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
