package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m") and all money
// amounts are decimal strings ("80", "12.50"). Secrets may be left empty in
// the file and supplied through the environment (see env.go).
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Redis       *RedisConfig      `json:"redis,omitempty"`
	Queue       QueueConfig       `json:"queue"`
	Session     SessionConfig     `json:"session"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Generation  GenerationConfig  `json:"generation"`
	Payments    PaymentsConfig    `json:"payments"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Token    string  `json:"token"`
	AdminIDs []int64 `json:"admin_ids"`
	// LogChatID receives warn/error log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/genbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// RedisConfig is shared by the redis queue and session backends.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // default: "genbot"
}

// QueueConfig controls the broadcast queue.
//
// Defaults:
//   - backend: "bolt"
//   - path: "./data/broadcast.queue"
//   - lease: "10m"
//   - poll_interval: "1s"
type QueueConfig struct {
	Backend      string `json:"backend"`
	Path         string `json:"path,omitempty"`
	Lease        string `json:"lease,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

type SessionConfig struct {
	Backend string `json:"backend"`       // "memory" (default) or "redis"
	TTL     string `json:"ttl,omitempty"` // default: "30m"
}

// BroadcastConfig controls worker pacing. Hot-reloadable.
type BroadcastConfig struct {
	PageSize      int    `json:"page_size,omitempty"`      // default: 100
	SendDelay     string `json:"send_delay,omitempty"`     // default: "500ms"
	RetryMax      int    `json:"retry_max,omitempty"`      // default: 3
	ProgressEvery int    `json:"progress_every,omitempty"` // default: 1000
	DefaultBonus  string `json:"default_bonus,omitempty"`  // default: "0"
}

// GenerationConfig maps a generation kind ("video", "music", "restore") to
// its provider.
type GenerationConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key,omitempty"`
	Model          string `json:"model,omitempty"`
	Price          string `json:"price"`
	PollInterval   string `json:"poll_interval,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	MaxPollErrors  int    `json:"max_poll_errors,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"` // default: "30s"
	Caption        string `json:"caption,omitempty"`
}

type PaymentsConfig struct {
	Secret    string `json:"secret,omitempty"`
	MinAmount string `json:"min_amount,omitempty"` // default: "1"
	// PayURL is the checkout link template; "{id}" and "{amount}" are replaced.
	PayURL string `json:"pay_url,omitempty"`
}

// HTTPConfig controls the HTTP surface (payment callback, health, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost and exposing only /payments via a proxy.
//   - pprof is mounted only when pprof is true.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Metrics bool   `json:"metrics,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// MaintenanceConfig holds cron specs (robfig/cron syntax, "@every 1m" works).
type MaintenanceConfig struct {
	QueueReclaim string `json:"queue_reclaim,omitempty"` // default: "@every 1m"
	SessionSweep string `json:"session_sweep,omitempty"` // default: "@every 5m"
	// BroadcastRecover re-enqueues unfinished broadcasts whose ticket was lost.
	BroadcastRecover string `json:"broadcast_recover,omitempty"` // default: "@every 10m"
	Timezone         string `json:"timezone,omitempty"`
}
