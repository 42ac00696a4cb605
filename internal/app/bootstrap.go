package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"genbot/internal/bot"
	"genbot/internal/broadcast"
	"genbot/internal/config"
	"genbot/internal/generation"
	"genbot/internal/generation/providers/httpjob"
	"genbot/internal/httpserver"
	"genbot/internal/payments"
	"genbot/internal/scheduler"
	"genbot/internal/session"
	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// Maintenance defaults (robfig/cron descriptors). The config manager fills
// them on load; configs built in code fall back here.
const (
	defaultQueueReclaim     = config.DefaultQueueReclaim
	defaultSessionSweep     = config.DefaultSessionSweep
	defaultBroadcastRecover = config.DefaultBroadcastRecover
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func logTarget(cfg *Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.LogChatID, ThreadID: cfg.Logging.Telegram.ThreadID}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./data/genbot.db"
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", sc.Driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// openRedis returns nil when no redis section is configured.
func openRedis(cfg *Config) redis.UniversalClient {
	if cfg.Redis == nil || strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func redisPrefix(cfg *Config) string {
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Prefix) != "" {
		return strings.TrimSpace(cfg.Redis.Prefix)
	}
	return "genbot"
}

func mapQueueConfig(cfg *Config, rdb redis.UniversalClient) (broadcast.QueueConfig, error) {
	lease, err := parseDurationOrDefault("queue.lease", cfg.Queue.Lease, 10*time.Minute)
	if err != nil {
		return broadcast.QueueConfig{}, err
	}
	poll, err := parseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, time.Second)
	if err != nil {
		return broadcast.QueueConfig{}, err
	}
	return broadcast.QueueConfig{
		Backend:      cfg.Queue.Backend,
		Path:         cfg.Queue.Path,
		Lease:        lease,
		PollInterval: poll,
		Redis:        rdb,
		Prefix:       redisPrefix(cfg),
	}, nil
}

func mapSessionConfig(cfg *Config, rdb redis.UniversalClient) (session.Config, error) {
	ttl, err := parseDurationOrDefault("session.ttl", cfg.Session.TTL, session.DefaultTTL)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{Backend: cfg.Session.Backend, TTL: ttl, Redis: rdb, Prefix: redisPrefix(cfg)}, nil
}

func mapBroadcastSettings(cfg *Config) (broadcast.Settings, error) {
	def := broadcast.DefaultSettings()
	delay, err := parseDurationOrDefault("broadcast.send_delay", cfg.Broadcast.SendDelay, def.SendDelay)
	if err != nil {
		return broadcast.Settings{}, err
	}
	return broadcast.Settings{
		PageSize:      cfg.Broadcast.PageSize,
		SendDelay:     delay,
		RetryMax:      cfg.Broadcast.RetryMax,
		ProgressEvery: cfg.Broadcast.ProgressEvery,
	}, nil
}

func mapPaymentSettings(cfg *Config) (payments.Settings, error) {
	min, err := config.ParseAmount("payments.min_amount", cfg.Payments.MinAmount, decimal.NewFromInt(1))
	if err != nil {
		return payments.Settings{}, err
	}
	return payments.Settings{
		Secret:    cfg.Payments.Secret,
		MinAmount: min,
		PayURL:    strings.TrimSpace(cfg.Payments.PayURL),
	}, nil
}

func mapBotSettings(cfg *Config) (bot.Settings, error) {
	bonus, err := config.ParseAmount("broadcast.default_bonus", cfg.Broadcast.DefaultBonus, decimal.Zero)
	if err != nil {
		return bot.Settings{}, err
	}
	return bot.Settings{Admins: cfg.Telegram.AdminIDs, DefaultBonus: bonus}, nil
}

func mapHTTPConfig(cfg *Config) (httpserver.Config, error) {
	hc := cfg.HTTP
	read, err := parseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	write, err := parseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := parseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	if hc.MutexProfileFraction < 0 || hc.BlockProfileRate < 0 {
		return httpserver.Config{}, fmt.Errorf("http: profile rates must be >= 0")
	}
	return httpserver.Config{
		Enabled:              hc.Enabled,
		Addr:                 strings.TrimSpace(hc.Addr),
		Metrics:              hc.Metrics,
		Pprof:                hc.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: hc.MutexProfileFraction,
		BlockProfileRate:     hc.BlockProfileRate,
	}, nil
}

func specOrDefault(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}

// providerSet is one validated generation registration.
type providerSet struct {
	kind     generation.Kind
	provider generation.Provider
	profile  generation.Profile
}

// mapProviders builds every enabled provider in kind order. Disabled kinds are
// omitted.
func mapProviders(cfg *Config) ([]providerSet, error) {
	kinds := make([]string, 0, len(cfg.Generation.Providers))
	for k := range cfg.Generation.Providers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	out := make([]providerSet, 0, len(kinds))
	for _, k := range kinds {
		pc := cfg.Generation.Providers[k]
		if !pc.Enabled {
			continue
		}
		kind := generation.Kind(strings.ToLower(strings.TrimSpace(k)))
		prof, err := generation.ProfileFromConfig(kind, pc)
		if err != nil {
			return nil, err
		}
		client, err := httpjob.FromConfig(string(kind), pc)
		if err != nil {
			return nil, fmt.Errorf("generation.providers.%s: %w", k, err)
		}
		out = append(out, providerSet{kind: kind, provider: client, profile: prof})
	}
	return out, nil
}

// syncProviders makes the orchestrator's registrations match sets.
func syncProviders(o *generation.Orchestrator, sets []providerSet, log logx.Logger) {
	want := make(map[generation.Kind]struct{}, len(sets))
	for _, s := range sets {
		want[s.kind] = struct{}{}
		if err := o.Register(s.kind, s.provider, s.profile); err != nil {
			log.Warn("provider register failed", logx.String("kind", string(s.kind)), logx.Err(err))
			continue
		}
		log.Debug("provider registered",
			logx.String("kind", string(s.kind)),
			logx.String("price", s.profile.Price.String()),
			logx.Int("max_attempts", s.profile.MaxAttempts),
		)
	}
	for _, k := range o.Kinds() {
		if _, ok := want[k]; !ok {
			o.Unregister(k)
			log.Info("provider unregistered", logx.String("kind", string(k)))
		}
	}
}

// validate runs every mapping so a bad hot reload is rejected before commit.
// The config manager runs it after Config.Validate.
func validate(cfg *Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg, nil); err != nil {
		return err
	}
	if _, err := mapSessionConfig(cfg, nil); err != nil {
		return err
	}
	if _, err := mapBroadcastSettings(cfg); err != nil {
		return err
	}
	if _, err := mapPaymentSettings(cfg); err != nil {
		return err
	}
	if _, err := mapBotSettings(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProviders(cfg); err != nil {
		return err
	}
	m := cfg.Maintenance
	for path, raw := range map[string]string{
		"maintenance.queue_reclaim":     specOrDefault(m.QueueReclaim, defaultQueueReclaim),
		"maintenance.session_sweep":     specOrDefault(m.SessionSweep, defaultSessionSweep),
		"maintenance.broadcast_recover": specOrDefault(m.BroadcastRecover, defaultBroadcastRecover),
	} {
		if err := scheduler.Validate(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
