package config

import "strings"

const (
	DefaultStoragePath      = "./data/genbot.db"
	DefaultQueuePath        = "./data/broadcast.queue"
	DefaultRedisPrefix      = "genbot"
	DefaultQueueReclaim     = "@every 1m"
	DefaultSessionSweep     = "@every 5m"
	DefaultBroadcastRecover = "@every 10m"
)

// ApplyDefaults fills empty backend selectors, paths and maintenance
// schedules. Durations and amounts stay empty; the services that parse them
// own those defaults.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			c.Storage.Path = DefaultStoragePath
		}
	}
	if strings.TrimSpace(c.Queue.Backend) == "" {
		c.Queue.Backend = "bolt"
	}
	if strings.EqualFold(c.Queue.Backend, "bolt") && strings.TrimSpace(c.Queue.Path) == "" {
		c.Queue.Path = DefaultQueuePath
	}
	if strings.TrimSpace(c.Session.Backend) == "" {
		c.Session.Backend = "memory"
	}
	if c.Redis != nil && strings.TrimSpace(c.Redis.Prefix) == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}

	m := &c.Maintenance
	for _, f := range []struct {
		v   *string
		def string
	}{
		{&m.QueueReclaim, DefaultQueueReclaim},
		{&m.SessionSweep, DefaultSessionSweep},
		{&m.BroadcastRecover, DefaultBroadcastRecover},
	} {
		if strings.TrimSpace(*f.v) == "" {
			*f.v = f.def
		}
	}
}
