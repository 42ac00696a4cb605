package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks field formats. It does not apply defaults.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	dur("queue.lease", c.Queue.Lease)
	dur("queue.poll_interval", c.Queue.PollInterval)
	dur("session.ttl", c.Session.TTL)
	dur("broadcast.send_delay", c.Broadcast.SendDelay)
	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			check(errors.New("storage.dsn: required for postgres (or set " + EnvDatabaseDSN + ")"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	needRedis := false
	switch strings.ToLower(strings.TrimSpace(c.Queue.Backend)) {
	case "", "bolt":
	case "redis":
		needRedis = true
	default:
		check(fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend))
	}
	switch strings.ToLower(strings.TrimSpace(c.Session.Backend)) {
	case "", "memory":
	case "redis":
		needRedis = true
	default:
		check(fmt.Errorf("session.backend: unknown backend %q", c.Session.Backend))
	}
	if needRedis && (c.Redis == nil || strings.TrimSpace(c.Redis.Addr) == "") {
		check(errors.New("redis.addr: required by the redis queue/session backend"))
	}

	if c.Broadcast.PageSize < 0 || c.Broadcast.RetryMax < 0 || c.Broadcast.ProgressEvery < 0 {
		check(errors.New("broadcast: page_size, retry_max and progress_every must be >= 0"))
	}
	check(amountField("broadcast.default_bonus", c.Broadcast.DefaultBonus, true))
	check(amountField("payments.min_amount", c.Payments.MinAmount, false))

	for kind, p := range c.Generation.Providers {
		path := "generation.providers." + kind
		if !p.Enabled {
			continue
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			check(errors.New(path + ".base_url: required"))
		}
		if strings.TrimSpace(p.Price) == "" {
			check(errors.New(path + ".price: required"))
		} else {
			check(amountField(path+".price", p.Price, false))
		}
		dur(path+".poll_interval", p.PollInterval)
		dur(path+".request_timeout", p.RequestTimeout)
		if p.MaxAttempts < 0 || p.MaxPollErrors < 0 {
			check(errors.New(path + ": max_attempts and max_poll_errors must be >= 0"))
		}
	}
	return errors.Join(errs...)
}
