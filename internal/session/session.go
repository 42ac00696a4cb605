// Package session keeps the per-account conversation step between updates.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Step string

const (
	StepIdle              Step = "idle"
	StepAwaitVideoPhoto   Step = "await-video-photo"
	StepAwaitVideoPrompt  Step = "await-video-prompt"
	StepAwaitMusicPrompt  Step = "await-music-prompt"
	StepAwaitRestorePhoto Step = "await-restore-photo"
	StepAwaitBroadcast    Step = "await-broadcast"
	StepConfirmBroadcast  Step = "confirm-broadcast"
)

// State is what the bot remembers about an account mid-conversation. Data
// holds small values such as a photo file id or a draft payload.
type State struct {
	Step      Step              `json:"step"`
	Data      map[string]string `json:"data,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (s State) Value(key string) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// With returns a copy of s with key set.
func (s State) With(key, value string) State {
	data := make(map[string]string, len(s.Data)+1)
	for k, v := range s.Data {
		data[k] = v
	}
	data[key] = value
	s.Data = data
	return s
}

// Store persists State per account. Entries expire TTL after their last Set.
type Store interface {
	Get(ctx context.Context, accountID int64) (State, bool, error)
	Set(ctx context.Context, accountID int64, st State) error
	Delete(ctx context.Context, accountID int64) error
	// Sweep drops expired entries and reports how many were removed.
	Sweep(ctx context.Context) int
}

type Config struct {
	Backend string
	TTL     time.Duration
	Redis   redis.UniversalClient
	Prefix  string
}

const DefaultTTL = 30 * time.Minute

func Open(cfg Config) (Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("redis session store: client is required")
		}
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "genbot"
		}
		return NewRedis(cfg.Redis, prefix, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
