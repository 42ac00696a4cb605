package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"genbot/pkg/logx"
)

// Ticket is one queued reference to a broadcast job. The same job may be
// referenced by several tickets; the worker absorbs duplicates.
type Ticket struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Failures counts consecutive handler errors that made no durable
	// progress. Shutdown cancellation and lease expiry do not count.
	Failures int `json:"failures"`

	raw string // backend handle of the leased ticket
}

// Handler processes one ticket. A nil return acknowledges the ticket; any
// error leaves it for redelivery.
type Handler func(ctx context.Context, t Ticket) error

// Progressed marks a handler error returned after the handler saved
// progress; the ticket's failure count starts over.
func Progressed(err error) error {
	if err == nil {
		return nil
	}
	return progressedError{err: err}
}

type progressedError struct{ err error }

func (e progressedError) Error() string { return e.err.Error() }
func (e progressedError) Unwrap() error { return e.err }

// countFailure returns the failure count to store with a nacked ticket.
func countFailure(ctx context.Context, t Ticket, herr error) int {
	var pe progressedError
	switch {
	case ctx.Err() != nil, errors.Is(herr, context.Canceled), errors.Is(herr, ErrBusy):
		return t.Failures
	case errors.As(herr, &pe):
		return 0
	default:
		return t.Failures + 1
	}
}

// Queue is a durable at-least-once ticket queue with a single consumer.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) (Ticket, error)
	// Consume delivers tickets to h until ctx is done.
	Consume(ctx context.Context, h Handler) error
	// Reclaim returns expired leases to the ready set.
	Reclaim(ctx context.Context) (int, error)
	// Contains reports whether a live (ready or leased) ticket references jobID.
	Contains(ctx context.Context, jobID string) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

type QueueConfig struct {
	Backend      string
	Path         string
	Lease        time.Duration
	PollInterval time.Duration
	// Redis is used by the redis backend.
	Redis  redis.UniversalClient
	Prefix string
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "./data/broadcast.queue"
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "genbot"
	}
	return c
}

// OpenQueue opens the configured backend.
func OpenQueue(cfg QueueConfig, log logx.Logger) (Queue, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "bolt":
		return openBoltQueue(cfg, log)
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("redis queue: client is required")
		}
		return newRedisQueue(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// consumeLoop is the shared Consume implementation: dequeue, handle, then
// ack or nack. Handler errors back off exponentially up to a minute.
func consumeLoop(ctx context.Context, log logx.Logger, poll, lease time.Duration,
	next func(context.Context) (Ticket, bool, error),
	extend func(context.Context, Ticket) error,
	ack func(context.Context, Ticket) error,
	nack func(context.Context, Ticket) error,
	h Handler,
) error {
	backoff := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return nil
		}
		t, ok, err := next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("queue dequeue failed", logx.Err(err))
			if !wait(ctx, poll) {
				return nil
			}
			continue
		}
		if !ok {
			if !wait(ctx, poll) {
				return nil
			}
			continue
		}

		herr := handleLeased(ctx, log, lease, t, extend, h)
		settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if herr == nil {
			backoff = 0
			if err := ack(settle, t); err != nil {
				log.Warn("queue ack failed", logx.String("ticket", t.ID), logx.Err(err))
			}
			cancel()
			continue
		}
		t.Failures = countFailure(ctx, t, herr)
		if err := nack(settle, t); err != nil {
			log.Warn("queue nack failed", logx.String("ticket", t.ID), logx.Err(err))
		}
		cancel()

		switch {
		case backoff == 0:
			backoff = poll
		case backoff < time.Minute:
			backoff *= 2
		}
		if backoff > time.Minute {
			backoff = time.Minute
		}
		if !errors.Is(herr, context.Canceled) {
			log.Warn("ticket redelivery scheduled", logx.String("ticket", t.ID), logx.String("job", t.JobID),
				logx.Int("failures", t.Failures), logx.Duration("backoff", backoff), logx.Err(herr))
		}
		if !wait(ctx, backoff) {
			return nil
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// handleLeased runs h while renewing the ticket lease every third of its length.
func handleLeased(ctx context.Context, log logx.Logger, lease time.Duration, t Ticket,
	extend func(context.Context, Ticket) error, h Handler,
) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		every := lease / 3
		if every <= 0 {
			every = time.Second
		}
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-tick.C:
				if err := extend(hctx, t); err != nil && hctx.Err() == nil {
					log.Warn("queue lease renewal failed", logx.String("ticket", t.ID), logx.Err(err))
				}
			}
		}
	}()
	err := h(hctx, t)
	cancel()
	<-done
	return err
}
