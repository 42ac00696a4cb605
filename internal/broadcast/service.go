package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"genbot/internal/runtime/supervisor"
	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

var ErrInvalidPayload = errors.New("invalid broadcast payload")

// Service is the entry point for submitting broadcasts and running the
// single consumer.
type Service struct {
	store  Store
	queue  Queue
	worker *Worker
	log    logx.Logger
}

func NewService(store Store, queue Queue, worker *Worker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, queue: queue, worker: worker, log: log.With(logx.String("comp", "broadcast"))}
}

func (s *Service) Worker() *Worker { return s.worker }

// Submit persists a queued job sized to the current audience and enqueues it.
// If enqueueing fails the job row stays queued and Recover picks it up.
func (s *Service) Submit(ctx context.Context, initiator int64, p transport.Payload, bonus decimal.Decimal) (storage.BroadcastJob, Ticket, error) {
	if err := validatePayload(p); err != nil {
		return storage.BroadcastJob{}, Ticket{}, err
	}
	if bonus.IsNegative() || !storage.ExactAmount(bonus) {
		return storage.BroadcastJob{}, Ticket{}, storage.ErrInvalidAmount
	}
	total, err := s.store.CountAccounts(ctx)
	if err != nil {
		return storage.BroadcastJob{}, Ticket{}, fmt.Errorf("count recipients: %w", err)
	}
	job := storage.BroadcastJob{
		ID:          uuid.NewString(),
		InitiatorID: initiator,
		Payload:     p,
		Bonus:       bonus,
		Total:       total,
		Status:      storage.BroadcastQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateBroadcast(ctx, job); err != nil {
		return storage.BroadcastJob{}, Ticket{}, fmt.Errorf("create broadcast: %w", err)
	}
	t, err := s.queue.Enqueue(ctx, job.ID)
	if err != nil {
		return job, Ticket{}, fmt.Errorf("enqueue broadcast %s: %w", job.ID, err)
	}
	s.log.Info("broadcast submitted", logx.String("job", job.ID), logx.Int64("initiator", initiator),
		logx.Int("total", total), logx.String("bonus", bonus.String()))
	return job, t, nil
}

func validatePayload(p transport.Payload) error {
	switch p.Kind {
	case transport.PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidPayload)
		}
	case transport.PayloadPhoto, transport.PayloadVideo, transport.PayloadAudio:
		if strings.TrimSpace(p.MediaRef) == "" {
			return fmt.Errorf("%w: %s without media", ErrInvalidPayload, p.Kind)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidPayload, p.Kind)
	}
	if b := p.Button; b != nil {
		if strings.TrimSpace(b.Text) == "" || !(strings.HasPrefix(b.URL, "https://") || strings.HasPrefix(b.URL, "http://")) {
			return fmt.Errorf("%w: button needs text and an http(s) url", ErrInvalidPayload)
		}
	}
	return nil
}

// Recover re-enqueues unfinished jobs that have no live ticket.
func (s *Service) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListBroadcasts(ctx, storage.BroadcastQueued, storage.BroadcastRunning)
	if err != nil {
		return 0, fmt.Errorf("list unfinished broadcasts: %w", err)
	}
	n := 0
	for _, j := range jobs {
		ok, err := s.queue.Contains(ctx, j.ID)
		if err != nil {
			return n, err
		}
		if ok {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, j.ID); err != nil {
			return n, fmt.Errorf("re-enqueue %s: %w", j.ID, err)
		}
		n++
		s.log.Info("broadcast re-enqueued", logx.String("job", j.ID), logx.String("status", string(j.Status)),
			logx.Int("processed", j.Progress.Processed))
	}
	return n, nil
}

// Start runs the consumer on sup, restarting it if Consume returns early.
func (s *Service) Start(sup *supervisor.Supervisor) {
	sup.GoRestart("broadcast.consumer", func(ctx context.Context) error {
		return s.queue.Consume(ctx, s.worker.Handle)
	}, time.Second, 30*time.Second)
}

// Reclaim returns expired leases to the queue.
func (s *Service) Reclaim(ctx context.Context) (int, error) { return s.queue.Reclaim(ctx) }

// Status reports a job by id.
func (s *Service) Status(ctx context.Context, id string) (storage.BroadcastJob, error) {
	return s.store.GetBroadcast(ctx, id)
}

// Unfinished lists queued and running jobs.
func (s *Service) Unfinished(ctx context.Context) ([]storage.BroadcastJob, error) {
	return s.store.ListBroadcasts(ctx, storage.BroadcastQueued, storage.BroadcastRunning)
}
