package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"genbot/internal/eventbus"
	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

// ErrBusy is returned for a ticket of another job while one is running; the
// queue redelivers it later.
var ErrBusy = errors.New("broadcast worker busy")

// Store is what the worker reads and writes.
type Store interface {
	storage.Broadcasts
	RecipientPage(ctx context.Context, afterID int64, limit int) ([]int64, error)
	CountAccounts(ctx context.Context) (int, error)
	CreditOnce(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind storage.EntryKind) (bool, error)
}

// Settings is the hot-reloadable pacing of the worker.
type Settings struct {
	PageSize      int
	SendDelay     time.Duration
	RetryMax      int
	ProgressEvery int
	// MaxFailures fails a job after that many consecutive errored runs
	// that saved no progress.
	MaxFailures int
}

func DefaultSettings() Settings {
	return Settings{PageSize: 100, SendDelay: 500 * time.Millisecond, RetryMax: 3, ProgressEvery: 1000, MaxFailures: 20}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.PageSize <= 0 {
		s.PageSize = d.PageSize
	}
	if s.SendDelay < 0 {
		s.SendDelay = 0
	}
	if s.RetryMax < 0 {
		s.RetryMax = 0
	}
	if s.ProgressEvery <= 0 {
		s.ProgressEvery = d.ProgressEvery
	}
	if s.MaxFailures <= 0 {
		s.MaxFailures = d.MaxFailures
	}
	return s
}

// Worker processes one broadcast job at a time.
type Worker struct {
	store Store
	sink  transport.Sink
	bus   eventbus.Bus
	log   logx.Logger

	settings atomic.Pointer[Settings]

	mu     sync.Mutex
	active string
}

func NewWorker(store Store, sink transport.Sink, bus eventbus.Bus, log logx.Logger, s Settings) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{store: store, sink: sink, bus: bus, log: log.With(logx.String("comp", "broadcast.worker"))}
	w.Apply(s)
	return w
}

// Apply replaces pacing settings; a running job picks them up at its next page.
func (w *Worker) Apply(s Settings) {
	s = s.normalized()
	w.settings.Store(&s)
}

func (w *Worker) Settings() Settings { return *w.settings.Load() }

// Active returns the id of the running job, if any.
func (w *Worker) Active() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Worker) acquire(jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.active {
	case "":
		w.active = jobID
		return nil
	case jobID:
		return errDuplicate
	default:
		return ErrBusy
	}
}

func (w *Worker) release() {
	w.mu.Lock()
	w.active = ""
	w.mu.Unlock()
}

var errDuplicate = errors.New("duplicate delivery of running job")

// Handle is the queue Handler.
func (w *Worker) Handle(ctx context.Context, t Ticket) error {
	log := w.log.With(logx.String("job", t.JobID), logx.String("ticket", t.ID))
	if err := w.acquire(t.JobID); err != nil {
		if errors.Is(err, errDuplicate) {
			log.Info("duplicate ticket for running job dropped")
			return nil
		}
		return err
	}
	defer w.release()

	job, err := w.store.GetBroadcast(ctx, t.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("ticket references unknown job; dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	switch job.Status {
	case storage.BroadcastCompleted, storage.BroadcastFailed:
		log.Info("ticket for finished job dropped", logx.String("status", string(job.Status)))
		return nil
	}
	if t.Failures >= w.Settings().MaxFailures {
		log.Error("broadcast abandoned after repeated errors", logx.Int("failures", t.Failures))
		if err := w.store.FinishBroadcast(ctx, job.ID, storage.BroadcastFailed, job.Progress, "too many delivery attempts"); err != nil {
			return err
		}
		w.notify(ctx, job.InitiatorID, fmt.Sprintf("Broadcast %s stopped after repeated internal errors. %s", shortID(job.ID), summary(job.Progress)))
		eventbus.Emit(w.bus, eventbus.TypeBroadcastFinished, eventbus.BroadcastFinished{JobID: job.ID, Status: string(storage.BroadcastFailed),
			Sent: job.Progress.Sent, Failed: job.Progress.Failed, Blocked: job.Progress.Blocked})
		return nil
	}
	saved, err := w.run(ctx, job, log)
	if err != nil && saved > job.Progress.Processed {
		return Progressed(err)
	}
	return err
}

// run returns the processed count of the last saved checkpoint with any error.
func (w *Worker) run(ctx context.Context, job storage.BroadcastJob, log logx.Logger) (int, error) {
	start := time.Now()
	saved := job.Progress.Processed
	if job.Status == storage.BroadcastQueued {
		if err := w.store.StartBroadcast(ctx, job.ID); err != nil {
			return saved, fmt.Errorf("start job: %w", err)
		}
		log.Info("broadcast started", logx.Int("total", job.Total))
		w.notify(ctx, job.InitiatorID, fmt.Sprintf("Broadcast %s started for %d recipients.", shortID(job.ID), job.Total))
	} else {
		log.Info("broadcast resumed", logx.Int64("cursor", job.Progress.Cursor), logx.Int("processed", job.Progress.Processed))
	}
	eventbus.Emit(w.bus, eventbus.TypeBroadcastStarted, eventbus.BroadcastStarted{JobID: job.ID, Total: job.Total})

	p := job.Progress
	durable := context.WithoutCancel(ctx)
	lim := rate.NewLimiter(rate.Inf, 1)
	checkpoint := func() error {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.store.CheckpointBroadcast(cctx, job.ID, p); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		saved = p.Processed
		return nil
	}

	for {
		s := w.Settings()
		if s.SendDelay > 0 {
			lim.SetLimit(rate.Every(s.SendDelay))
		} else {
			lim.SetLimit(rate.Inf)
		}

		page, err := w.store.RecipientPage(ctx, p.Cursor, s.PageSize)
		if err != nil {
			return saved, fmt.Errorf("recipient page after %d: %w", p.Cursor, err)
		}
		if len(page) == 0 {
			break
		}
		done, err := w.store.TaskOutcomes(ctx, job.ID, page)
		if err != nil {
			return saved, fmt.Errorf("task outcomes: %w", err)
		}

		for _, rid := range page {
			if ctx.Err() != nil {
				if err := checkpoint(); err != nil {
					log.Error("checkpoint on stop failed", logx.Err(err))
				}
				return saved, ctx.Err()
			}

			var status storage.TaskStatus
			if prior, ok := done[rid]; ok {
				// Processed before a restart but after the last checkpoint.
				status = prior.Status
			} else {
				if err := lim.Wait(ctx); err != nil {
					continue
				}
				task := w.deliver(ctx, job, rid, s.RetryMax)
				if ctx.Err() != nil && task.Status == storage.TaskFailed {
					continue
				}
				// A message already sent is recorded even during shutdown.
				if err := w.store.SaveTask(durable, task); err != nil {
					return saved, fmt.Errorf("save task %d: %w", rid, err)
				}
				status = task.Status
				eventbus.Emit(w.bus, eventbus.TypeBroadcastDelivery, eventbus.BroadcastDelivery{JobID: job.ID, RecipientID: rid, Outcome: string(status)})
			}

			switch status {
			case storage.TaskSent:
				p.Sent++
				if job.Bonus.IsPositive() {
					if err := w.payBonus(durable, job, rid); err != nil {
						return saved, err
					}
					p.BonusPaid = p.BonusPaid.Add(job.Bonus)
				}
			case storage.TaskBlocked:
				p.Blocked++
			default:
				p.Failed++
			}
			p.Processed++
			p.Cursor = rid

			if p.Processed%s.ProgressEvery == 0 {
				w.notify(ctx, job.InitiatorID, fmt.Sprintf("Broadcast %s: %d/%d processed. %s", shortID(job.ID), p.Processed, job.Total, summary(p)))
			}
		}
		if err := checkpoint(); err != nil {
			return saved, err
		}
	}

	if err := w.store.FinishBroadcast(ctx, job.ID, storage.BroadcastCompleted, p, ""); err != nil {
		return saved, fmt.Errorf("finish job: %w", err)
	}
	elapsed := time.Since(start)
	log.Info("broadcast completed", logx.Int("processed", p.Processed), logx.Int("sent", p.Sent), logx.Int("blocked", p.Blocked),
		logx.Int("failed", p.Failed), logx.String("bonus_paid", p.BonusPaid.String()), logx.Duration("dur", elapsed))
	w.notify(ctx, job.InitiatorID, fmt.Sprintf("Broadcast %s completed. %s", shortID(job.ID), summary(p)))
	eventbus.Emit(w.bus, eventbus.TypeBroadcastFinished, eventbus.BroadcastFinished{JobID: job.ID, Status: string(storage.BroadcastCompleted),
		Sent: p.Sent, Failed: p.Failed, Blocked: p.Blocked, Elapsed: elapsed})
	return saved, nil
}

// deliver sends the payload to one recipient, honoring flood waits up to retryMax.
func (w *Worker) deliver(ctx context.Context, job storage.BroadcastJob, rid int64, retryMax int) storage.BroadcastTask {
	task := storage.BroadcastTask{JobID: job.ID, RecipientID: rid}
	for {
		task.Attempts++
		_, err := w.sink.Deliver(ctx, transport.Account(rid), job.Payload)
		if err == nil {
			task.Status = storage.TaskSent
			return task
		}
		if transport.IsBlocked(err) {
			task.Status, task.Error = storage.TaskBlocked, err.Error()
			return task
		}
		if d, ok := transport.RetryAfter(err); ok && task.Attempts <= retryMax {
			w.log.Debug("flood wait", logx.String("job", job.ID), logx.Int64("recipient", rid), logx.Duration("wait", d))
			if wait(ctx, d) {
				continue
			}
		}
		task.Status, task.Error = storage.TaskFailed, err.Error()
		w.log.Debug("broadcast send failed", logx.String("job", job.ID), logx.Int64("recipient", rid), logx.Err(err))
		return task
	}
}

// payBonus is idempotent per (job, recipient).
func (w *Worker) payBonus(ctx context.Context, job storage.BroadcastJob, rid int64) error {
	ref := "bc:" + job.ID + ":" + strconv.FormatInt(rid, 10)
	applied, err := w.store.CreditOnce(ctx, ref, rid, job.Bonus, "broadcast bonus "+shortID(job.ID), storage.KindCreditBonus)
	if err != nil {
		return fmt.Errorf("bonus for %d: %w", rid, err)
	}
	if applied {
		eventbus.Emit(w.bus, eventbus.TypeLedgerCredit, eventbus.LedgerChange{AccountID: rid, Kind: string(storage.KindCreditBonus), Amount: job.Bonus.String()})
	}
	return nil
}

func (w *Worker) notify(ctx context.Context, to int64, text string) {
	if w.sink == nil || to == 0 {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := w.sink.Deliver(nctx, transport.Account(to), transport.Text(text)); err != nil {
		w.log.Warn("initiator notify failed", logx.Int64("to", to), logx.Err(err))
	}
}

func summary(p storage.Progress) string {
	return fmt.Sprintf("Sent: %d, blocked: %d, failed: %d, bonus paid: %s.", p.Sent, p.Blocked, p.Failed, p.BonusPaid.StringFixed(2))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
