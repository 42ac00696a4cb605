package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"genbot/internal/eventbus"
	"genbot/internal/runtime/supervisor"
	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

// Ledger is the subset of storage the orchestrator charges and refunds through.
type Ledger interface {
	Debit(ctx context.Context, accountID int64, amount decimal.Decimal, description string) (bool, error)
	CreditOnce(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind storage.EntryKind) (bool, error)
}

type Deps struct {
	Ledger    Ledger
	Artifacts storage.Artifacts
	Sink      transport.Sink
	Bus       eventbus.Bus
	Log       logx.Logger
	// Supervisor runs jobs started with Go. Optional for Run-only use.
	Supervisor *supervisor.Supervisor
	Breaker    BreakerConfig
}

type registration struct {
	provider Provider
	profile  Profile
}

// Orchestrator drives every generation kind through one state machine:
// Charging, Submitting, Polling, then Succeeded, Failed or TimedOut.
// A job that fails after a successful debit is refunded exactly once.
type Orchestrator struct {
	ledger    Ledger
	artifacts storage.Artifacts
	sink      transport.Sink
	bus       eventbus.Bus
	log       logx.Logger
	sup       *supervisor.Supervisor
	breaker   *breaker

	mu    sync.RWMutex
	kinds map[Kind]registration

	// settleTimeout bounds refund and notification work after ctx is canceled.
	settleTimeout time.Duration
	refundRetries int
}

func New(d Deps) *Orchestrator {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		ledger:        d.Ledger,
		artifacts:     d.Artifacts,
		sink:          d.Sink,
		bus:           d.Bus,
		log:           log.With(logx.String("comp", "generation")),
		sup:           d.Supervisor,
		breaker:       newBreaker(d.Breaker),
		kinds:         map[Kind]registration{},
		settleTimeout: 30 * time.Second,
		refundRetries: 3,
	}
}

// Register installs or replaces the provider for kind.
func (o *Orchestrator) Register(kind Kind, p Provider, prof Profile) error {
	if p == nil {
		return errors.New("provider is nil")
	}
	if !prof.Price.IsPositive() {
		return fmt.Errorf("%s: price must be > 0", kind)
	}
	if prof.MaxAttempts <= 0 || prof.PollInterval < 0 {
		return fmt.Errorf("%s: invalid poll settings", kind)
	}
	o.mu.Lock()
	o.kinds[kind] = registration{provider: p, profile: prof}
	o.mu.Unlock()
	o.breaker.reset(kind)
	return nil
}

func (o *Orchestrator) Unregister(kind Kind) {
	o.mu.Lock()
	delete(o.kinds, kind)
	o.mu.Unlock()
}

func (o *Orchestrator) Profile(kind Kind) (Profile, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.kinds[kind]
	return r.profile, ok
}

func (o *Orchestrator) Kinds() []Kind {
	o.mu.RLock()
	out := make([]Kind, 0, len(o.kinds))
	for k := range o.kinds {
		out = append(out, k)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Go runs req on the supervisor. The outcome is reported to the user via the sink.
func (o *Orchestrator) Go(req Request) {
	if o.sup == nil {
		o.log.Error("generation started without supervisor", logx.String("kind", string(req.Kind)))
		return
	}
	o.sup.Go0("generation."+string(req.Kind), func(ctx context.Context) {
		if _, err := o.Run(ctx, req); err != nil {
			o.log.Error("generation run failed", logx.Int64("account", req.AccountID), logx.String("kind", string(req.Kind)), logx.Err(err))
		}
	})
}

// Run executes one job to a terminal status. Provider failures, timeouts and
// cancellation are outcomes, not errors; an error means the charge or the
// refund could not be written.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	o.mu.RLock()
	reg, ok := o.kinds[req.Kind]
	o.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}
	if err := reg.profile.validate(req.Input); err != nil {
		return Outcome{}, err
	}
	if req.Chat.ChatID == 0 {
		req.Chat = transport.Account(req.AccountID)
	}

	job := &Job{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Kind:      req.Kind,
		Input:     req.Input,
		Status:    StatusPending,
		Price:     reg.profile.Price,
		StartedAt: time.Now(),
	}
	log := o.log.With(logx.String("job", job.ID), logx.Int64("account", job.AccountID), logx.String("kind", string(job.Kind)))

	if open, until := o.breaker.open(job.Kind); open {
		job.Status, job.Error = StatusUnavailable, "provider circuit open"
		log.Warn("job refused, provider circuit open", logx.Time("until", until))
		o.notify(ctx, req.Chat, fmt.Sprintf("The %s service is temporarily unavailable. You were not charged; please try again in %s.",
			reg.profile.Label, waitText(time.Until(until))))
		o.finished(job, false)
		return outcomeOf(job, "", false), nil
	}

	// Charging
	charged, err := o.ledger.Debit(ctx, job.AccountID, job.Price, fmt.Sprintf("%s generation %s", job.Kind, job.ID))
	if err != nil {
		return Outcome{}, fmt.Errorf("charge %s: %w", job.ID, err)
	}
	if !charged {
		job.Status = StatusInsufficientFunds
		log.Info("insufficient funds")
		o.notify(ctx, req.Chat, fmt.Sprintf("Not enough balance: a %s costs %s. Top up with /topup and try again.",
			reg.profile.Label, job.Price.StringFixed(2)))
		o.finished(job, false)
		return outcomeOf(job, "", false), nil
	}
	eventbus.Emit(o.bus, eventbus.TypeLedgerDebit, eventbus.LedgerChange{AccountID: job.AccountID, Kind: string(storage.KindDebitGeneration), Amount: job.Price.Neg().String()})
	eventbus.Emit(o.bus, eventbus.TypeGenerationStarted, eventbus.GenerationStarted{JobID: job.ID, AccountID: job.AccountID, Kind: string(job.Kind)})
	log.Info("job charged", logx.String("price", job.Price.String()))

	fault := o.execute(ctx, reg, job, log)
	if ctx.Err() == nil {
		o.breaker.record(job.Kind, fault)
	}

	if job.Status == StatusSucceeded {
		artifactID := o.deliver(ctx, req.Chat, reg.profile, job, log)
		o.finished(job, false)
		return outcomeOf(job, artifactID, false), nil
	}

	refunded, err := o.refund(ctx, job, log)
	o.finished(job, refunded)
	if err != nil {
		return outcomeOf(job, "", false), err
	}
	o.notify(ctx, req.Chat, failureMessage(reg.profile, job))
	return outcomeOf(job, "", refunded), nil
}

// execute runs Submitting and Polling and leaves job in a terminal status. It
// reports whether the provider itself misbehaved (transport errors, no job id,
// timeouts); a provider-reported failure is not a fault.
func (o *Orchestrator) execute(ctx context.Context, reg registration, job *Job, log logx.Logger) bool {
	prof := reg.profile

	id, err := reg.provider.Submit(ctx, job.Input)
	if err != nil {
		job.Status, job.Error = StatusFailed, "submit: "+err.Error()
		log.Warn("submit failed", logx.Err(err))
		return true
	}
	if strings.TrimSpace(id) == "" {
		job.Status, job.Error = StatusFailed, "submit: provider returned no job id"
		log.Warn("submit returned empty id")
		return true
	}
	job.ExternalID = id
	job.Status = StatusPolling
	log.Debug("job submitted", logx.String("external_id", id))

	pollErrs := 0
	for job.Attempts < prof.MaxAttempts {
		if err := sleepCtx(ctx, prof.PollInterval); err != nil {
			job.Status, job.Error = StatusFailed, "interrupted: "+err.Error()
			log.Warn("polling interrupted", logx.Int("attempts", job.Attempts))
			return false
		}
		job.Attempts++

		res, err := reg.provider.Poll(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				job.Status, job.Error = StatusFailed, "interrupted: "+ctx.Err().Error()
				return false
			}
			pollErrs++
			log.Warn("poll error", logx.Int("attempt", job.Attempts), logx.Int("consecutive", pollErrs), logx.Err(err))
			if pollErrs > prof.MaxPollErrors {
				job.Status, job.Error = StatusFailed, "poll: "+err.Error()
				return true
			}
			continue
		}
		pollErrs = 0

		switch res.State {
		case PollSuccess:
			if strings.TrimSpace(res.Result) == "" {
				job.Status, job.Error = StatusFailed, "provider reported success without a result"
				return true
			}
			job.Status, job.ResultRef = StatusSucceeded, res.Result
			return false
		case PollFail:
			msg := strings.TrimSpace(res.Error)
			if msg == "" {
				msg = "provider reported failure"
			}
			job.Status, job.Error = StatusFailed, msg
			return false
		}
	}
	job.Status, job.Error = StatusTimedOut, fmt.Sprintf("no result after %d attempts", job.Attempts)
	log.Warn("job timed out", logx.Int("attempts", job.Attempts))
	return true
}

// deliver sends the result and records the artifact. Failures here are logged;
// the debit stands either way.
func (o *Orchestrator) deliver(ctx context.Context, chat transport.ChatTarget, prof Profile, job *Job, log logx.Logger) string {
	sctx, cancel := o.settleCtx(ctx)
	defer cancel()

	storageRef := job.ResultRef
	if o.sink != nil {
		h, err := o.sink.Deliver(sctx, chat, transport.Payload{Kind: prof.Artifact, MediaRef: job.ResultRef, Text: prof.Caption})
		if err != nil {
			log.Warn("result delivery failed", logx.String("result", job.ResultRef), logx.Err(err))
		} else if h.FileID != "" {
			storageRef = h.FileID
		}
	}
	if o.artifacts == nil {
		return ""
	}
	a := storage.Artifact{
		ID:         job.ID,
		AccountID:  job.AccountID,
		Kind:       string(job.Kind),
		StorageRef: storageRef,
		Prompt:     job.Input.Prompt,
	}
	if err := o.artifacts.SaveArtifact(sctx, a); err != nil {
		log.Error("save artifact failed", logx.Err(err))
		return ""
	}
	log.Info("job succeeded", logx.Int("attempts", job.Attempts), logx.String("artifact", a.ID))
	return a.ID
}

// refund issues the single compensating credit for job.
func (o *Orchestrator) refund(ctx context.Context, job *Job, log logx.Logger) (bool, error) {
	sctx, cancel := o.settleCtx(ctx)
	defer cancel()

	ref := "refund:" + job.ID
	desc := fmt.Sprintf("refund for %s generation %s: %s", job.Kind, job.ID, job.Status)
	var lastErr error
	for i := 0; i < o.refundRetries; i++ {
		applied, err := o.ledger.CreditOnce(sctx, ref, job.AccountID, job.Price, desc, storage.KindCreditBonus)
		if err == nil {
			if applied {
				eventbus.Emit(o.bus, eventbus.TypeLedgerCredit, eventbus.LedgerChange{AccountID: job.AccountID, Kind: string(storage.KindCreditBonus), Amount: job.Price.String()})
			}
			log.Info("job refunded", logx.String("status", string(job.Status)), logx.String("reason", job.Error), logx.Bool("applied", applied))
			return true, nil
		}
		lastErr = err
		log.Warn("refund attempt failed", logx.Int("attempt", i+1), logx.Err(err))
		if sleepCtx(sctx, time.Duration(i+1)*250*time.Millisecond) != nil {
			break
		}
	}
	log.Error("refund failed", logx.String("amount", job.Price.String()), logx.Err(lastErr))
	return false, fmt.Errorf("refund %s: %w", job.ID, lastErr)
}

func (o *Orchestrator) notify(ctx context.Context, chat transport.ChatTarget, text string) {
	if o.sink == nil {
		return
	}
	sctx, cancel := o.settleCtx(ctx)
	defer cancel()
	if _, err := o.sink.Deliver(sctx, chat, transport.Text(text)); err != nil {
		o.log.Warn("notify failed", logx.Int64("chat", chat.ChatID), logx.Err(err))
	}
}

func (o *Orchestrator) finished(job *Job, refunded bool) {
	eventbus.Emit(o.bus, eventbus.TypeGenerationFinished, eventbus.GenerationFinished{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Kind:      string(job.Kind),
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		Elapsed:   time.Since(job.StartedAt),
		Refunded:  refunded,
	})
}

// settleCtx survives cancellation of ctx so refunds still land during shutdown.
func (o *Orchestrator) settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.settleTimeout)
}

func failureMessage(prof Profile, job *Job) string {
	what := "went wrong"
	if job.Status == StatusTimedOut {
		what = "took too long"
	}
	return fmt.Sprintf("Sorry, generating your %s %s. %s has been returned to your balance.",
		prof.Label, what, job.Price.StringFixed(2))
}

// waitText rounds d up to a whole minute for user-facing notices.
func waitText(d time.Duration) string {
	m := int((d + time.Minute - 1) / time.Minute)
	if m <= 1 {
		return "a minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

func outcomeOf(job *Job, artifactID string, refunded bool) Outcome {
	return Outcome{
		JobID:      job.ID,
		Status:     job.Status,
		ResultRef:  job.ResultRef,
		ArtifactID: artifactID,
		Error:      job.Error,
		Attempts:   job.Attempts,
		Refunded:   refunded,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
