package generation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

type scriptedProvider struct {
	submitID  string
	submitErr error
	polls     []PollResult
	pollErrs  []error

	submits atomic.Int32
	calls   atomic.Int32
}

func (p *scriptedProvider) Submit(ctx context.Context, in Input) (string, error) {
	p.submits.Add(1)
	return p.submitID, p.submitErr
}

func (p *scriptedProvider) Poll(ctx context.Context, id string) (PollResult, error) {
	i := int(p.calls.Add(1)) - 1
	if i < len(p.pollErrs) && p.pollErrs[i] != nil {
		return PollResult{}, p.pollErrs[i]
	}
	if i < len(p.polls) {
		return p.polls[i], nil
	}
	return PollResult{State: PollPending}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []transport.Payload
}

func (s *recordingSink) Deliver(ctx context.Context, to transport.ChatTarget, p transport.Payload) (transport.DeliveryHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return transport.DeliveryHandle{FileID: "tg-file-" + p.MediaRef}, nil
}

func (s *recordingSink) last() transport.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return transport.Payload{}
	}
	return s.sent[len(s.sent)-1]
}

type fixture struct {
	st   storage.Store
	sink *recordingSink
	orch *Orchestrator
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "gen.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, _, err := st.EnsureAccount(ctx, 1, ""); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if b := decimal.RequireFromString(balance); b.IsPositive() {
		if err := st.Credit(ctx, 1, b, "seed", storage.KindCreditRefill); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	sink := &recordingSink{}
	return &fixture{st: st, sink: sink, orch: New(Deps{Ledger: st, Artifacts: st, Sink: sink})}
}

func (f *fixture) register(t *testing.T, p Provider, attempts, pollErrors int) {
	t.Helper()
	prof := DefaultProfile(KindVideo)
	prof.Price = decimal.NewFromInt(80)
	prof.PollInterval = time.Millisecond
	prof.MaxAttempts = attempts
	prof.MaxPollErrors = pollErrors
	if err := f.orch.Register(KindVideo, p, prof); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.st.Balance(context.Background(), 1)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func (f *fixture) entriesOf(t *testing.T, kind storage.EntryKind) []storage.LedgerEntry {
	t.Helper()
	all, err := f.st.Entries(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	var out []storage.LedgerEntry
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

var videoInput = Input{SourceRef: "photo-1", Prompt: "make it move"}

func TestFailOnThirdPollRefundsOnce(t *testing.T) {
	f := newFixture(t, "100")
	p := &scriptedProvider{submitID: "ext-1", polls: []PollResult{
		{State: PollPending}, {State: PollPending}, {State: PollFail, Error: "nsfw"},
	}}
	f.register(t, p, 10, 0)

	out, err := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusFailed || !out.Refunded || out.Attempts != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	if b := f.balance(t); !b.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", b)
	}
	refunds := f.entriesOf(t, storage.KindCreditBonus)
	if len(refunds) != 1 || !refunds[0].Amount.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("refunds = %+v", refunds)
	}
	if msg := f.sink.last().Text; !strings.Contains(msg, "returned") {
		t.Fatalf("notice = %q", msg)
	}
}

func TestSuccessKeepsDebitAndSavesArtifact(t *testing.T) {
	f := newFixture(t, "100")
	p := &scriptedProvider{submitID: "ext-2", polls: []PollResult{{State: PollPending}, {State: PollSuccess, Result: "https://cdn/v.mp4"}}}
	f.register(t, p, 10, 0)

	out, err := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusSucceeded || out.Refunded || out.ArtifactID == "" {
		t.Fatalf("outcome = %+v", out)
	}
	if b := f.balance(t); !b.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("balance = %s, want 20", b)
	}
	if n := len(f.entriesOf(t, storage.KindCreditBonus)); n != 0 {
		t.Fatalf("unexpected refunds: %d", n)
	}
	got := f.sink.last()
	if got.Kind != transport.PayloadVideo || got.MediaRef != "https://cdn/v.mp4" {
		t.Fatalf("delivered = %+v", got)
	}
	arts, _ := f.st.ListArtifacts(context.Background(), 1, 10)
	if len(arts) != 1 || arts[0].StorageRef != "tg-file-https://cdn/v.mp4" || arts[0].Prompt != videoInput.Prompt {
		t.Fatalf("artifacts = %+v", arts)
	}
}

func TestTimeoutRefunds(t *testing.T) {
	f := newFixture(t, "100")
	p := &scriptedProvider{submitID: "ext-3"}
	f.register(t, p, 4, 0)

	out, err := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusTimedOut || out.Attempts != 4 || !out.Refunded {
		t.Fatalf("outcome = %+v", out)
	}
	if b := f.balance(t); !b.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s", b)
	}
}

func TestInsufficientFundsNeverCallsProvider(t *testing.T) {
	f := newFixture(t, "50")
	p := &scriptedProvider{submitID: "ext-4"}
	f.register(t, p, 4, 0)

	out, err := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusInsufficientFunds {
		t.Fatalf("status = %s", out.Status)
	}
	if p.submits.Load() != 0 {
		t.Fatal("provider called without a debit")
	}
	if b := f.balance(t); !b.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("balance = %s", b)
	}
}

func TestEmptyResultIsFailure(t *testing.T) {
	f := newFixture(t, "100")
	p := &scriptedProvider{submitID: "ext-5", polls: []PollResult{{State: PollSuccess}}}
	f.register(t, p, 4, 0)

	out, _ := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if out.Status != StatusFailed || !out.Refunded {
		t.Fatalf("outcome = %+v", out)
	}
	if n := len(f.entriesOf(t, storage.KindCreditBonus)); n != 1 {
		t.Fatalf("refunds = %d", n)
	}
}

func TestSubmitErrorRefunds(t *testing.T) {
	for name, p := range map[string]*scriptedProvider{
		"error":    {submitErr: errors.New("503")},
		"empty id": {},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "100")
			f.register(t, p, 4, 0)
			out, err := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Status != StatusFailed || !out.Refunded || p.calls.Load() != 0 {
				t.Fatalf("outcome = %+v polls=%d", out, p.calls.Load())
			}
			if b := f.balance(t); !b.Equal(decimal.NewFromInt(100)) {
				t.Fatalf("balance = %s", b)
			}
		})
	}
}

func TestPollTransportErrors(t *testing.T) {
	boom := errors.New("connection reset")

	f := newFixture(t, "200")
	strict := &scriptedProvider{submitID: "a", pollErrs: []error{boom}}
	f.register(t, strict, 5, 0)
	out, _ := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if out.Status != StatusFailed || strict.calls.Load() != 1 {
		t.Fatalf("strict outcome = %+v calls=%d", out, strict.calls.Load())
	}

	tolerant := &scriptedProvider{submitID: "b", pollErrs: []error{boom}, polls: []PollResult{{}, {State: PollSuccess, Result: "r"}}}
	f.register(t, tolerant, 5, 1)
	out, _ = f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if out.Status != StatusSucceeded {
		t.Fatalf("tolerant outcome = %+v", out)
	}
}

func TestCancellationDuringPollingRefunds(t *testing.T) {
	f := newFixture(t, "100")
	p := &scriptedProvider{submitID: "ext-6"}
	prof := DefaultProfile(KindVideo)
	prof.Price = decimal.NewFromInt(80)
	prof.PollInterval = time.Hour
	prof.MaxAttempts = 3
	if err := f.orch.Register(KindVideo, p, prof); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err := f.orch.Run(ctx, Request{AccountID: 1, Kind: KindVideo, Input: videoInput})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusFailed || !out.Refunded {
		t.Fatalf("outcome = %+v", out)
	}
	if b := f.balance(t); !b.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s", b)
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	f := newFixture(t, "100")
	f.register(t, &scriptedProvider{submitID: "x"}, 1, 0)

	if _, err := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindMusic}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := f.orch.Run(context.Background(), Request{AccountID: 1, Kind: KindVideo, Input: Input{Prompt: "x"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing photo err = %v", err)
	}
	if b := f.balance(t); !b.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s", b)
	}
}
