package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"genbot/internal/broadcast"
	"genbot/internal/generation"
	"genbot/internal/payments"
	"genbot/internal/session"
	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

type fakeGenerator struct {
	mu   sync.Mutex
	reqs []generation.Request
}

func (g *fakeGenerator) Go(req generation.Request) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
}

func (g *fakeGenerator) Profile(kind generation.Kind) (generation.Profile, bool) {
	p := generation.DefaultProfile(kind)
	p.Price = decimal.NewFromInt(10)
	return p, true
}

func (g *fakeGenerator) Kinds() []generation.Kind {
	return []generation.Kind{generation.KindMusic, generation.KindRestore, generation.KindVideo}
}

type fakeBroadcaster struct {
	payload transport.Payload
	bonus   decimal.Decimal
	calls   int
}

func (f *fakeBroadcaster) Submit(ctx context.Context, initiator int64, p transport.Payload, bonus decimal.Decimal) (storage.BroadcastJob, broadcast.Ticket, error) {
	f.calls++
	f.payload, f.bonus = p, bonus
	return storage.BroadcastJob{ID: "job-1", Total: 3, InitiatorID: initiator}, broadcast.Ticket{ID: "1", JobID: "job-1"}, nil
}

func (f *fakeBroadcaster) Status(ctx context.Context, id string) (storage.BroadcastJob, error) {
	return storage.BroadcastJob{}, storage.ErrNotFound
}

type fakeInvoicer struct{}

func (fakeInvoicer) CreateInvoice(ctx context.Context, accountID int64, amount decimal.Decimal) (payments.Invoice, error) {
	return payments.Invoice{ID: "inv-1", AccountID: accountID, Amount: amount, URL: "https://pay.example/inv-1"}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []transport.Payload
}

func (s *recordingSink) Deliver(ctx context.Context, to transport.ChatTarget, p transport.Payload) (transport.DeliveryHandle, error) {
	s.mu.Lock()
	s.sent = append(s.sent, p)
	s.mu.Unlock()
	return transport.DeliveryHandle{}, nil
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
	bot  *Bot
	st   storage.Store
	gen  *fakeGenerator
	bc   *fakeBroadcaster
	sink *recordingSink
	sess session.Store
}

const admin int64 = 1

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "genbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{st: st, gen: &fakeGenerator{}, bc: &fakeBroadcaster{}, sink: &recordingSink{}, sess: session.NewMemory(time.Hour)}
	f.bot = New(Deps{
		Store:      st,
		Generator:  f.gen,
		Broadcasts: f.bc,
		Payments:   fakeInvoicer{},
		Sessions:   f.sess,
		Sink:       f.sink,
	}, Settings{Admins: []int64{admin}, DefaultBonus: decimal.NewFromInt(1)})
	return f
}

func (f *fixture) text(from int64, text string) {
	f.bot.Handle(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: from, FromID: from, Text: text, IsPrivate: true,
	}})
}

func (f *fixture) photo(from int64, ref, caption string) {
	f.bot.Handle(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: from, FromID: from, Text: caption, PhotoRef: ref, IsPrivate: true,
	}})
}

func (f *fixture) press(from int64, data string) {
	f.bot.Handle(context.Background(), transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: "cb", ChatID: from, FromID: from, Data: data,
	}})
}

func (f *fixture) step(t *testing.T, id int64) session.Step {
	t.Helper()
	st, ok, err := f.sess.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("session Get: %v", err)
	}
	if !ok {
		return session.StepIdle
	}
	return st.Step
}

func TestParseCommand(t *testing.T) {
	cmd, args := parseCommand("/music@genbot calm  piano")
	if cmd != "music" || len(args) != 2 || args[1] != "piano" {
		t.Fatalf("parseCommand = %q %v", cmd, args)
	}
	if cmd, _ := parseCommand("hello"); cmd != "" {
		t.Fatalf("plain text parsed as %q", cmd)
	}
}

func TestStartKeepsReferralSource(t *testing.T) {
	f := newFixture(t)
	f.text(42, "/start promo1")
	f.text(42, "/start other")
	acc, err := f.st.GetAccount(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Source == nil || *acc.Source != "promo1" {
		t.Fatalf("source = %v", acc.Source)
	}
	if !strings.Contains(f.sink.last().Text, "/video") {
		t.Fatalf("welcome = %q", f.sink.last().Text)
	}
}

// fund creates the account with amount on its balance.
func (f *fixture) fund(t *testing.T, id int64, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.st.EnsureAccount(ctx, id, ""); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if err := f.st.Credit(ctx, id, decimal.NewFromInt(amount), "test", storage.KindCreditRefill); err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

func TestVideoDialog(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 5, 10)
	f.text(5, "/video")
	if got := f.step(t, 5); got != session.StepAwaitVideoPhoto {
		t.Fatalf("step = %s", got)
	}
	f.text(5, "no photo")
	if got := f.step(t, 5); got != session.StepAwaitVideoPhoto {
		t.Fatalf("text should not advance: %s", got)
	}
	f.photo(5, "file-1", "")
	if got := f.step(t, 5); got != session.StepAwaitVideoPrompt {
		t.Fatalf("step = %s", got)
	}
	f.text(5, "slow zoom")
	if got := f.step(t, 5); got != session.StepIdle {
		t.Fatalf("step after start = %s", got)
	}
	if len(f.gen.reqs) != 1 {
		t.Fatalf("requests = %d", len(f.gen.reqs))
	}
	r := f.gen.reqs[0]
	if r.Kind != generation.KindVideo || r.Input.SourceRef != "file-1" || r.Input.Prompt != "slow zoom" || r.AccountID != 5 {
		t.Fatalf("request = %+v", r)
	}
}

func TestMusicInlinePromptAndCancel(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 6, 50)
	f.text(6, "/music lo-fi beat")
	if len(f.gen.reqs) != 1 || f.gen.reqs[0].Input.Prompt != "lo-fi beat" {
		t.Fatalf("requests = %+v", f.gen.reqs)
	}
	f.text(6, "/restore")
	f.text(6, "/cancel")
	if got := f.step(t, 6); got != session.StepIdle {
		t.Fatalf("step after cancel = %s", got)
	}
}

func TestStartJobRefusesUnderfundedAccount(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 7, 9)
	f.text(7, "/music lo-fi beat")
	if len(f.gen.reqs) != 0 {
		t.Fatalf("underfunded request was queued: %+v", f.gen.reqs)
	}
	f.sink.mu.Lock()
	sent := append([]transport.Payload(nil), f.sink.sent...)
	f.sink.mu.Unlock()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Text, "Not enough balance") {
		t.Fatalf("replies = %+v", sent)
	}
	if strings.Contains(sent[0].Text, "Working on it") {
		t.Fatalf("reply = %q", sent[0].Text)
	}

	f.fund(t, 7, 1)
	f.text(7, "/music lo-fi beat")
	if len(f.gen.reqs) != 1 {
		t.Fatalf("requests = %d", len(f.gen.reqs))
	}
	if got := f.sink.last().Text; !strings.HasPrefix(got, "Working on it") {
		t.Fatalf("reply = %q", got)
	}
}

func TestTopupSendsPayButton(t *testing.T) {
	f := newFixture(t)
	f.text(7, "/topup 12,5")
	p := f.sink.last()
	if p.Button == nil || p.Button.URL != "https://pay.example/inv-1" || !strings.Contains(p.Text, "12.50") {
		t.Fatalf("payload = %+v", p)
	}
}

func TestBroadcastRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.text(9, "/broadcast")
	if got := f.step(t, 9); got != session.StepIdle {
		t.Fatalf("non-admin step = %s", got)
	}
	if !strings.Contains(f.sink.last().Text, "administrators") {
		t.Fatalf("reply = %q", f.sink.last().Text)
	}
}

func TestBroadcastDialog(t *testing.T) {
	f := newFixture(t)
	f.text(admin, "/broadcast 2")
	if got := f.step(t, admin); got != session.StepAwaitBroadcast {
		t.Fatalf("step = %s", got)
	}
	f.photo(admin, "photo-9", "Big news\nbutton: Open | https://example.com/news")
	if got := f.step(t, admin); got != session.StepConfirmBroadcast {
		t.Fatalf("step = %s", got)
	}
	if choices := f.sink.last().Choices; len(choices) != 2 {
		t.Fatalf("confirmation choices = %+v", choices)
	}

	// Another user's press does nothing.
	f.press(9, cbConfirmBroadcast)
	if f.bc.calls != 0 {
		t.Fatalf("submitted by non-admin")
	}

	f.press(admin, cbConfirmBroadcast)
	if f.bc.calls != 1 {
		t.Fatalf("Submit calls = %d", f.bc.calls)
	}
	p := f.bc.payload
	if p.Kind != transport.PayloadPhoto || p.MediaRef != "photo-9" || p.Text != "Big news" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Button == nil || p.Button.Text != "Open" || p.Button.URL != "https://example.com/news" {
		t.Fatalf("button = %+v", p.Button)
	}
	if !f.bc.bonus.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("bonus = %s", f.bc.bonus)
	}
	if got := f.step(t, admin); got != session.StepIdle {
		t.Fatalf("step after submit = %s", got)
	}
	f.press(admin, cbConfirmBroadcast)
	if f.bc.calls != 1 {
		t.Fatalf("second press submitted again")
	}
}

func TestDraftPayloadRejectsBadButton(t *testing.T) {
	if _, err := draftPayload("hi\nbutton: no link", ""); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := draftPayload("", ""); err == nil {
		t.Fatalf("empty text should fail")
	}
	p, err := draftPayload("just text", "")
	if err != nil || p.Kind != transport.PayloadText || p.Button != nil {
		t.Fatalf("draft = %+v %v", p, err)
	}
}
