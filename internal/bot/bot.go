// Package bot routes chat updates to the ledger, the generation orchestrator,
// payments and broadcasts. Conversation state lives in a session.Store.
package bot

import (
	"context"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
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

// Store is the storage surface the handlers read.
type Store interface {
	EnsureAccount(ctx context.Context, accountID int64, source string) (storage.Account, bool, error)
	GetAccount(ctx context.Context, accountID int64) (storage.Account, error)
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	Entries(ctx context.Context, accountID int64, limit int) ([]storage.LedgerEntry, error)
	ListArtifacts(ctx context.Context, accountID int64, limit int) ([]storage.Artifact, error)
}

type Generator interface {
	Go(req generation.Request)
	Profile(kind generation.Kind) (generation.Profile, bool)
	Kinds() []generation.Kind
}

type Broadcaster interface {
	Submit(ctx context.Context, initiator int64, p transport.Payload, bonus decimal.Decimal) (storage.BroadcastJob, broadcast.Ticket, error)
	Status(ctx context.Context, id string) (storage.BroadcastJob, error)
}

type Invoicer interface {
	CreateInvoice(ctx context.Context, accountID int64, amount decimal.Decimal) (payments.Invoice, error)
}

// CallbackAnswerer acknowledges inline button presses.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Deps struct {
	Store      Store
	Generator  Generator
	Broadcasts Broadcaster
	Payments   Invoicer
	Sessions   session.Store
	Sink       transport.Sink
	Callbacks  CallbackAnswerer
	Log        logx.Logger
}

// Settings is the hot-reloadable part of the bot.
type Settings struct {
	Admins       []int64
	DefaultBonus decimal.Decimal
	// Timeout bounds one handler invocation.
	Timeout time.Duration
}

// Request is one update being handled.
type Request struct {
	Update   transport.Update
	Chat     transport.ChatTarget
	FromID   int64
	Command  string
	Args     []string
	Text     string
	PhotoRef string
	State    session.State
	Account  storage.Account
}

type Bot struct {
	d        Deps
	log      logx.Logger
	settings atomic.Pointer[Settings]
	commands map[string]Command
	menu     []Command
	handle   HandlerFunc
	workers  int
}

func New(d Deps, s Settings) *Bot {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "bot"))
	b := &Bot{d: d, log: log, workers: 4}
	b.Apply(s)
	b.registerCommands()
	b.handle = Chain(b.dispatch, MWPanicRecover(log), MWRequestLog(log))
	return b
}

func (b *Bot) Apply(s Settings) {
	s.Admins = append([]int64(nil), s.Admins...)
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	b.settings.Store(&s)
}

func (b *Bot) Settings() Settings { return *b.settings.Load() }

// Run consumes updates until ctx is done or the channel closes. Updates of
// one account are handled in order on the same worker.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	shards := make([]chan transport.Update, b.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan transport.Update, 64)
		wg.Add(1)
		go func(in <-chan transport.Update) {
			defer wg.Done()
			for up := range in {
				b.Handle(ctx, up)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case shards[shardOf(up, len(shards))] <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func shardOf(up transport.Update, n int) int {
	var id int64
	switch {
	case up.Message != nil:
		id = up.Message.FromID
	case up.Callback != nil:
		id = up.Callback.FromID
	}
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(id, 10)))
	return int(h.Sum32() % uint32(n))
}

// Handle processes one update synchronously.
func (b *Bot) Handle(ctx context.Context, up transport.Update) {
	req, ok := b.request(up)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, b.Settings().Timeout)
	defer cancel()

	if err := b.handle(cctx, req); err != nil {
		b.reply(cctx, req, "Something went wrong, please try again later.")
	}
}

func (b *Bot) request(up transport.Update) (*Request, bool) {
	switch {
	case up.Kind == transport.UpdateMessage && up.Message != nil:
		m := up.Message
		if !m.IsPrivate || m.FromID == 0 {
			return nil, false
		}
		req := &Request{Update: up, Chat: transport.ChatTarget{ChatID: m.ChatID}, FromID: m.FromID, Text: strings.TrimSpace(m.Text), PhotoRef: m.PhotoRef}
		if m.PhotoRef == "" {
			req.Command, req.Args = parseCommand(req.Text)
		}
		return req, true
	case up.Kind == transport.UpdateCallback && up.Callback != nil:
		cb := up.Callback
		return &Request{Update: up, Chat: transport.ChatTarget{ChatID: cb.ChatID}, FromID: cb.FromID, Command: "callback", Text: cb.Data}, true
	}
	return nil, false
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]). Non-commands return "".
func parseCommand(text string) (string, []string) {
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:]
}

func (b *Bot) dispatch(ctx context.Context, req *Request) error {
	source := ""
	if req.Command == "start" && len(req.Args) > 0 {
		source = req.Args[0]
	}
	acc, created, err := b.d.Store.EnsureAccount(ctx, req.FromID, source)
	if err != nil {
		return err
	}
	if created {
		b.log.Info("account created", logx.Int64("account", req.FromID), logx.String("source", source))
	}
	req.Account = acc

	st, ok, err := b.d.Sessions.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		st = session.State{Step: session.StepIdle}
	}
	req.State = st

	if req.Update.Kind == transport.UpdateCallback {
		return b.onCallback(ctx, req)
	}
	if req.Command != "" {
		cmd, ok := b.commands[req.Command]
		if !ok {
			return b.reply(ctx, req, "Unknown command. Send /help to see what I can do.")
		}
		if cmd.Admin && !b.isAdmin(req) {
			return b.reply(ctx, req, "This command is for administrators.")
		}
		return cmd.Handle(ctx, req)
	}
	return b.onStep(ctx, req)
}

func (b *Bot) isAdmin(req *Request) bool {
	return req.Account.IsAdmin || slices.Contains(b.Settings().Admins, req.FromID)
}

func (b *Bot) reply(ctx context.Context, req *Request, text string) error {
	return b.send(ctx, req.Chat, transport.Text(text))
}

func (b *Bot) send(ctx context.Context, to transport.ChatTarget, p transport.Payload) error {
	if b.d.Sink == nil {
		return nil
	}
	if _, err := b.d.Sink.Deliver(ctx, to, p); err != nil {
		if transport.IsBlocked(err) {
			return nil
		}
		b.log.Warn("reply failed", logx.Int64("chat", to.ChatID), logx.Err(err))
		return nil
	}
	return nil
}

func (b *Bot) setStep(ctx context.Context, id int64, st session.State) error {
	if st.Step == session.StepIdle {
		return b.d.Sessions.Delete(ctx, id)
	}
	return b.d.Sessions.Set(ctx, id, st)
}
