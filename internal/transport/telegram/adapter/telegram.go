package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"genbot/internal/runtime/supervisor"
	kit "genbot/internal/transport"
	"genbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter is the Telegram transport: the notification sink plus update intake.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and drop reporter; created on Start, canceled on Stop.
	sup *supervisor.Supervisor

	// droppedUpdates counts updates dropped because the consumer fell behind.
	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsPrivate:    m.Private(),
		}
		if m.Photo != nil {
			msg.PhotoRef = m.Photo.FileID
			msg.Text = m.Caption
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnPhoto, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || cb.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      cb.Data,
			},
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		// adapter errors should not take down the whole app
		supervisor.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; an early return while ctx is alive is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Deliver sends one payload. Text longer than one message is split and only
// the first part carries the buttons.
func (a *Adapter) Deliver(ctx context.Context, to kit.ChatTarget, p kit.Payload) (kit.DeliveryHandle, error) {
	if err := ctx.Err(); err != nil {
		return kit.DeliveryHandle{}, err
	}
	chat := &tele.Chat{ID: to.ChatID}
	opts := sendOptions(to, p)

	if p.Kind == kit.PayloadText || p.Kind == "" {
		chunks := splitTelegramText(p.Text, telegramTextLimit, p.ParseMode)
		var first kit.DeliveryHandle
		for i, chunk := range chunks {
			if i > 0 {
				if err := ctx.Err(); err != nil {
					return first, err
				}
				opts = &tele.SendOptions{ParseMode: opts.ParseMode, DisableWebPagePreview: opts.DisableWebPagePreview, ThreadID: to.ThreadID}
			}
			msg, err := a.bot.Send(chat, chunk, opts)
			if err != nil {
				return first, classify(err)
			}
			if i == 0 {
				first = kit.DeliveryHandle{Ref: kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}}
			}
		}
		return first, nil
	}

	what, err := mediaSendable(p)
	if err != nil {
		return kit.DeliveryHandle{}, err
	}
	msg, err := a.bot.Send(chat, what, opts)
	if err != nil {
		return kit.DeliveryHandle{}, classify(err)
	}
	return kit.DeliveryHandle{
		Ref:    kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID},
		FileID: fileIDOf(msg),
	}, nil
}

func mediaFile(ref string) tele.File {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.File{FileID: ref}
}

func mediaSendable(p kit.Payload) (tele.Sendable, error) {
	if strings.TrimSpace(p.MediaRef) == "" {
		return nil, fmt.Errorf("%s payload without media", p.Kind)
	}
	f := mediaFile(p.MediaRef)
	switch p.Kind {
	case kit.PayloadPhoto:
		return &tele.Photo{File: f, Caption: p.Text}, nil
	case kit.PayloadVideo:
		return &tele.Video{File: f, Caption: p.Text}, nil
	case kit.PayloadAudio:
		return &tele.Audio{File: f, Caption: p.Text}, nil
	default:
		return nil, fmt.Errorf("unsupported payload kind %q", p.Kind)
	}
}

func sendOptions(to kit.ChatTarget, p kit.Payload) *tele.SendOptions {
	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(p.ParseMode),
		DisableWebPagePreview: p.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if rm := replyMarkup(p); rm != nil {
		opts.ReplyMarkup = rm
	}
	return opts
}

// replyMarkup lays out the URL button on its own row and choices on the next.
func replyMarkup(p kit.Payload) *tele.ReplyMarkup {
	var rows [][]tele.InlineButton
	if b := p.Button; b != nil && b.URL != "" {
		rows = append(rows, []tele.InlineButton{{Text: b.Text, URL: b.URL}})
	}
	if len(p.Choices) > 0 {
		row := make([]tele.InlineButton, 0, len(p.Choices))
		for _, c := range p.Choices {
			row = append(row, tele.InlineButton{Text: c.Text, Data: c.Data})
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func fileIDOf(m *tele.Message) string {
	switch {
	case m == nil:
		return ""
	case m.Photo != nil:
		return m.Photo.FileID
	case m.Video != nil:
		return m.Video.FileID
	case m.Audio != nil:
		return m.Audio.FileID
	case m.Document != nil:
		return m.Document.FileID
	}
	return ""
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// classify maps telebot errors onto the transport error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.RetryAfterError{Wait: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrNotStartedByUser) {
		return fmt.Errorf("%w: %v", kit.ErrRecipientBlocked, err)
	}
	msg := strings.ToLower(err.Error())
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return &kit.RetryAfterError{Wait: time.Duration(n) * time.Second, Err: err}
	}
	for _, s := range []string{"bot was blocked", "user is deactivated", "chat not found", "bot was kicked", "can't initiate conversation"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", kit.ErrRecipientBlocked, err)
		}
	}
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// SetCommands publishes the command menu; it is a no-op when unchanged.
func (a *Adapter) SetCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Best-effort: don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				// Move end to the start of the dangling tag.
				end = lastOpen
				if end <= start {
					end = start + limit
					if end > len(rs) {
						end = len(rs)
					}
				}
			}
		}

		chunk := string(rs[start:end])
		chunk = strings.TrimRight(chunk, "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
