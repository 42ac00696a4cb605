package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"genbot/internal/generation"
	"genbot/internal/payments"
	"genbot/internal/session"
	"genbot/internal/storage"
	"genbot/internal/transport"
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Admin       bool
	Handle      HandlerFunc
}

func (b *Bot) registerCommands() {
	cmds := []Command{
		{Name: "start", Description: "start the bot", Handle: b.cmdStart},
		{Name: "help", Description: "show commands", Handle: b.cmdHelp},
		{Name: "balance", Description: "show balance and recent operations", Handle: b.cmdBalance},
		{Name: "topup", Description: "top up the balance", Usage: "/topup <amount>", Handle: b.cmdTopup},
		{Name: "video", Description: "animate a photo", Handle: b.genCommand(generation.KindVideo)},
		{Name: "music", Description: "compose a track", Usage: "/music [prompt]", Handle: b.genCommand(generation.KindMusic)},
		{Name: "restore", Description: "restore an old photo", Handle: b.genCommand(generation.KindRestore)},
		{Name: "archive", Description: "your recent results", Handle: b.cmdArchive},
		{Name: "cancel", Description: "cancel the current action", Handle: b.cmdCancel},
		{Name: "broadcast", Description: "message every user", Usage: "/broadcast [bonus]", Admin: true, Handle: b.cmdBroadcast},
		{Name: "bstatus", Description: "broadcast status", Usage: "/bstatus <job id>", Admin: true, Handle: b.cmdBroadcastStatus},
	}
	b.commands = make(map[string]Command, len(cmds))
	for _, c := range cmds {
		b.commands[c.Name] = c
	}
	b.menu = cmds
}

// Menu lists the public commands for the platform command menu.
func (b *Bot) Menu() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(b.menu))
	for _, c := range b.menu {
		if c.Admin {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	_ = b.setStep(ctx, req.FromID, session.State{Step: session.StepIdle})
	var sb strings.Builder
	sb.WriteString("Welcome! I turn your photos and ideas into media.\n\n")
	if g := b.d.Generator; g != nil {
		for _, k := range g.Kinds() {
			if p, ok := g.Profile(k); ok {
				fmt.Fprintf(&sb, "/%s: %s, %s per request\n", k, p.Label, p.Price.StringFixed(2))
			}
		}
	}
	sb.WriteString("\n/balance shows your balance, /topup adds funds.")
	return b.reply(ctx, req, sb.String())
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	admin := b.isAdmin(req)
	var sb strings.Builder
	for _, c := range b.menu {
		if c.Admin && !admin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&sb, "%s - %s\n", usage, c.Description)
	}
	return b.reply(ctx, req, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) cmdBalance(ctx context.Context, req *Request) error {
	bal, err := b.d.Store.Balance(ctx, req.FromID)
	if err != nil {
		return err
	}
	entries, err := b.d.Store.Entries(ctx, req.FromID, 5)
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: %s\nGenerations: %d", bal.StringFixed(2), req.Account.Generations)
	if len(entries) > 0 {
		sb.WriteString("\n\nRecent:")
		for _, e := range entries {
			if e.Amount.IsZero() {
				continue
			}
			fmt.Fprintf(&sb, "\n%s %s %s", e.CreatedAt.Format("02.01 15:04"), signed(e.Amount), e.Description)
		}
	}
	return b.reply(ctx, req, sb.String())
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

func (b *Bot) cmdTopup(ctx context.Context, req *Request) error {
	if b.d.Payments == nil {
		return b.reply(ctx, req, "Payments are not available right now.")
	}
	if len(req.Args) == 0 {
		return b.reply(ctx, req, "Usage: /topup <amount>")
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(req.Args[0], ",", "."))
	if err != nil || !amount.IsPositive() || !storage.ExactAmount(amount) {
		return b.reply(ctx, req, "Amount must be a positive number with at most 4 decimals, e.g. /topup 100")
	}
	inv, err := b.d.Payments.CreateInvoice(ctx, req.FromID, amount)
	if errors.Is(err, payments.ErrAmountTooSmall) {
		return b.reply(ctx, req, "The amount is below the minimum top-up.")
	}
	if err != nil {
		return err
	}
	p := transport.Text(fmt.Sprintf("Invoice %s for %s.", inv.ID, amount.StringFixed(2)))
	if inv.URL != "" {
		p.Button = &transport.Button{Text: "Pay", URL: inv.URL}
	}
	return b.send(ctx, req.Chat, p)
}

func (b *Bot) cmdArchive(ctx context.Context, req *Request) error {
	items, err := b.d.Store.ListArtifacts(ctx, req.FromID, 10)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return b.reply(ctx, req, "No results yet.")
	}
	var sb strings.Builder
	sb.WriteString("Your recent results:")
	for _, a := range items {
		fmt.Fprintf(&sb, "\n%s %s", a.CreatedAt.Format("02.01 15:04"), a.Kind)
		if a.Prompt != "" {
			fmt.Fprintf(&sb, ": %s", truncate(a.Prompt, 60))
		}
	}
	return b.reply(ctx, req, sb.String())
}

func (b *Bot) cmdCancel(ctx context.Context, req *Request) error {
	if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepIdle}); err != nil {
		return err
	}
	return b.reply(ctx, req, "Cancelled.")
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
