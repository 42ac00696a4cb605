package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"genbot/internal/broadcast"
	"genbot/internal/session"
	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

const (
	dataDraft = "draft"
	dataBonus = "bonus"

	cbConfirmBroadcast = "bc:confirm"
	cbCancelBroadcast  = "bc:cancel"
)

func (b *Bot) cmdBroadcast(ctx context.Context, req *Request) error {
	if b.d.Broadcasts == nil {
		return b.reply(ctx, req, "Broadcasts are not configured.")
	}
	bonus := b.Settings().DefaultBonus
	if len(req.Args) > 0 {
		v, err := decimal.NewFromString(req.Args[0])
		if err != nil || v.IsNegative() || !storage.ExactAmount(v) {
			return b.reply(ctx, req, "Bonus must be a non-negative number with at most 4 decimals, e.g. /broadcast 5")
		}
		bonus = v
	}
	st := session.State{Step: session.StepAwaitBroadcast}.With(dataBonus, bonus.String())
	if err := b.setStep(ctx, req.FromID, st); err != nil {
		return err
	}
	return b.reply(ctx, req, fmt.Sprintf("Send the broadcast message: text, or a photo with a caption. "+
		"Add a last line \"button: Text | https://link\" for a link button. Bonus per delivery: %s.", bonus.StringFixed(2)))
}

// draftPayload builds the broadcast payload from an admin message.
func draftPayload(text, photoRef string) (transport.Payload, error) {
	var btn *transport.Button
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); strings.HasPrefix(strings.ToLower(last), "button:") {
		parts := strings.SplitN(strings.TrimSpace(last[len("button:"):]), "|", 2)
		if len(parts) != 2 {
			return transport.Payload{}, errors.New(`button line must look like "button: Text | https://link"`)
		}
		btn = &transport.Button{Text: strings.TrimSpace(parts[0]), URL: strings.TrimSpace(parts[1])}
		text = strings.TrimSpace(strings.Join(lines[:len(lines)-1], "\n"))
	}
	p := transport.Payload{Kind: transport.PayloadText, Text: text, Button: btn}
	if photoRef != "" {
		p.Kind, p.MediaRef = transport.PayloadPhoto, photoRef
	}
	if p.Kind == transport.PayloadText && p.Text == "" {
		return transport.Payload{}, errors.New("the message is empty")
	}
	return p, nil
}

func (b *Bot) onBroadcastDraft(ctx context.Context, req *Request) error {
	p, err := draftPayload(req.Text, req.PhotoRef)
	if err != nil {
		return b.reply(ctx, req, "Cannot use this message: "+err.Error())
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	st := req.State.With(dataDraft, string(raw))
	st.Step = session.StepConfirmBroadcast
	if err := b.setStep(ctx, req.FromID, st); err != nil {
		return err
	}
	if err := b.send(ctx, req.Chat, p); err != nil {
		return err
	}
	confirm := transport.Text(fmt.Sprintf("Preview above. Send it to every user with a bonus of %s each?", st.Value(dataBonus)))
	confirm.Choices = []transport.Choice{{Text: "Send", Data: cbConfirmBroadcast}, {Text: "Cancel", Data: cbCancelBroadcast}}
	return b.send(ctx, req.Chat, confirm)
}

func (b *Bot) onCallback(ctx context.Context, req *Request) error {
	answer := ""
	defer func() {
		if b.d.Callbacks != nil {
			if err := b.d.Callbacks.AnswerCallback(ctx, req.Update.Callback.ID, answer); err != nil {
				b.log.Debug("answer callback failed", logx.Err(err))
			}
		}
	}()

	switch req.Text {
	case cbConfirmBroadcast, cbCancelBroadcast:
	default:
		answer = "This button has expired."
		return nil
	}
	if !b.isAdmin(req) || req.State.Step != session.StepConfirmBroadcast {
		answer = "Nothing to confirm."
		return nil
	}
	if req.Text == cbCancelBroadcast {
		answer = "Cancelled"
		if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepIdle}); err != nil {
			return err
		}
		return b.reply(ctx, req, "Broadcast cancelled.")
	}

	var p transport.Payload
	if err := json.Unmarshal([]byte(req.State.Value(dataDraft)), &p); err != nil {
		return fmt.Errorf("decode draft: %w", err)
	}
	bonus, err := decimal.NewFromString(req.State.Value(dataBonus))
	if err != nil {
		bonus = decimal.Zero
	}
	job, _, err := b.d.Broadcasts.Submit(ctx, req.FromID, p, bonus)
	if errors.Is(err, broadcast.ErrInvalidPayload) {
		answer = "Invalid message"
		return b.reply(ctx, req, "Cannot broadcast this message: "+err.Error())
	}
	if err != nil && job.ID == "" {
		return err
	}
	// A created job whose enqueue failed is picked up by recovery.
	if err != nil {
		b.log.Warn("broadcast enqueue failed", logx.String("job", job.ID), logx.Err(err))
	}
	answer = "Queued"
	if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepIdle}); err != nil {
		return err
	}
	return b.reply(ctx, req, fmt.Sprintf("Broadcast %s queued for %d users. I will report progress here.", job.ID, job.Total))
}

func (b *Bot) cmdBroadcastStatus(ctx context.Context, req *Request) error {
	if b.d.Broadcasts == nil || len(req.Args) == 0 {
		return b.reply(ctx, req, "Usage: /bstatus <job id>")
	}
	job, err := b.d.Broadcasts.Status(ctx, req.Args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return b.reply(ctx, req, "No such broadcast.")
	}
	if err != nil {
		return err
	}
	p := job.Progress
	return b.reply(ctx, req, fmt.Sprintf("Broadcast %s: %s, %d/%d processed. Sent: %d, blocked: %d, failed: %d, bonus paid: %s.",
		job.ID, job.Status, p.Processed, job.Total, p.Sent, p.Blocked, p.Failed, p.BonusPaid.StringFixed(2)))
}
