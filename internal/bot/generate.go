package bot

import (
	"context"
	"fmt"
	"strings"

	"genbot/internal/generation"
	"genbot/internal/session"
)

const dataPhoto = "photo"

// genCommand starts the input dialog for kind. Music accepts the prompt inline.
func (b *Bot) genCommand(kind generation.Kind) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if b.d.Generator == nil {
			return b.reply(ctx, req, "This feature is not available right now.")
		}
		prof, ok := b.d.Generator.Profile(kind)
		if !ok {
			return b.reply(ctx, req, "This feature is not available right now.")
		}
		switch kind {
		case generation.KindVideo:
			if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepAwaitVideoPhoto}); err != nil {
				return err
			}
			return b.reply(ctx, req, fmt.Sprintf("Send the photo to animate. Price: %s.", prof.Price.StringFixed(2)))
		case generation.KindMusic:
			if prompt := strings.TrimSpace(strings.Join(req.Args, " ")); prompt != "" {
				return b.startJob(ctx, req, kind, generation.Input{Prompt: prompt})
			}
			if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepAwaitMusicPrompt}); err != nil {
				return err
			}
			return b.reply(ctx, req, fmt.Sprintf("Describe the track you want. Price: %s.", prof.Price.StringFixed(2)))
		case generation.KindRestore:
			if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepAwaitRestorePhoto}); err != nil {
				return err
			}
			return b.reply(ctx, req, fmt.Sprintf("Send the photo to restore. Price: %s.", prof.Price.StringFixed(2)))
		}
		return b.reply(ctx, req, "This feature is not available right now.")
	}
}

// onStep handles a non-command message according to the session step.
func (b *Bot) onStep(ctx context.Context, req *Request) error {
	st := req.State
	switch st.Step {
	case session.StepAwaitVideoPhoto:
		if req.PhotoRef == "" {
			return b.reply(ctx, req, "Please send a photo, or /cancel.")
		}
		if req.Text != "" {
			return b.startJob(ctx, req, generation.KindVideo, generation.Input{SourceRef: req.PhotoRef, Prompt: req.Text})
		}
		if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepAwaitVideoPrompt}.With(dataPhoto, req.PhotoRef)); err != nil {
			return err
		}
		return b.reply(ctx, req, "Now describe how the photo should move.")
	case session.StepAwaitVideoPrompt:
		if req.Text == "" {
			return b.reply(ctx, req, "Please describe the motion in text, or /cancel.")
		}
		return b.startJob(ctx, req, generation.KindVideo, generation.Input{SourceRef: st.Value(dataPhoto), Prompt: req.Text})
	case session.StepAwaitMusicPrompt:
		if req.Text == "" {
			return b.reply(ctx, req, "Please describe the track in text, or /cancel.")
		}
		return b.startJob(ctx, req, generation.KindMusic, generation.Input{Prompt: req.Text})
	case session.StepAwaitRestorePhoto:
		if req.PhotoRef == "" {
			return b.reply(ctx, req, "Please send a photo, or /cancel.")
		}
		return b.startJob(ctx, req, generation.KindRestore, generation.Input{SourceRef: req.PhotoRef, Prompt: req.Text})
	case session.StepAwaitBroadcast:
		return b.onBroadcastDraft(ctx, req)
	case session.StepConfirmBroadcast:
		return b.reply(ctx, req, "Use the buttons above to confirm or cancel the broadcast.")
	}
	return b.reply(ctx, req, "Send /help to see what I can do.")
}

// startJob hands the request to the generator. An account that cannot cover
// the price gets the refusal here and nothing is queued; a balance spent
// concurrently is still caught by the charge.
func (b *Bot) startJob(ctx context.Context, req *Request, kind generation.Kind, in generation.Input) error {
	if err := b.setStep(ctx, req.FromID, session.State{Step: session.StepIdle}); err != nil {
		return err
	}
	prof, ok := b.d.Generator.Profile(kind)
	if !ok {
		return b.reply(ctx, req, "This feature is not available right now.")
	}
	bal, err := b.d.Store.Balance(ctx, req.FromID)
	if err != nil {
		return err
	}
	if bal.LessThan(prof.Price) {
		return b.reply(ctx, req, fmt.Sprintf("Not enough balance: a %s costs %s and you have %s. Top up with /topup and try again.",
			prof.Label, prof.Price.StringFixed(2), bal.StringFixed(2)))
	}
	b.d.Generator.Go(generation.Request{AccountID: req.FromID, Kind: kind, Input: in, Chat: req.Chat})
	return b.reply(ctx, req, "Working on it. I will send the result here when it is ready.")
}
