package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	// PhotoRef is the platform file id of the largest attached photo ("" if none).
	PhotoRef  string
	IsPrivate bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Account addresses the private chat of an account. On Telegram the private
// chat id equals the user id.
func Account(id int64) ChatTarget { return ChatTarget{ChatID: id} }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadPhoto PayloadKind = "photo"
	PayloadVideo PayloadKind = "video"
	PayloadAudio PayloadKind = "audio"
)

// Button is a single inline URL button attached to a payload.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Choice is an inline callback button; Data comes back in Callback.Data.
type Choice struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Payload is one outbound message. For media kinds Text is the caption and
// MediaRef is either a platform file id or an http(s) URL.
type Payload struct {
	Kind           PayloadKind `json:"kind"`
	Text           string      `json:"text,omitempty"`
	MediaRef       string      `json:"media_ref,omitempty"`
	Button         *Button     `json:"button,omitempty"`
	Choices        []Choice    `json:"choices,omitempty"`
	ParseMode      string      `json:"parse_mode,omitempty"`
	DisablePreview bool        `json:"disable_preview,omitempty"`
}

func Text(s string) Payload { return Payload{Kind: PayloadText, Text: s, DisablePreview: true} }

// DeliveryHandle identifies what the sink delivered. FileID is the platform
// handle of uploaded media and can be reused for later sends.
type DeliveryHandle struct {
	Ref    MessageRef
	FileID string
}

// Sink delivers user-facing and admin-facing messages.
//
// Failures are classified: errors.Is(err, ErrRecipientBlocked) means the
// recipient revoked access; RetryAfter(err) reports flood control; anything
// else is an "other" delivery failure.
type Sink interface {
	Deliver(ctx context.Context, to ChatTarget, p Payload) (DeliveryHandle, error)
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

type Adapter interface {
	Sink
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
