package generation

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"genbot/internal/transport"
)

var (
	ErrUnknownKind  = errors.New("unknown generation kind")
	ErrInvalidInput = errors.New("invalid generation input")
)

// Kind names one generation product.
type Kind string

const (
	KindVideo   Kind = "video"
	KindMusic   Kind = "music"
	KindRestore Kind = "restore"
)

type Input struct {
	SourceRef string // photo reference (video, restore)
	Prompt    string
}

type PollState string

const (
	PollPending PollState = "pending"
	PollSuccess PollState = "success"
	PollFail    PollState = "fail"
)

type PollResult struct {
	State  PollState
	Result string // media URL or platform reference, required on success
	Error  string
}

// Provider is one external generation vendor. Poll errors are transport
// failures; a provider-reported failure is PollResult{State: PollFail}.
type Provider interface {
	Submit(ctx context.Context, in Input) (externalID string, err error)
	Poll(ctx context.Context, externalID string) (PollResult, error)
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPolling           Status = "polling"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusTimedOut          Status = "timed-out"
	StatusInsufficientFunds Status = "insufficient-funds"
	// StatusUnavailable means the job was refused uncharged while the
	// provider circuit was open.
	StatusUnavailable Status = "unavailable"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusInsufficientFunds, StatusUnavailable:
		return true
	}
	return false
}

// Job is the in-memory record of one generation request.
type Job struct {
	ID         string
	AccountID  int64
	Kind       Kind
	Input      Input
	ExternalID string
	Status     Status
	ResultRef  string
	Error      string
	Attempts   int
	Price      decimal.Decimal
	StartedAt  time.Time
}

type Request struct {
	AccountID int64
	Kind      Kind
	Input     Input
	// Chat overrides where results and notices go; zero means the account's private chat.
	Chat transport.ChatTarget
}

type Outcome struct {
	JobID      string
	Status     Status
	ResultRef  string
	ArtifactID string
	Error      string
	Attempts   int
	Refunded   bool
}
