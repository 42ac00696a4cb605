package eventbus

import "time"

const (
	TypeGenerationStarted  = "generation.started"
	TypeGenerationFinished = "generation.finished"
	TypeLedgerDebit        = "ledger.debit"
	TypeLedgerCredit       = "ledger.credit"
	TypePaymentConfirmed   = "payment.confirmed"
	TypeBroadcastStarted   = "broadcast.started"
	TypeBroadcastDelivery  = "broadcast.delivery"
	TypeBroadcastFinished  = "broadcast.finished"
	TypeConfigReloaded     = "config.reloaded"
)

type GenerationStarted struct {
	JobID     string
	AccountID int64
	Kind      string
}

// GenerationFinished carries the terminal status ("succeeded", "failed",
// "timed-out", "insufficient-funds").
type GenerationFinished struct {
	JobID     string
	AccountID int64
	Kind      string
	Status    string
	Attempts  int
	Elapsed   time.Duration
	Refunded  bool
}

type LedgerChange struct {
	AccountID int64
	Kind      string
	Amount    string
}

type PaymentConfirmed struct {
	PaymentID string
	AccountID int64
	Amount    string
	Duplicate bool
}

type BroadcastStarted struct {
	JobID string
	Total int
}

// BroadcastDelivery is one recipient outcome ("sent", "blocked", "failed").
type BroadcastDelivery struct {
	JobID       string
	RecipientID int64
	Outcome     string
}

type BroadcastFinished struct {
	JobID   string
	Status  string
	Sent    int
	Failed  int
	Blocked int
	Elapsed time.Duration
}

type ConfigReloaded struct {
	Sections []string
}
