package storage

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"genbot/internal/transport"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int32         // postgres only; 0 means pgx default
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindDebitGeneration EntryKind = "debit-for-generation"
	KindCreditRefill    EntryKind = "credit-refill"
	// KindCreditBonus covers promotional credits and compensating refunds, so
	// revenue reports can separate them from real top-ups.
	KindCreditBonus   EntryKind = "credit-bonus"
	KindPendingMarker EntryKind = "credit-pending-marker"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindDebitGeneration, KindCreditRefill, KindCreditBonus, KindPendingMarker:
		return true
	}
	return false
}

type Account struct {
	ID          int64
	Balance     decimal.Decimal
	Generations int64
	IsAdmin     bool
	Source      *string
	CreatedAt   time.Time
}

// LedgerEntry is an immutable record of one balance change.
type LedgerEntry struct {
	ID          int64
	AccountID   int64
	Amount      decimal.Decimal
	Kind        EntryKind
	Description string
	Reference   *string
	CreatedAt   time.Time
}

// Artifact is the durable record of a delivered generation result.
type Artifact struct {
	ID         string
	AccountID  int64
	Kind       string
	StorageRef string
	Prompt     string
	CreatedAt  time.Time
}

type BroadcastStatus string

const (
	BroadcastQueued    BroadcastStatus = "queued"
	BroadcastRunning   BroadcastStatus = "running"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastFailed    BroadcastStatus = "failed"
)

// Progress is the checkpointed state of a broadcast. Cursor is the last
// processed recipient id; recipients are visited in ascending id order.
type Progress struct {
	Processed int
	Sent      int
	Failed    int
	Blocked   int
	BonusPaid decimal.Decimal
	Cursor    int64
}

type BroadcastJob struct {
	ID          string
	InitiatorID int64
	Payload     transport.Payload
	Bonus       decimal.Decimal
	Total       int
	Progress    Progress
	Status      BroadcastStatus
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	UpdatedAt   time.Time
}

type TaskStatus string

const (
	TaskSent    TaskStatus = "sent"
	TaskBlocked TaskStatus = "blocked"
	TaskFailed  TaskStatus = "failed"
)

// BroadcastTask is one per (job, recipient) delivery attempt.
type BroadcastTask struct {
	JobID       string
	RecipientID int64
	Status      TaskStatus
	Error       string
	Attempts    int
	CreatedAt   time.Time
}
