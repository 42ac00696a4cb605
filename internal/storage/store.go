package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"genbot/pkg/logx"
)

// Ledger is the balance API. Debit and Credit are each one atomic unit:
// concurrent readers never observe a balance without its entry.
type Ledger interface {
	// Debit charges amount. It returns false, with nothing written, when the
	// account is missing or its balance is lower than amount.
	Debit(ctx context.Context, accountID int64, amount decimal.Decimal, description string) (bool, error)
	Credit(ctx context.Context, accountID int64, amount decimal.Decimal, description string, kind EntryKind) error
	// CreditOnce credits at most once per (reference, kind); a repeat returns false.
	CreditOnce(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind EntryKind) (bool, error)
	IsExternalPaymentProcessed(ctx context.Context, paymentID string) (bool, error)
	MarkPaymentPending(ctx context.Context, accountID int64, paymentID, description string) error
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	Entries(ctx context.Context, accountID int64, limit int) ([]LedgerEntry, error)
}

type Accounts interface {
	// EnsureAccount creates the account on first interaction. source is kept
	// only when the account is created.
	EnsureAccount(ctx context.Context, accountID int64, source string) (Account, bool, error)
	GetAccount(ctx context.Context, accountID int64) (Account, error)
	SetAdmin(ctx context.Context, accountID int64, admin bool) error
	CountAccounts(ctx context.Context) (int, error)
	// RecipientPage returns up to limit account ids greater than afterID, ascending.
	RecipientPage(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

type Artifacts interface {
	SaveArtifact(ctx context.Context, a Artifact) error
	ListArtifacts(ctx context.Context, accountID int64, limit int) ([]Artifact, error)
}

type Broadcasts interface {
	CreateBroadcast(ctx context.Context, j BroadcastJob) error
	GetBroadcast(ctx context.Context, id string) (BroadcastJob, error)
	ListBroadcasts(ctx context.Context, statuses ...BroadcastStatus) ([]BroadcastJob, error)
	StartBroadcast(ctx context.Context, id string) error
	CheckpointBroadcast(ctx context.Context, id string, p Progress) error
	FinishBroadcast(ctx context.Context, id string, status BroadcastStatus, p Progress, errText string) error
	SaveTask(ctx context.Context, t BroadcastTask) error
	TaskOutcomes(ctx context.Context, jobID string, recipientIDs []int64) (map[int64]BroadcastTask, error)
}

// Store is the full persistence API.
type Store interface {
	Ledger
	Accounts
	Artifacts
	Broadcasts
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// AmountScale is the number of decimal places the ledger stores; postgres
// keeps amounts as NUMERIC(20,4).
const AmountScale = 4

// ExactAmount reports whether d fits AmountScale without rounding.
func ExactAmount(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale))
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !ExactAmount(amount) {
		return fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, AmountScale)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func parseAmount(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func pageLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
