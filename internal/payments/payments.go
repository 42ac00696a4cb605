// Package payments issues top-up invoices and applies confirmed payment
// callbacks to the ledger exactly once per payment id.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"genbot/internal/eventbus"
	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

var ErrInvalidCallback = errors.New("invalid payment callback")

// ErrAmountTooSmall is returned by CreateInvoice below the configured minimum.
var ErrAmountTooSmall = errors.New("amount below minimum")

type Result string

const (
	ResultCredited  Result = "credited"
	ResultDuplicate Result = "duplicate"
)

type Invoice struct {
	ID        string
	AccountID int64
	Amount    decimal.Decimal
	URL       string
	CreatedAt time.Time
}

// Callback is a payment confirmation from the external processor.
type Callback struct {
	PaymentID string          `json:"payment_id"`
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type Ledger interface {
	CreditOnce(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind storage.EntryKind) (bool, error)
	IsExternalPaymentProcessed(ctx context.Context, paymentID string) (bool, error)
	MarkPaymentPending(ctx context.Context, accountID int64, paymentID, description string) error
}

type Settings struct {
	Secret    string
	MinAmount decimal.Decimal
	// PayURL is a checkout link template with {id} and {amount} placeholders.
	PayURL string
}

type Service struct {
	ledger   Ledger
	sink     transport.Sink
	bus      eventbus.Bus
	log      logx.Logger
	settings atomic.Pointer[Settings]
}

func New(ledger Ledger, sink transport.Sink, bus eventbus.Bus, log logx.Logger, s Settings) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	svc := &Service{ledger: ledger, sink: sink, bus: bus, log: log.With(logx.String("comp", "payments"))}
	svc.Apply(s)
	return svc
}

func (s *Service) Apply(set Settings) {
	if !set.MinAmount.IsPositive() {
		set.MinAmount = decimal.NewFromInt(1)
	}
	s.settings.Store(&set)
}

func (s *Service) Settings() Settings { return *s.settings.Load() }

// CreateInvoice records a pending marker for a new payment id and renders the
// checkout link.
func (s *Service) CreateInvoice(ctx context.Context, accountID int64, amount decimal.Decimal) (Invoice, error) {
	set := s.Settings()
	if !storage.ExactAmount(amount) {
		return Invoice{}, fmt.Errorf("%w: more than %d decimal places", storage.ErrInvalidAmount, storage.AmountScale)
	}
	if amount.LessThan(set.MinAmount) {
		return Invoice{}, fmt.Errorf("%w: %s < %s", ErrAmountTooSmall, amount, set.MinAmount)
	}
	inv := Invoice{ID: uuid.NewString(), AccountID: accountID, Amount: amount, CreatedAt: time.Now().UTC()}
	if err := s.ledger.MarkPaymentPending(ctx, accountID, inv.ID, "top-up "+amount.StringFixed(2)+" pending"); err != nil {
		return Invoice{}, fmt.Errorf("mark pending: %w", err)
	}
	if set.PayURL != "" {
		inv.URL = strings.NewReplacer(
			"{id}", inv.ID,
			"{amount}", amount.StringFixed(2),
			"{account}", strconv.FormatInt(accountID, 10),
		).Replace(set.PayURL)
	}
	s.log.Info("invoice created", logx.String("payment", inv.ID), logx.Int64("account", accountID), logx.String("amount", amount.String()))
	return inv, nil
}

func (c Callback) validate() error {
	switch {
	case strings.TrimSpace(c.PaymentID) == "":
		return fmt.Errorf("%w: payment_id is required", ErrInvalidCallback)
	case c.AccountID <= 0:
		return fmt.Errorf("%w: account_id is required", ErrInvalidCallback)
	case !c.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidCallback)
	case !storage.ExactAmount(c.Amount):
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidCallback, storage.AmountScale)
	}
	return nil
}

// Confirm applies a callback. A repeated payment id is a ResultDuplicate, not an error.
func (s *Service) Confirm(ctx context.Context, cb Callback) (Result, error) {
	if err := cb.validate(); err != nil {
		return "", err
	}
	log := s.log.With(logx.String("payment", cb.PaymentID), logx.Int64("account", cb.AccountID))
	done, err := s.ledger.IsExternalPaymentProcessed(ctx, cb.PaymentID)
	if err != nil {
		return "", fmt.Errorf("check payment: %w", err)
	}
	if done {
		log.Info("duplicate payment callback")
		s.emit(cb, true)
		return ResultDuplicate, nil
	}
	applied, err := s.ledger.CreditOnce(ctx, cb.PaymentID, cb.AccountID, cb.Amount, "top-up", storage.KindCreditRefill)
	if err != nil {
		return "", fmt.Errorf("credit payment: %w", err)
	}
	if !applied {
		log.Info("payment credited concurrently")
		s.emit(cb, true)
		return ResultDuplicate, nil
	}
	log.Info("payment credited", logx.String("amount", cb.Amount.String()))
	s.emit(cb, false)
	eventbus.Emit(s.bus, eventbus.TypeLedgerCredit, eventbus.LedgerChange{AccountID: cb.AccountID, Kind: string(storage.KindCreditRefill), Amount: cb.Amount.String()})

	if s.sink != nil {
		msg := fmt.Sprintf("Payment received: %s added to your balance.", cb.Amount.StringFixed(2))
		if _, err := s.sink.Deliver(context.WithoutCancel(ctx), transport.Account(cb.AccountID), transport.Text(msg)); err != nil {
			log.Warn("payment notice failed", logx.Err(err))
		}
	}
	return ResultCredited, nil
}

func (s *Service) emit(cb Callback, dup bool) {
	eventbus.Emit(s.bus, eventbus.TypePaymentConfirmed, eventbus.PaymentConfirmed{
		PaymentID: cb.PaymentID, AccountID: cb.AccountID, Amount: cb.Amount.String(), Duplicate: dup,
	})
}
