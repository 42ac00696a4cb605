package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"genbot/internal/storage"
)

// Field parsers shared by Validate and the services that map config into
// their settings. path names the field in error messages.

// ParseDurationField parses a Go duration string; empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseAmount parses a non-negative money amount that the ledger can store
// exactly; empty returns def.
func ParseAmount(path, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	switch {
	case err != nil:
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q: %w", path, raw, err)
	case d.IsNegative():
		return decimal.Zero, fmt.Errorf("%s: amount must be >= 0", path)
	case !storage.ExactAmount(d):
		return decimal.Zero, fmt.Errorf("%s: amount %q has more than %d decimal places", path, raw, storage.AmountScale)
	}
	return d, nil
}

func amountField(path, raw string, allowZero bool) error {
	d, err := ParseAmount(path, raw, decimal.Zero)
	if err != nil {
		return err
	}
	if !allowZero && strings.TrimSpace(raw) != "" && d.IsZero() {
		return fmt.Errorf("%s: amount must be > 0", path)
	}
	return nil
}
