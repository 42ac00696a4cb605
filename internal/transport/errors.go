package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrRecipientBlocked is returned (wrapped) when the recipient can no longer be
// reached by the bot: blocked, deactivated or the chat is gone.
var ErrRecipientBlocked = errors.New("recipient unreachable")

// RetryAfterError reports platform flood control.
type RetryAfterError struct {
	Wait time.Duration
	Err  error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("flood control: retry after %s: %v", e.Wait, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter extracts the flood-control wait from err.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra != nil {
		return ra.Wait, true
	}
	return 0, false
}

func IsBlocked(err error) bool { return errors.Is(err, ErrRecipientBlocked) }
