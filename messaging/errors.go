package messaging

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by channels, the middleware and the protocols.
var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrUnauthorized     = errors.New("sender is not a group member")
	ErrNotFound         = errors.New("not found")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrProtocolShutdown = errors.New("protocol shut down")
	ErrSendFailed       = errors.New("send failed")
)

// TimeoutError is returned when a request exhausts its retries without a
// response.
type TimeoutError struct {
	RequestID string
	Attempts  int
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %d attempt(s) of %v", e.RequestID, e.Attempts, e.Timeout)
}

// Unwrap enables errors.Is(err, ErrRequestTimeout).
func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}
