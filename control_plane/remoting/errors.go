package remoting

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRequest is returned for payloads that are missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// IdentityMismatchError is returned when the agent that authenticated the
// call is not the agent the payload speaks for.
type IdentityMismatchError struct {
	Asserted string
	Claimed  string
	Reason   string
	err      error
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("agent %s is not allowed to act for %s: %s", e.Asserted, e.Claimed, e.Reason)
}

func (e *IdentityMismatchError) Unwrap() error {
	return e.err
}

// RateLimitedError tells the agent to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many requests, retry after %s", e.RetryAfter)
}
