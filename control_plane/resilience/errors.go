package resilience

import (
	"errors"
)

// ErrCircuitOpen is returned when a breaker refuses work.
var ErrCircuitOpen = errors.New("circuit breaker open")
