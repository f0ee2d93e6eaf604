// Package throttle limits how often a key, typically a client address, may
// do something within a fixed time window.
package throttle

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidLimit is returned by constructors given a non-positive limit or
// window.
var ErrInvalidLimit = errors.New("limit and window must be positive")

// Limiter counts events per key in fixed windows.
type Limiter interface {
	// Allow records one event for key and reports whether it is within the
	// limit for the current window.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The key to count against
	//
	// Returns:
	//   - true if the event is allowed
	//   - An error if the counter could not be updated
	Allow(ctx context.Context, key string) (bool, error)
}

func validate(limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return ErrInvalidLimit
	}

	return nil
}
