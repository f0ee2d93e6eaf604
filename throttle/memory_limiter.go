package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryLimiter is an in-process Limiter. Counters live in a go-cache store
// and expire with their window.
type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	store *cache.Cache
}

// NewMemoryLimiter creates a MemoryLimiter.
//
// Parameters:
//   - limit: Events allowed per key and window
//   - window: Window length; a key's window starts with its first event
//
// Returns:
//   - The limiter, or ErrInvalidLimit
func NewMemoryLimiter(limit int, window time.Duration) (*MemoryLimiter, error) {
	if err := validate(limit, window); err != nil {
		return nil, err
	}

	return &MemoryLimiter{
		limit:  limit,
		window: window,
		store:  cache.New(window, 2*window),
	}, nil
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Add(key, 1, m.window); err == nil {
		return true, nil
	}

	n, err := m.store.IncrementInt(key, 1)
	if err != nil {
		// Expired between Add and IncrementInt.
		m.store.Set(key, 1, m.window)
		return true, nil
	}

	return n <= m.limit, nil
}
