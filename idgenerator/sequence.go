// Package idgenerator hands out monotonically increasing identifiers.
package idgenerator

import "sync/atomic"

// ID is the set of integer types a Sequence can produce.
type ID interface {
	~uint32 | ~uint64
}

// Sequence produces increasing ids of type T. The zero id is never returned
// unless the counter wraps, so callers can use it to mean "unassigned".
// A Sequence is safe for concurrent use.
type Sequence[T ID] struct {
	n atomic.Uint64
}

// NewSequence creates a Sequence whose first Next returns after+1.
//
// Parameters:
//   - after: The value the counter starts from
//
// Returns:
//   - A new Sequence
func NewSequence[T ID](after T) *Sequence[T] {
	s := &Sequence[T]{}
	s.n.Store(uint64(after))
	return s
}

// Next returns the next id.
//
// Returns:
//   - The next id, converted to T (wrapping at T's width)
func (s *Sequence[T]) Next() T {
	return T(s.n.Add(1))
}

// Last returns the most recently issued id, or the starting value when Next
// has not been called yet.
func (s *Sequence[T]) Last() T {
	return T(s.n.Load())
}
