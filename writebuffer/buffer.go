// Package writebuffer implements the fixed-capacity ring that queues outgoing
// protocol bytes for one client.
//
// Bytes are appended as records: one tile update, or one fixed setup or
// teardown block. The buffer remembers where each record starts so that a
// render pass abandoned halfway can be rolled back without ever sending a
// truncated escape sequence.
package writebuffer

import (
	"errors"
	"io"
)

// DefaultCapacity is the ring size used by connections.
const DefaultCapacity = 1024

// ErrFull is returned by Append when the record does not fit in the free space.
var ErrFull = errors.New("write buffer full")

// Buffer is a ring of bytes with record boundaries. It is not safe for
// concurrent use.
type Buffer struct {
	data   []byte
	start  int
	length int

	// records holds the unsent length of each queued record, oldest first.
	// Their sum is always length.
	records []int
	// headSent is set when some of records[0] has already been flushed.
	headSent bool
}

// New creates an empty Buffer.
//
// Parameters:
//   - capacity: Size of the ring in bytes; must be positive
//
// Returns:
//   - A new Buffer
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("writebuffer: capacity must be positive")
	}

	return &Buffer{data: make([]byte, capacity)}
}

// Len returns the number of queued bytes.
func (b *Buffer) Len() int { return b.length }

// Cap returns the ring capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Free returns the number of bytes that can still be appended.
func (b *Buffer) Free() int { return len(b.data) - b.length }

// Records returns the number of queued records, counting a partially flushed
// head record.
func (b *Buffer) Records() int { return len(b.records) }

// Append queues p as one record. Nothing is written when p does not fit.
// An empty p is accepted and creates no record.
//
// Parameters:
//   - p: The record bytes
//
// Returns:
//   - ErrFull if Len()+len(p) exceeds Cap()
func (b *Buffer) Append(p []byte) error {
	if b.length+len(p) > len(b.data) {
		return ErrFull
	}
	if len(p) == 0 {
		return nil
	}

	at := (b.start + b.length) % len(b.data)
	n := copy(b.data[at:], p)
	copy(b.data, p[n:])

	b.length += len(p)
	b.records = append(b.records, len(p))
	return nil
}

// TrimToLastDelimiter drops every queued record that has not started going
// out. When the oldest record was partially flushed its remaining bytes are
// kept, since the client already holds the front of that sequence.
func (b *Buffer) TrimToLastDelimiter() {
	if b.headSent && len(b.records) > 0 {
		b.length = b.records[0]
		b.records = b.records[:1]
	} else {
		b.length = 0
		b.records = b.records[:0]
		b.headSent = false
	}

	if b.length == 0 {
		b.start = 0
	}
}

// Flush writes queued bytes to w, in up to two segments when the data wraps
// around the end of the ring. Exactly the bytes w accepts are removed; the
// rest stay queued in order. w is expected not to block: a short write must
// come with an error, which Flush returns unchanged.
//
// Parameters:
//   - w: The sink, typically a non-blocking socket
//
// Returns:
//   - The number of bytes written and the sink's error, if any
func (b *Buffer) Flush(w io.Writer) (int, error) {
	total := 0
	for b.length > 0 {
		end := b.start + b.length
		if end > len(b.data) {
			end = len(b.data)
		}

		want := end - b.start
		n, err := w.Write(b.data[b.start:end])
		if n > 0 {
			b.consume(n)
			total += n
		}
		if err != nil {
			return total, err
		}
		if n < want {
			return total, io.ErrShortWrite
		}
	}

	return total, nil
}

// Pending returns a copy of the queued bytes in send order.
func (b *Buffer) Pending() []byte {
	out := make([]byte, 0, b.length)
	end := b.start + b.length
	if end <= len(b.data) {
		return append(out, b.data[b.start:end]...)
	}

	out = append(out, b.data[b.start:]...)
	return append(out, b.data[:end-len(b.data)]...)
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.start = 0
	b.length = 0
	b.records = b.records[:0]
	b.headSent = false
}

func (b *Buffer) consume(n int) {
	b.start = (b.start + n) % len(b.data)
	b.length -= n

	for n > 0 {
		if n < b.records[0] {
			b.records[0] -= n
			b.headSent = true
			break
		}

		n -= b.records[0]
		b.records = b.records[1:]
		b.headSent = false
	}

	if b.length == 0 {
		b.start = 0
		b.records = b.records[:0]
	}
}
