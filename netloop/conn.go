package netloop

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Default staging sizes and close linger for Conn.
const (
	DefaultInboundSize  = 4096
	DefaultOutboundSize = 4096
	DefaultLinger       = 2 * time.Second
)

var errAlreadyWatched = errors.New("source already watched")

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithBufferSizes sets the inbound and outbound staging sizes.
func WithBufferSizes(in, out int) ConnOption {
	return func(c *Conn) {
		c.inCap = in
		c.outCap = out
	}
}

// WithLinger bounds how long Close keeps trying to deliver queued bytes.
func WithLinger(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.linger = d
	}
}

// Conn makes a net.Conn non-blocking. A read pump fills a bounded inbound
// buffer and a write pump drains a bounded outbound buffer; Read and Write
// only touch those buffers. The pumps start when the Conn is first watched.
type Conn struct {
	nc     net.Conn
	inCap  int
	outCap int
	linger time.Duration

	mu      sync.Mutex
	in      []byte
	inErr   error
	out     []byte
	outErr  error
	waker   Waker
	started bool
	writing bool
	closed  bool

	inSpace  chan struct{}
	outReady chan struct{}
	done     chan struct{}
}

// NewConn wraps nc. The Conn owns nc from now on.
//
// Parameters:
//   - nc: The connected socket
//   - opts: Optional settings
//
// Returns:
//   - The Conn
func NewConn(nc net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		nc:       nc,
		inCap:    DefaultInboundSize,
		outCap:   DefaultOutboundSize,
		linger:   DefaultLinger,
		inSpace:  make(chan struct{}, 1),
		outReady: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Read copies buffered inbound bytes into p.
//
// Returns:
//   - ErrWouldBlock when nothing is buffered, the peer's error (io.EOF on
//     hang-up) once the buffer is drained, net.ErrClosed after Close
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.in) == 0 {
		if c.inErr != nil {
			return 0, c.inErr
		}
		return 0, ErrWouldBlock
	}

	n := copy(p, c.in)
	c.in = c.in[:copy(c.in, c.in[n:])]
	signal(c.inSpace)
	return n, nil
}

// Write queues as much of p as fits in the outbound buffer.
//
// Returns:
//   - The number of bytes queued, with ErrWouldBlock when that is less
//     than len(p); the first send error of the write pump; net.ErrClosed
//     after Close
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if c.outErr != nil {
		return 0, c.outErr
	}

	n := min(c.outCap-len(c.out), len(p))
	if n > 0 {
		c.out = append(c.out, p[:n]...)
		signal(c.outReady)
	}
	if n < len(p) {
		return n, ErrWouldBlock
	}

	return n, nil
}

// Ready implements Source.
func (c *Conn) Ready() Readiness {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r Readiness
	if len(c.in) > 0 || c.inErr != nil {
		r |= Readable
	}
	if c.outErr == nil && len(c.out) < c.outCap {
		r |= Writable
	}
	if (c.inErr != nil && !errors.Is(c.inErr, io.EOF)) || c.outErr != nil {
		r |= Errored
	}

	return r
}

// Watch implements Source. The first call starts the pumps on w.
func (c *Conn) Watch(w Waker) error {
	c.mu.Lock()
	if c.waker != nil {
		c.mu.Unlock()
		return errAlreadyWatched
	}
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.waker = w
	start := !c.started
	c.started = true
	c.mu.Unlock()

	if !start {
		return nil
	}

	if err := w.Go(c.writePump); err != nil {
		return fmt.Errorf("start write pump: %w", err)
	}
	c.mu.Lock()
	c.writing = true
	c.mu.Unlock()

	if err := w.Go(c.readPump); err != nil {
		return fmt.Errorf("start read pump: %w", err)
	}

	return nil
}

// Unwatch implements Source.
func (c *Conn) Unwatch() {
	c.mu.Lock()
	c.waker = nil
	c.mu.Unlock()
}

// Close stops accepting reads and writes. Bytes already queued are still
// sent, for at most the linger time, before the socket is closed. Safe to
// call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.in = nil
	writing := c.writing
	c.mu.Unlock()

	close(c.done)
	if !writing {
		return c.nc.Close()
	}

	_ = c.nc.SetWriteDeadline(time.Now().Add(c.linger))
	signal(c.outReady)
	return nil
}

func (c *Conn) readPump() {
	buf := make([]byte, c.inCap)
	for {
		c.mu.Lock()
		room := c.inCap - len(c.in)
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}
		if room == 0 {
			select {
			case <-c.inSpace:
			case <-c.done:
				return
			}
			continue
		}

		n, err := c.nc.Read(buf[:room])

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.in = append(c.in, buf[:n]...)
		if err != nil {
			c.inErr = err
		}
		w := c.waker
		c.mu.Unlock()

		if w != nil && (n > 0 || err != nil) {
			w.Wake()
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) writePump() {
	buf := make([]byte, 0, c.outCap)
	for {
		select {
		case <-c.outReady:
		case <-c.done:
		}

		c.mu.Lock()
		buf = append(buf[:0], c.out...)
		c.out = c.out[:0]
		closed := c.closed
		w := c.waker
		c.mu.Unlock()

		if len(buf) == 0 {
			if closed {
				_ = c.nc.Close()
				return
			}
			continue
		}

		if w != nil && !closed {
			w.Wake()
		}

		if _, err := c.nc.Write(buf); err != nil {
			c.mu.Lock()
			c.outErr = err
			w = c.waker
			c.mu.Unlock()

			if w != nil {
				w.Wake()
			}

			<-c.done
			_ = c.nc.Close()
			return
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
