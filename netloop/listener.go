package netloop

import (
	"fmt"
	"net"
	"sync"
)

// DefaultBacklog is the number of accepted sockets a Listener holds before
// its accept pump stops accepting.
const DefaultBacklog = 5

// Listener is a non-blocking TCP listener. An accept pump moves accepted
// sockets into a bounded backlog that Accept drains.
type Listener struct {
	ln      net.Listener
	backlog chan net.Conn

	mu      sync.Mutex
	err     error
	waker   Waker
	started bool
	closed  bool
	done    chan struct{}
}

// Listen binds addr.
//
// Parameters:
//   - addr: The TCP address to listen on, such as ":23"
//   - backlog: How many accepted sockets may wait for Accept; values below
//     1 mean DefaultBacklog
//
// Returns:
//   - The Listener, or an error if binding fails
func Listen(addr string, backlog int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	if backlog < 1 {
		backlog = DefaultBacklog
	}

	return &Listener{
		ln:      ln,
		backlog: make(chan net.Conn, backlog),
		done:    make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept returns the next waiting socket.
//
// Returns:
//   - ErrWouldBlock when none is waiting, the accept error once the pump
//     has failed, net.ErrClosed after Close
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case nc := <-l.backlog:
		return nc, nil
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, net.ErrClosed
	}
	if l.err != nil {
		return nil, l.err
	}

	return nil, ErrWouldBlock
}

// Ready implements Source.
func (l *Listener) Ready() Readiness {
	l.mu.Lock()
	defer l.mu.Unlock()

	var r Readiness
	if len(l.backlog) > 0 || l.err != nil {
		r |= Readable
	}
	if l.err != nil {
		r |= Errored
	}

	return r
}

// Watch implements Source. The first call starts the accept pump on w.
func (l *Listener) Watch(w Waker) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return net.ErrClosed
	}
	if l.waker != nil {
		l.mu.Unlock()
		return errAlreadyWatched
	}
	l.waker = w
	start := !l.started
	l.started = true
	l.mu.Unlock()

	if !start {
		return nil
	}

	if err := w.Go(l.acceptPump); err != nil {
		return fmt.Errorf("start accept pump: %w", err)
	}

	return nil
}

// Unwatch implements Source.
func (l *Listener) Unwatch() {
	l.mu.Lock()
	l.waker = nil
	l.mu.Unlock()
}

// Close stops accepting and closes sockets still in the backlog. Safe to
// call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	err := l.ln.Close()
	l.drain()
	return err
}

func (l *Listener) acceptPump() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.err = err
			w := l.waker
			l.mu.Unlock()

			if w != nil {
				w.Wake()
			}
			return
		}

		select {
		case l.backlog <- nc:
		case <-l.done:
			_ = nc.Close()
			return
		}

		l.mu.Lock()
		closed := l.closed
		w := l.waker
		l.mu.Unlock()

		if closed {
			l.drain()
			return
		}
		if w != nil {
			w.Wake()
		}
	}
}

func (l *Listener) drain() {
	for {
		select {
		case nc := <-l.backlog:
			_ = nc.Close()
		default:
			return
		}
	}
}
