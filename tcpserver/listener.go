package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/tilenet/idgenerator"
	"github.com/cyberinferno/tilenet/logger"
	"github.com/cyberinferno/tilenet/metrics"
	"github.com/cyberinferno/tilenet/netloop"
	"github.com/cyberinferno/tilenet/throttle"
	"github.com/cyberinferno/tilenet/world"
)

// ErrListenerStopped is returned by Start when given an acceptor that is
// already closed.
var ErrListenerStopped = errors.New("listener stopped")

const limiterTimeout = 100 * time.Millisecond

// Acceptor is a non-blocking listening socket.
type Acceptor interface {
	netloop.Source
	Accept() (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// SocketFactory makes an accepted net.Conn non-blocking.
type SocketFactory func(nc net.Conn) Socket

// Config configures a Listener.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string
	// Backlog is how many accepted sockets may wait for the dispatcher.
	Backlog int
	// MaxConnections caps active connections; zero means no cap.
	MaxConnections int
	// Connection sizes each client's buffers and screen.
	Connection ConnectionConfig
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(ln *Listener) {
		ln.log = l
	}
}

// WithMetrics sets where connection metrics are recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ln *Listener) {
		ln.metrics = m
	}
}

// WithLimiter throttles accepted sockets per remote host.
func WithLimiter(l throttle.Limiter) Option {
	return func(ln *Listener) {
		ln.limiter = l
	}
}

// WithAcceptor uses a instead of binding Config.Addr.
func WithAcceptor(a Acceptor) Option {
	return func(ln *Listener) {
		ln.acceptor = a
	}
}

// WithSocketFactory sets how accepted sockets are wrapped.
func WithSocketFactory(f SocketFactory) Option {
	return func(ln *Listener) {
		ln.newSocket = f
	}
}

type memberStatus int

const (
	statusActive memberStatus = iota
	statusStopping
	statusStopped
)

type member struct {
	conn   *Connection
	status memberStatus
}

// Listener accepts clients and keeps track of every live connection until
// it has been freed.
type Listener struct {
	cfg       Config
	disp      Dispatcher
	world     world.World
	log       logger.Logger
	metrics   *metrics.Metrics
	limiter   throttle.Limiter
	acceptor  Acceptor
	newSocket SocketFactory
	ids       *idgenerator.Sequence[uint32]

	handle     netloop.Handle
	fdRemoved  bool
	stopping   bool
	completed  bool
	freed      bool
	onComplete func()

	members map[*Connection]*member
}

// Start binds cfg.Addr, unless an acceptor was given, and registers it with
// disp. Must be called on the dispatcher goroutine or before it runs.
//
// Parameters:
//   - cfg: Listener settings
//   - disp: The dispatcher
//   - w: The world clients join
//   - opts: Optional settings
//
// Returns:
//   - The Listener, or an error if binding or registering failed
func Start(cfg Config, disp Dispatcher, w world.World, opts ...Option) (*Listener, error) {
	l := &Listener{
		cfg:     cfg,
		disp:    disp,
		world:   w,
		log:     logger.Nop(),
		ids:     idgenerator.NewSequence[uint32](0),
		members: make(map[*Connection]*member),
		newSocket: func(nc net.Conn) Socket {
			return netloop.NewConn(nc)
		},
	}
	for _, o := range opts {
		o(l)
	}

	if l.acceptor == nil {
		a, err := netloop.Listen(cfg.Addr, cfg.Backlog)
		if err != nil {
			return nil, fmt.Errorf("start listener: %w", err)
		}
		l.acceptor = a
	}

	h, err := disp.Register(l.acceptor, netloop.InterestRead, l.onAccept)
	if err != nil {
		_ = l.acceptor.Close()
		if errors.Is(err, net.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrListenerStopped, err)
		}
		return nil, fmt.Errorf("register listener: %w", err)
	}
	l.handle = h
	l.log = l.log.With(logger.Field{Key: "addr", Value: l.acceptor.Addr().String()})

	l.log.Info("listener started")
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.acceptor.Addr()
}

// Counts returns how many connections are active, stopping and stopped but
// not yet freed.
func (l *Listener) Counts() (active, stopping, stopped int) {
	for _, m := range l.members {
		switch m.status {
		case statusActive:
			active++
		case statusStopping:
			stopping++
		case statusStopped:
			stopped++
		}
	}

	return active, stopping, stopped
}

// Stop stops accepting and gracefully stops every active connection.
// onComplete runs exactly once, after the last connection has stopped and
// been freed, or before Stop returns when there is none. Calls after the
// first are ignored.
//
// Parameters:
//   - onComplete: Called when every connection is gone; may be nil
func (l *Listener) Stop(onComplete func()) {
	l.closeAcceptor()
	if l.stopping {
		return
	}
	l.stopping = true
	l.onComplete = onComplete

	var active []*Connection
	for c, m := range l.members {
		if m.status == statusActive {
			active = append(active, c)
		}
	}
	l.log.Info("listener stopping", logger.Field{Key: "connections", Value: len(l.members)})

	if len(active) == 0 {
		l.reap()
		return
	}

	for _, c := range active {
		l.stopConnection(c)
	}
}

// Free stops accepting and frees every connection at once, without a
// graceful shutdown. Safe to call more than once.
func (l *Listener) Free() {
	if l.freed {
		return
	}
	l.freed = true
	l.closeAcceptor()

	for c := range l.members {
		c.Free()
		delete(l.members, c)
		l.metrics.ConnectionClosed()
	}
	l.log.Info("listener freed")
}

func (l *Listener) closeAcceptor() {
	if l.fdRemoved {
		return
	}
	l.fdRemoved = true

	l.disp.Deregister(l.handle)
	if err := l.acceptor.Close(); err != nil {
		l.log.Warn("close listening socket", logger.Field{Key: "error", Value: err})
	}
}

func (l *Listener) onAccept(netloop.Readiness) error {
	for !l.fdRemoved {
		nc, err := l.acceptor.Accept()
		if err != nil {
			if errors.Is(err, netloop.ErrWouldBlock) || l.fdRemoved {
				return nil
			}

			l.log.Error("accept failed", logger.Field{Key: "error", Value: err})
			return fmt.Errorf("accept: %w: %w", netloop.ErrFatal, err)
		}

		l.admit(nc)
	}

	return nil
}

func (l *Listener) admit(nc net.Conn) {
	remote := nc.RemoteAddr().String()

	if reason, ok := l.admissible(remote); !ok {
		l.reject(nc, remote, reason)
		return
	}

	conn, err := NewConnection(l.ids.Next(), l.newSocket(nc), l.disp, l.world, l.cfg.Connection, Hooks{
		OnStopRequest: l.stopConnection,
		Logger:        l.log,
		Metrics:       l.metrics,
	})
	if err != nil {
		l.metrics.ConnectionRejected(metrics.ReasonSetup)
		l.log.Warn("connection setup failed", logger.Field{Key: "remote", Value: remote}, logger.Field{Key: "error", Value: err})
		return
	}

	l.members[conn] = &member{conn: conn, status: statusActive}
	l.metrics.ConnectionOpened()
	l.log.Info("connection accepted", logger.Field{Key: "conn_id", Value: conn.ID()}, logger.Field{Key: "remote", Value: remote})
}

func (l *Listener) admissible(remote string) (string, bool) {
	if l.stopping {
		return metrics.ReasonStopping, false
	}

	if l.cfg.MaxConnections > 0 {
		if active, _, _ := l.Counts(); active >= l.cfg.MaxConnections {
			return metrics.ReasonCapacity, false
		}
	}

	if l.limiter != nil {
		host := remote
		if h, _, err := net.SplitHostPort(remote); err == nil {
			host = h
		}

		ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
		defer cancel()

		allowed, err := l.limiter.Allow(ctx, host)
		if err != nil {
			l.log.Warn("rate limiter unavailable", logger.Field{Key: "error", Value: err})
			return "", true
		}
		if !allowed {
			return metrics.ReasonThrottled, false
		}
	}

	return "", true
}

func (l *Listener) reject(nc net.Conn, remote string, reason string) {
	_ = nc.Close()
	l.metrics.ConnectionRejected(reason)
	l.log.Info("connection rejected", logger.Field{Key: "remote", Value: remote}, logger.Field{Key: "reason", Value: reason})
}

// stopConnection moves an active connection to stopping and asks it to
// stop. It is also the connections' OnStopRequest hook.
func (l *Listener) stopConnection(c *Connection) {
	m, ok := l.members[c]
	if !ok || m.status != statusActive {
		return
	}

	m.status = statusStopping
	c.RequestStop(func() { l.connectionStopped(m) })
}

// connectionStopped runs from inside the connection once it deregistered,
// so freeing it is left to a separate dispatcher step.
func (l *Listener) connectionStopped(m *member) {
	if m.status == statusStopped {
		return
	}

	m.status = statusStopped
	if !l.disp.Post(l.reap) {
		l.log.Debug("dispatcher closed before reaping", logger.Field{Key: "conn_id", Value: m.conn.ID()})
	}
}

// reap frees stopped connections and completes a pending Stop when nothing
// is left.
func (l *Listener) reap() {
	for c, m := range l.members {
		if m.status != statusStopped {
			continue
		}

		c.Free()
		delete(l.members, c)
		l.metrics.ConnectionClosed()
	}

	if !l.stopping || l.completed || len(l.members) > 0 {
		return
	}

	l.completed = true
	l.log.Info("listener stopped")
	if cb := l.onComplete; cb != nil {
		l.onComplete = nil
		cb()
	}
}
