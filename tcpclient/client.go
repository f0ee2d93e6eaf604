// Package tcpclient provides an event-driven TCP client that reports received
// data and connection state changes to registered handlers. It is used to
// drive a server from tests and from the probe command.
package tcpclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client is closed")
	// ErrNotConnected is returned by Send while there is no connection.
	ErrNotConnected = errors.New("not connected")
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota // Not connected
	Connecting                // Dial in progress
	Connected                 // Connected; data is being read
	Closed                    // Closed for good
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted on every state change.
type StateEvent struct {
	State     State
	Address   string
	Timestamp time.Time
	// Error is why the connection was lost, or nil for a clean close by the
	// peer or by the caller.
	Error error
}

// DataEvent carries one chunk read from the connection. Data is owned by the
// handler.
type DataEvent struct {
	Data      []byte
	Timestamp time.Time
}

// Handlers run on the client's read goroutine or the caller's goroutine and
// must be safe for concurrent use.
type (
	StateHandler func(event StateEvent)
	DataHandler  func(event DataEvent)
)

// Config holds client settings.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// ReadBufferSize is the largest chunk delivered in one DataEvent.
	ReadBufferSize int
	// WriteTimeout bounds each Send; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config for address with a 4096 byte read buffer
// and 10 second dial and write timeouts.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - The default Config
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReadBufferSize:    4096,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is a TCP client that delivers reads as events. Register handlers,
// then call Connect. Safe for concurrent use.
type Client struct {
	config Config

	mu      sync.RWMutex
	conn    net.Conn
	state   State
	onState StateHandler
	onData  DataHandler
	closed  bool

	wg sync.WaitGroup
}

// New creates a disconnected client.
func New(config Config) *Client {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultConfig("").ReadBufferSize
	}

	return &Client{config: config, state: Disconnected}
}

// OnState sets the state change handler, replacing any previous one.
func (c *Client) OnState(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = h
}

// OnData sets the data handler, replacing any previous one.
func (c *Client) OnData(h DataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = h
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the configured address and starts reading. A client that
// lost its connection may connect again.
//
// Returns:
//   - nil on success; ErrClosed, an error when already connected, or the dial error
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		return fmt.Errorf("dial %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Send writes data to the connection.
//
// Parameters:
//   - data: Bytes to send; not modified
//
// Returns:
//   - nil on success; ErrNotConnected or the write error
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// Close closes the connection and waits for the read goroutine. Safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.wg.Wait()
	c.setState(Closed, nil)
	return err
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	buf := make([]byte, c.config.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.emitData(data)
		}

		if err == nil {
			continue
		}

		c.mu.Lock()
		closed := c.closed
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if closed {
			return
		}

		_ = conn.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		c.setState(Disconnected, err)
		return
	}
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	h := c.onState
	c.mu.Unlock()

	if h != nil {
		h(StateEvent{State: s, Address: c.config.Address, Timestamp: time.Now(), Error: err})
	}
}

func (c *Client) emitData(data []byte) {
	c.mu.RLock()
	h := c.onData
	c.mu.RUnlock()

	if h != nil {
		h(DataEvent{Data: data, Timestamp: time.Now()})
	}
}
