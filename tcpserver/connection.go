// Package tcpserver serves the world to telnet clients. A Listener accepts
// sockets from a netloop dispatcher and hands each one to a Connection,
// which runs a reader task and a writer task over the socket and shuts down
// gracefully on request.
//
// Everything in this package runs on the dispatcher's goroutine or inside a
// connection task the dispatcher resumed, so no state here is locked.
package tcpserver

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/cyberinferno/tilenet/cotask"
	"github.com/cyberinferno/tilenet/logger"
	"github.com/cyberinferno/tilenet/metrics"
	"github.com/cyberinferno/tilenet/netloop"
	"github.com/cyberinferno/tilenet/screen"
	"github.com/cyberinferno/tilenet/telnet"
	"github.com/cyberinferno/tilenet/world"
	"github.com/cyberinferno/tilenet/writebuffer"
)

// ErrConnectionFault is returned by OnReadiness after a read or write on the
// socket failed.
var ErrConnectionFault = errors.New("connection fault")

// Socket is a non-blocking client socket: Read and Write return
// netloop.ErrWouldBlock instead of waiting.
type Socket interface {
	netloop.Source
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Dispatcher is the part of netloop.Loop connections and listeners use.
type Dispatcher interface {
	Register(src netloop.Source, interest netloop.Interest, cb netloop.Callback) (netloop.Handle, error)
	Deregister(h netloop.Handle)
	Post(fn func()) bool
}

// ConnectionConfig sizes a connection's buffers and screen.
type ConnectionConfig struct {
	WriteBufferSize int
	ReadBufferSize  int
	ScreenWidth     int
	ScreenHeight    int
	Headroom        int
}

// DefaultConnectionConfig returns the settings of a plain 80x24 terminal.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteBufferSize: writebuffer.DefaultCapacity,
		ReadBufferSize:  256,
		ScreenWidth:     screen.DefaultWidth,
		ScreenHeight:    screen.DefaultHeight,
		Headroom:        screen.DefaultHeadroom,
	}
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	d := DefaultConnectionConfig()
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.ScreenWidth <= 0 || c.ScreenHeight <= 0 {
		c.ScreenWidth, c.ScreenHeight = d.ScreenWidth, d.ScreenHeight
	}
	if c.Headroom < 0 {
		c.Headroom = d.Headroom
	}

	return c
}

// Hooks connects a Connection to its owner.
type Hooks struct {
	// OnStopRequest is called, at most once and only while the connection
	// is active, when the world asked for a disconnect, the peer hung up,
	// or an I/O fault happened. The owner is expected to call RequestStop.
	OnStopRequest func(c *Connection)
	Logger        logger.Logger
	Metrics       *metrics.Metrics
}

// State is the shutdown stage of a connection.
type State int

const (
	// StateActive: serving the client.
	StateActive State = iota
	// StateStopping: flushing the teardown sequence before deregistering.
	StateStopping
	// StateFreeing: tasks are being unwound without further I/O.
	StateFreeing
	// StateStopped: deregistered; only Free remains.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateFreeing:
		return "Freeing"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type flag uint16

const (
	flagReadable flag = 1 << iota
	flagWritable
	flagError
	flagReaderStopped
	flagWriterStopped
	flagFDRemoved
	flagWantStop
	flagSurfaced
	flagClosed
)

// Connection serves one client socket.
type Connection struct {
	id      uint32
	sock    Socket
	disp    Dispatcher
	world   world.World
	log     logger.Logger
	metrics *metrics.Metrics
	onStop  func(*Connection)

	handle netloop.Handle
	player world.Player

	state  State
	flags  flag
	err    error
	stopCB func()

	reader  *cotask.Task
	writer  *cotask.Task
	buf     *writebuffer.Buffer
	screen  *screen.Writer
	decoder *telnet.Decoder
	readBuf []byte
}

// NewConnection takes ownership of sock and sets the client up: the socket
// is registered for reads and writes, a player is created in w, the writer
// task queues the terminal setup and the first screen and the reader task
// starts reading input. On failure everything acquired so far is
// released in reverse order, including the socket.
//
// Parameters:
//   - id: Connection id, used in logs
//   - sock: The accepted socket
//   - disp: The dispatcher to register with
//   - w: The world to join
//   - cfg: Buffer and screen sizes
//   - hooks: Owner callbacks, logger and metrics
//
// Returns:
//   - The active Connection, or an error
func NewConnection(id uint32, sock Socket, disp Dispatcher, w world.World, cfg ConnectionConfig, hooks Hooks) (*Connection, error) {
	cfg = cfg.withDefaults()
	log := hooks.Logger
	if log == nil {
		log = logger.Nop()
	}

	remote := ""
	if addr := sock.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	c := &Connection{
		id:      id,
		sock:    sock,
		disp:    disp,
		world:   w,
		log:     log.With(logger.Field{Key: "conn_id", Value: id}, logger.Field{Key: "remote", Value: remote}),
		metrics: hooks.Metrics,
		onStop:  hooks.OnStopRequest,
		state:   StateActive,
		flags:   flagReadable | flagWritable,
		buf:     writebuffer.New(cfg.WriteBufferSize),
		readBuf: make([]byte, cfg.ReadBufferSize),
	}

	h, err := disp.Register(sock, netloop.InterestRead|netloop.InterestWrite, c.OnReadiness)
	if err != nil {
		c.closeSocket()
		return nil, fmt.Errorf("register socket: %w", err)
	}
	c.handle = h

	player, err := w.NewPlayer(c)
	if err != nil {
		c.removeFD()
		c.closeSocket()
		return nil, fmt.Errorf("create player: %w", err)
	}
	c.player = player
	c.decoder = telnet.NewDecoder(player)
	c.screen = screen.New(player, c.buf,
		screen.WithSize(cfg.ScreenWidth, cfg.ScreenHeight),
		screen.WithHeadroom(cfg.Headroom),
	)

	// The writer goes first so the setup is queued before any input that
	// is already waiting can make the world draw.
	c.writer = cotask.Spawn(c.writeLoop)
	if c.has(flagError) {
		err := c.err
		c.Free()
		return nil, fmt.Errorf("start writer: %w", err)
	}

	c.reader = cotask.Spawn(c.readLoop)
	if c.has(flagError) {
		err := c.err
		c.Free()
		return nil, fmt.Errorf("start reader: %w", err)
	}

	c.log.Debug("connection set up")
	return c, nil
}

// ID returns the connection id.
func (c *Connection) ID() uint32 {
	return c.id
}

// State returns the shutdown stage.
func (c *Connection) State() State {
	return c.state
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}

// Err returns the first I/O fault, if any.
func (c *Connection) Err() error {
	return c.err
}

// OnReadiness is the dispatcher callback. It drains and decodes input while
// the socket is readable, lets the writer render and flush once, and
// deregisters the socket once both tasks have stopped.
//
// Parameters:
//   - r: The socket's readiness
//
// Returns:
//   - An error wrapping ErrConnectionFault once an I/O fault happened
func (c *Connection) OnReadiness(r netloop.Readiness) error {
	c.assign(flagReadable, r&(netloop.Readable|netloop.Errored) != 0)
	c.assign(flagWritable, r.Has(netloop.Writable))

	for c.has(flagReadable) && !c.has(flagReaderStopped) {
		if !c.reader.Resume() {
			break
		}
	}
	c.resumeWriter()

	c.tryRemove()
	c.surface()

	if c.has(flagError) {
		return fmt.Errorf("connection %d: %w: %w", c.id, ErrConnectionFault, c.err)
	}

	return nil
}

// RequestStop starts a graceful shutdown: input is no longer read, the
// pending screen update is cut at a record boundary and the terminal is
// restored before the socket is deregistered. cb runs once that has
// happened, immediately if it already has.
//
// Parameters:
//   - cb: Called when the connection is deregistered; may be nil
func (c *Connection) RequestStop(cb func()) {
	if c.has(flagFDRemoved) {
		if c.state == StateStopping || c.state == StateActive {
			c.state = StateStopped
		}
		if cb != nil {
			cb()
		}
		return
	}

	c.stopCB = cb
	if c.state == StateActive {
		c.state = StateStopping
		c.log.Debug("connection stopping")
	}

	c.reader.Resume()
	c.resumeWriter()
	c.tryRemove()
}

// Free tears the connection down at once: both tasks are unwound without
// sending anything more, the player leaves the world, the socket is
// deregistered and closed. Safe to call more than once.
func (c *Connection) Free() {
	if c.state == StateFreeing || c.has(flagClosed) {
		return
	}
	c.state = StateFreeing

	for c.reader != nil && !c.has(flagReaderStopped) {
		if !c.reader.Resume() {
			break
		}
	}
	for c.writer != nil && !c.has(flagWriterStopped) {
		if !c.writer.Resume() {
			break
		}
	}

	if c.player != nil {
		c.world.RemovePlayer(c.player)
		c.player = nil
	}

	c.removeFD()
	c.closeSocket()
	c.state = StateStopped
	c.log.Debug("connection freed")
}

// Update implements world.Client.
func (c *Connection) Update(points []world.Point) {
	if c.state != StateActive || c.screen == nil {
		return
	}

	if !c.screen.Update(points) {
		c.metrics.RenderOverflow()
	}
	c.resumeWriter()
}

// Refresh implements world.Client.
func (c *Connection) Refresh() {
	if c.state != StateActive || c.screen == nil {
		return
	}

	c.screen.Refresh()
	c.resumeWriter()
}

// Stop implements world.Client. The request reaches the owner on the next
// dispatcher step.
func (c *Connection) Stop() {
	c.set(flagWantStop)
	c.disp.Post(c.surface)
}

// surface tells the owner, once, that this connection should be stopped.
func (c *Connection) surface() {
	if !c.has(flagWantStop) && !c.has(flagError) {
		return
	}
	c.clear(flagWantStop)

	if c.state != StateActive || c.has(flagSurfaced) {
		return
	}
	c.set(flagSurfaced)

	if c.onStop != nil {
		c.onStop(c)
	}
}

func (c *Connection) tryRemove() {
	if c.has(flagFDRemoved) || !c.has(flagReaderStopped) || !c.has(flagWriterStopped) {
		return
	}

	c.removeFD()
	if c.state == StateStopping {
		c.state = StateStopped
	}

	if cb := c.stopCB; cb != nil {
		c.stopCB = nil
		cb()
	}
}

func (c *Connection) removeFD() {
	if c.has(flagFDRemoved) {
		return
	}

	c.set(flagFDRemoved)
	c.disp.Deregister(c.handle)
}

func (c *Connection) closeSocket() {
	if c.has(flagClosed) {
		return
	}

	c.set(flagClosed)
	if err := c.sock.Close(); err != nil {
		c.log.Debug("close socket", logger.Field{Key: "error", Value: err})
	}
}

func (c *Connection) resumeWriter() {
	if c.writer != nil {
		c.writer.Resume()
	}
}

func (c *Connection) fail(err error) {
	if c.has(flagError) {
		return
	}

	c.set(flagError)
	c.err = err
	c.metrics.ConnectionFault()
	c.log.Warn("connection fault", logger.Field{Key: "error", Value: err})

	// A fault found while another client's update resumed the writer has no
	// readiness callback to report it.
	c.disp.Post(c.surface)
}

func (c *Connection) has(f flag) bool { return c.flags&f != 0 }
func (c *Connection) set(f flag)      { c.flags |= f }
func (c *Connection) clear(f flag)    { c.flags &^= f }

func (c *Connection) assign(f flag, on bool) {
	if on {
		c.set(f)
	} else {
		c.clear(f)
	}
}
