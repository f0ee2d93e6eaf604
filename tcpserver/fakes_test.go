package tcpserver

import (
	"bytes"
	"errors"
	"io"
	"net"

	"github.com/cyberinferno/tilenet/netloop"
	"github.com/cyberinferno/tilenet/world"
)

type fakeDispatcher struct {
	next         netloop.Handle
	callbacks    map[netloop.Handle]netloop.Callback
	deregistered map[netloop.Handle]int
	posted       []func()
	registerErr  error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		callbacks:    make(map[netloop.Handle]netloop.Callback),
		deregistered: make(map[netloop.Handle]int),
	}
}

func (d *fakeDispatcher) Register(_ netloop.Source, _ netloop.Interest, cb netloop.Callback) (netloop.Handle, error) {
	if d.registerErr != nil {
		return 0, d.registerErr
	}
	d.next++
	d.callbacks[d.next] = cb
	return d.next, nil
}

func (d *fakeDispatcher) Deregister(h netloop.Handle) {
	d.deregistered[h]++
	delete(d.callbacks, h)
}

func (d *fakeDispatcher) Post(fn func()) bool {
	d.posted = append(d.posted, fn)
	return true
}

func (d *fakeDispatcher) drain() {
	for len(d.posted) > 0 {
		fn := d.posted[0]
		d.posted = d.posted[1:]
		fn()
	}
}

type fakeSocket struct {
	inbound  [][]byte
	eof      bool
	readErr  error
	out      bytes.Buffer
	limit    int
	blocked  bool
	writeErr error
	closed   int
}

func (s *fakeSocket) Ready() netloop.Readiness  { return netloop.Readable | netloop.Writable }
func (s *fakeSocket) Watch(netloop.Waker) error { return nil }
func (s *fakeSocket) Unwatch()                  {}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.inbound) > 0 {
		n := copy(p, s.inbound[0])
		if n < len(s.inbound[0]) {
			s.inbound[0] = s.inbound[0][n:]
		} else {
			s.inbound = s.inbound[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, netloop.ErrWouldBlock
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blocked {
		return 0, netloop.ErrWouldBlock
	}

	n := len(p)
	if s.limit > 0 && n > s.limit {
		n = s.limit
	}
	s.out.Write(p[:n])
	if n < len(p) {
		return n, netloop.ErrWouldBlock
	}
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closed++
	return nil
}

func (s *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

type fakePlayer struct {
	tiles map[world.Point]world.Tile
	keys  []byte
	moves []string
	onKey func(b byte)
}

func (p *fakePlayer) Tile(x, y int) world.Tile {
	if t, ok := p.tiles[world.Point{X: x, Y: y}]; ok {
		return t
	}
	return world.Tile{Ch: '.', FG: 7, BG: 0}
}

func (p *fakePlayer) Key(b byte) {
	p.keys = append(p.keys, b)
	if p.onKey != nil {
		p.onKey(b)
	}
}

func (p *fakePlayer) Up()    { p.moves = append(p.moves, "up") }
func (p *fakePlayer) Down()  { p.moves = append(p.moves, "down") }
func (p *fakePlayer) Left()  { p.moves = append(p.moves, "left") }
func (p *fakePlayer) Right() { p.moves = append(p.moves, "right") }

type fakeWorld struct {
	clients   []world.Client
	players   []*fakePlayer
	removed   []world.Player
	playerErr error
	// onKey, when set, is installed on every new player.
	onKey func(c world.Client, b byte)
}

func (w *fakeWorld) NewPlayer(c world.Client) (world.Player, error) {
	if w.playerErr != nil {
		return nil, w.playerErr
	}
	p := &fakePlayer{tiles: make(map[world.Point]world.Tile)}
	if w.onKey != nil {
		p.onKey = func(b byte) { w.onKey(c, b) }
	}
	w.clients = append(w.clients, c)
	w.players = append(w.players, p)
	return p, nil
}

func (w *fakeWorld) RemovePlayer(p world.Player) {
	w.removed = append(w.removed, p)
}

type stubConn struct {
	net.Conn
	closed int
}

func (c *stubConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
}

func (c *stubConn) Close() error {
	c.closed++
	return nil
}

type fakeAcceptor struct {
	pending []net.Conn
	err     error
	closed  int
}

func (a *fakeAcceptor) Ready() netloop.Readiness  { return netloop.Readable }
func (a *fakeAcceptor) Watch(netloop.Waker) error { return nil }
func (a *fakeAcceptor) Unwatch()                  {}

func (a *fakeAcceptor) Accept() (net.Conn, error) {
	if len(a.pending) > 0 {
		nc := a.pending[0]
		a.pending = a.pending[1:]
		return nc, nil
	}
	if a.err != nil {
		return nil, a.err
	}
	return nil, netloop.ErrWouldBlock
}

func (a *fakeAcceptor) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2323}
}

func (a *fakeAcceptor) Close() error {
	a.closed++
	if a.closed > 1 {
		return errors.New("already closed")
	}
	return nil
}
