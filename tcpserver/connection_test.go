package tcpserver

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cyberinferno/tilenet/netloop"
	"github.com/cyberinferno/tilenet/telnet"
	"github.com/cyberinferno/tilenet/world"
	"github.com/cyberinferno/tilenet/writebuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const esc = "\x1b"

// smallScreen is drawn by a 4x2 connection whose tiles are all default.
var smallScreen = esc + "[1;1H...." + esc + "[2;1H...."

func smallConfig() ConnectionConfig {
	return ConnectionConfig{ScreenWidth: 4, ScreenHeight: 2, Headroom: 16}
}

type connFixture struct {
	conn     *Connection
	sock     *fakeSocket
	disp     *fakeDispatcher
	world    *fakeWorld
	requests int
}

func newConnFixture(t *testing.T, sock *fakeSocket) *connFixture {
	t.Helper()
	f := &connFixture{sock: sock, disp: newFakeDispatcher(), world: &fakeWorld{}}

	conn, err := NewConnection(1, sock, f.disp, f.world, smallConfig(), Hooks{
		OnStopRequest: func(*Connection) { f.requests++ },
	})
	require.NoError(t, err)
	f.conn = conn
	return f
}

func (f *connFixture) player() *fakePlayer {
	return f.world.players[0]
}

func setupThenScreen() string {
	return string(telnet.Setup()) + smallScreen
}

func TestNewConnection(t *testing.T) {
	t.Run("sends setup then the first screen", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})

		assert.Equal(t, setupThenScreen(), f.sock.out.String())
		assert.Equal(t, StateActive, f.conn.State())
		assert.Equal(t, uint32(1), f.conn.ID())
		assert.Len(t, f.disp.callbacks, 1)
		assert.Len(t, f.world.players, 1)
		assert.Equal(t, "127.0.0.1:40000", f.conn.RemoteAddr().String())
	})

	t.Run("register failure closes the socket", func(t *testing.T) {
		sock := &fakeSocket{}
		disp := newFakeDispatcher()
		disp.registerErr = netloop.ErrClosed
		w := &fakeWorld{}

		_, err := NewConnection(1, sock, disp, w, smallConfig(), Hooks{})
		assert.ErrorIs(t, err, netloop.ErrClosed)
		assert.Equal(t, 1, sock.closed)
		assert.Empty(t, w.players)
	})

	t.Run("player failure deregisters and closes", func(t *testing.T) {
		sock := &fakeSocket{}
		disp := newFakeDispatcher()
		w := &fakeWorld{playerErr: world.ErrArenaFull}

		_, err := NewConnection(1, sock, disp, w, smallConfig(), Hooks{})
		assert.ErrorIs(t, err, world.ErrArenaFull)
		assert.Equal(t, 1, disp.deregistered[1])
		assert.Equal(t, 1, sock.closed)
	})

	t.Run("reader failure unwinds everything", func(t *testing.T) {
		boom := errors.New("reset by peer")
		sock := &fakeSocket{readErr: boom}
		disp := newFakeDispatcher()
		w := &fakeWorld{}

		_, err := NewConnection(1, sock, disp, w, smallConfig(), Hooks{})
		assert.ErrorIs(t, err, boom)
		assert.Len(t, w.removed, 1)
		assert.Equal(t, 1, disp.deregistered[1])
		assert.Equal(t, 1, sock.closed)
		assert.Equal(t, setupThenScreen(), sock.out.String())
	})

	t.Run("input waiting at start is drawn after the setup", func(t *testing.T) {
		sock := &fakeSocket{inbound: [][]byte{[]byte("x")}}
		w := &fakeWorld{onKey: func(c world.Client, _ byte) {
			c.Update([]world.Point{{X: 1, Y: 1}})
		}}

		_, err := NewConnection(1, sock, newFakeDispatcher(), w, smallConfig(), Hooks{})
		require.NoError(t, err)

		assert.True(t, bytes.HasPrefix(sock.out.Bytes(), telnet.Setup()))
		assert.Equal(t, setupThenScreen()+esc+"[2;2H.", sock.out.String())
		assert.Equal(t, "x", string(w.players[0].keys))
	})

	t.Run("writer failure unwinds everything", func(t *testing.T) {
		sock := &fakeSocket{}
		disp := newFakeDispatcher()
		w := &fakeWorld{}
		cfg := smallConfig()
		cfg.WriteBufferSize = 8

		_, err := NewConnection(1, sock, disp, w, cfg, Hooks{})
		assert.ErrorIs(t, err, writebuffer.ErrFull)
		assert.Len(t, w.removed, 1)
		assert.Equal(t, 1, disp.deregistered[1])
		assert.Equal(t, 1, sock.closed)
	})
}

func TestConnectionInput(t *testing.T) {
	t.Run("decodes everything readable before returning", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.sock.inbound = [][]byte{
			[]byte("ab"),
			{27, '[', 'A'},
			{telnet.IAC, telnet.WILL, telnet.OptEcho, 'c'},
		}

		require.NoError(t, f.conn.OnReadiness(netloop.Readable|netloop.Writable))
		assert.Equal(t, "abc", string(f.player().keys))
		assert.Equal(t, []string{"up"}, f.player().moves)
		assert.Empty(t, f.sock.inbound)
	})

	t.Run("peer hang-up asks the owner to stop once", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.sock.eof = true

		require.NoError(t, f.conn.OnReadiness(netloop.Readable))
		require.NoError(t, f.conn.OnReadiness(netloop.Readable))
		assert.Equal(t, 1, f.requests)
	})

	t.Run("read fault is reported", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		boom := errors.New("reset by peer")
		f.sock.readErr = boom

		err := f.conn.OnReadiness(netloop.Errored)
		assert.ErrorIs(t, err, ErrConnectionFault)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, f.conn.Err(), boom)
		assert.True(t, f.conn.has(flagReaderStopped))
		assert.Equal(t, 1, f.requests)
	})

	t.Run("world stop request reaches the owner on the next step", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.world.clients[0].Stop()
		assert.Zero(t, f.requests)

		f.disp.drain()
		assert.Equal(t, 1, f.requests)
	})

	t.Run("quit key during decoding", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.player().onKey = func(b byte) {
			if b == 'q' {
				f.conn.Stop()
			}
		}
		f.sock.inbound = [][]byte{[]byte("q")}

		require.NoError(t, f.conn.OnReadiness(netloop.Readable))
		assert.Equal(t, 1, f.requests)

		f.disp.drain()
		assert.Equal(t, 1, f.requests)
	})
}

func TestConnectionOutput(t *testing.T) {
	t.Run("world update is flushed before returning", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.sock.out.Reset()
		f.player().tiles[world.Point{X: 1, Y: 0}] = world.Tile{Ch: '@', FG: 3, BG: 0}

		f.world.clients[0].Update([]world.Point{{X: 1, Y: 0}})
		assert.Equal(t, esc+"[1;2H"+esc+"[33m@", f.sock.out.String())
	})

	t.Run("refresh redraws everything", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.sock.out.Reset()

		f.world.clients[0].Refresh()
		assert.Equal(t, esc+"[1;1H"+esc+"[37;40m...."+esc+"[2;1H....", f.sock.out.String())
	})

	t.Run("blocked socket parks the writer until writable", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{blocked: true})
		assert.Empty(t, f.sock.out.Bytes())
		assert.False(t, f.conn.has(flagWritable))

		f.sock.blocked = false
		require.NoError(t, f.conn.OnReadiness(netloop.Writable))
		assert.Equal(t, setupThenScreen(), f.sock.out.String())
	})

	t.Run("partial writes resume where they stopped", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{limit: 7})
		for i := 0; i < 100 && f.sock.out.Len() < len(setupThenScreen()); i++ {
			require.NoError(t, f.conn.OnReadiness(netloop.Writable))
		}
		assert.Equal(t, setupThenScreen(), f.sock.out.String())
	})

	t.Run("write fault is reported", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		boom := errors.New("broken pipe")
		f.sock.writeErr = boom

		f.world.clients[0].Update([]world.Point{{X: 0, Y: 0}})
		assert.True(t, f.conn.has(flagWriterStopped))

		err := f.conn.OnReadiness(netloop.Writable)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, f.requests)
	})

	t.Run("write fault during another client's update reaches the owner", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.sock.writeErr = errors.New("broken pipe")

		f.world.clients[0].Update([]world.Point{{X: 1, Y: 1}})
		assert.ErrorIs(t, f.conn.Err(), f.sock.writeErr)
		assert.Zero(t, f.requests)

		f.disp.drain()
		assert.Equal(t, 1, f.requests)

		assert.ErrorIs(t, f.conn.OnReadiness(netloop.Readable), ErrConnectionFault)
		assert.Equal(t, 1, f.requests)
	})
}

func TestConnectionRequestStop(t *testing.T) {
	t.Run("teardown is the last thing sent", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{limit: 5})
		stopped := 0

		f.conn.RequestStop(func() { stopped++ })
		assert.Equal(t, StateStopping, f.conn.State())
		assert.True(t, f.conn.has(flagReaderStopped))

		for i := 0; i < 100 && stopped == 0; i++ {
			require.NoError(t, f.conn.OnReadiness(netloop.Readable|netloop.Writable))
		}

		assert.Equal(t, 1, stopped)
		assert.True(t, f.conn.has(flagWriterStopped))
		assert.Equal(t, StateStopped, f.conn.State())
		assert.Equal(t, 1, f.disp.deregistered[1])
		assert.Equal(t, string(telnet.Setup())+string(telnet.Teardown()), f.sock.out.String())

		require.NoError(t, f.conn.OnReadiness(netloop.Writable))
		assert.Equal(t, 1, f.disp.deregistered[1])
		assert.Equal(t, 1, stopped)
		assert.Zero(t, f.sock.closed)
	})

	t.Run("stop on an idle connection completes at once", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.sock.out.Reset()
		stopped := 0

		f.conn.RequestStop(func() { stopped++ })
		assert.Equal(t, 1, stopped)
		assert.Equal(t, string(telnet.Teardown()), f.sock.out.String())
	})

	t.Run("updates after stop are ignored", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.conn.RequestStop(nil)
		f.sock.out.Reset()

		f.world.clients[0].Update([]world.Point{{X: 0, Y: 0}})
		f.world.clients[0].Refresh()
		assert.Empty(t, f.sock.out.Bytes())
	})

	t.Run("free during the teardown flush sends nothing more", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{blocked: true})
		stopped := 0

		f.conn.RequestStop(func() { stopped++ })
		require.Equal(t, StateStopping, f.conn.State())
		require.False(t, f.conn.has(flagWriterStopped))

		f.sock.blocked = false
		f.conn.Free()

		assert.Empty(t, f.sock.out.Bytes())
		assert.True(t, f.conn.has(flagWriterStopped))
		assert.Equal(t, StateStopped, f.conn.State())
		assert.Equal(t, 1, f.sock.closed)
		assert.Equal(t, 1, f.disp.deregistered[1])
		assert.Zero(t, stopped)

		f.conn.Free()
		assert.Equal(t, 1, f.sock.closed)
	})

	t.Run("callback runs at once when both tasks already died", func(t *testing.T) {
		f := newConnFixture(t, &fakeSocket{})
		f.sock.readErr = errors.New("reset")
		f.sock.writeErr = errors.New("broken pipe")

		f.world.clients[0].Update([]world.Point{{X: 0, Y: 0}})
		assert.Error(t, f.conn.OnReadiness(netloop.Readable))
		assert.Equal(t, 1, f.disp.deregistered[1])

		stopped := 0
		f.conn.RequestStop(func() { stopped++ })
		assert.Equal(t, 1, stopped)
		assert.Equal(t, StateStopped, f.conn.State())
	})
}

func TestConnectionFree(t *testing.T) {
	f := newConnFixture(t, &fakeSocket{blocked: true})

	f.conn.Free()
	assert.Equal(t, StateStopped, f.conn.State())
	assert.True(t, f.conn.has(flagReaderStopped))
	assert.True(t, f.conn.has(flagWriterStopped))
	assert.Empty(t, f.sock.out.Bytes())
	assert.Equal(t, 1, f.sock.closed)
	assert.Equal(t, 1, f.disp.deregistered[1])
	require.Len(t, f.world.removed, 1)

	f.conn.Free()
	assert.Equal(t, 1, f.sock.closed)
	assert.Equal(t, 1, f.disp.deregistered[1])
	assert.Len(t, f.world.removed, 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Active", StateActive.String())
	assert.Equal(t, "Stopping", StateStopping.String())
	assert.Equal(t, "Freeing", StateFreeing.String())
	assert.Equal(t, "Stopped", StateStopped.String())
	assert.Equal(t, "Unknown", State(42).String())
}
