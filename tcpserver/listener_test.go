package tcpserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cyberinferno/tilenet/netloop"
	"github.com/cyberinferno/tilenet/telnet"
	"github.com/cyberinferno/tilenet/throttle"
	"github.com/cyberinferno/tilenet/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listenerFixture struct {
	l       *Listener
	disp    *fakeDispatcher
	world   *fakeWorld
	acc     *fakeAcceptor
	sockets []*fakeSocket
	blocked bool
}

func newListenerFixture(t *testing.T, cfg Config, opts ...Option) *listenerFixture {
	t.Helper()
	f := &listenerFixture{disp: newFakeDispatcher(), world: &fakeWorld{}, acc: &fakeAcceptor{}}
	cfg.Connection = smallConfig()

	factory := func(net.Conn) Socket {
		s := &fakeSocket{blocked: f.blocked}
		f.sockets = append(f.sockets, s)
		return s
	}

	l, err := Start(cfg, f.disp, f.world, append([]Option{WithAcceptor(f.acc), WithSocketFactory(factory)}, opts...)...)
	require.NoError(t, err)
	f.l = l
	return f
}

// incoming queues n sockets and runs the accept callback.
func (f *listenerFixture) incoming(t *testing.T, n int) []*stubConn {
	t.Helper()
	stubs := make([]*stubConn, n)
	for i := range stubs {
		stubs[i] = &stubConn{}
		f.acc.pending = append(f.acc.pending, stubs[i])
	}

	cb, ok := f.disp.callbacks[1]
	require.True(t, ok, "acceptor is not registered")
	require.NoError(t, cb(netloop.Readable))
	return stubs
}

func (f *listenerFixture) connFor(t *testing.T, s *fakeSocket) *Connection {
	t.Helper()
	for c := range f.l.members {
		if c.sock == s {
			return c
		}
	}
	t.Fatalf("no connection for socket")
	return nil
}

func assertCounts(t *testing.T, l *Listener, active, stopping, stopped int) {
	t.Helper()
	a, s, d := l.Counts()
	assert.Equal(t, [3]int{active, stopping, stopped}, [3]int{a, s, d})
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestListenerStart(t *testing.T) {
	t.Run("registers the acceptor", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		assert.Len(t, f.disp.callbacks, 1)
		assert.Equal(t, "127.0.0.1:2323", f.l.Addr().String())
		assertCounts(t, f.l, 0, 0, 0)
	})

	t.Run("register failure closes the acceptor", func(t *testing.T) {
		disp := newFakeDispatcher()
		disp.registerErr = net.ErrClosed
		acc := &fakeAcceptor{}

		_, err := Start(Config{}, disp, &fakeWorld{}, WithAcceptor(acc))
		assert.ErrorIs(t, err, ErrListenerStopped)
		assert.Equal(t, 1, acc.closed)
	})

	t.Run("bind failure", func(t *testing.T) {
		_, err := Start(Config{Addr: "256.0.0.1:0"}, newFakeDispatcher(), &fakeWorld{})
		assert.Error(t, err)
	})
}

func TestListenerAccept(t *testing.T) {
	t.Run("drains every waiting socket", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		f.incoming(t, 3)

		assertCounts(t, f.l, 3, 0, 0)
		require.Len(t, f.sockets, 3)
		for _, s := range f.sockets {
			assert.Contains(t, s.out.String(), string(telnet.Setup()))
		}
	})

	t.Run("connection cap", func(t *testing.T) {
		f := newListenerFixture(t, Config{MaxConnections: 1})
		stubs := f.incoming(t, 2)

		assertCounts(t, f.l, 1, 0, 0)
		assert.Zero(t, stubs[0].closed)
		assert.Equal(t, 1, stubs[1].closed)
	})

	t.Run("throttled host", func(t *testing.T) {
		lim, err := throttle.NewMemoryLimiter(1, time.Minute)
		require.NoError(t, err)
		f := newListenerFixture(t, Config{}, WithLimiter(lim))
		stubs := f.incoming(t, 2)

		assertCounts(t, f.l, 1, 0, 0)
		assert.Equal(t, 1, stubs[1].closed)
	})

	t.Run("limiter errors let clients in", func(t *testing.T) {
		f := newListenerFixture(t, Config{}, WithLimiter(errLimiter{}))
		f.incoming(t, 2)
		assertCounts(t, f.l, 2, 0, 0)
	})

	t.Run("setup failure is not registered", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		f.world.playerErr = world.ErrArenaFull
		f.incoming(t, 1)

		assertCounts(t, f.l, 0, 0, 0)
		require.Len(t, f.sockets, 1)
		assert.Equal(t, 1, f.sockets[0].closed)
	})

	t.Run("accept fault is fatal", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		f.acc.err = errors.New("too many open files")

		err := f.disp.callbacks[1](netloop.Readable)
		assert.ErrorIs(t, err, netloop.ErrFatal)
	})
}

func TestListenerStop(t *testing.T) {
	t.Run("completes once after every connection stopped", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		f.blocked = true
		f.incoming(t, 3)
		require.Len(t, f.sockets, 3)

		completed := 0
		f.l.Stop(func() { completed++ })
		assert.Equal(t, 1, f.disp.deregistered[1])
		assert.Equal(t, 1, f.acc.closed)
		assertCounts(t, f.l, 0, 3, 0)

		late := &stubConn{}
		f.acc.pending = append(f.acc.pending, late)
		require.NoError(t, f.l.onAccept(netloop.Readable))
		assert.Len(t, f.sockets, 3)

		unblock := func(i int) {
			s := f.sockets[i]
			c := f.connFor(t, s)
			s.blocked = false
			require.NoError(t, c.OnReadiness(netloop.Writable))
		}

		unblock(2)
		assertCounts(t, f.l, 0, 2, 1)
		f.disp.drain()
		assertCounts(t, f.l, 0, 2, 0)
		assert.Zero(t, completed)

		unblock(0)
		unblock(1)
		assert.Zero(t, completed)
		f.disp.drain()
		assert.Equal(t, 1, completed)
		assertCounts(t, f.l, 0, 0, 0)

		f.disp.drain()
		f.l.Stop(func() { completed++ })
		assert.Equal(t, 1, completed)

		for _, s := range f.sockets {
			assert.Equal(t, 1, s.closed)
			assert.Equal(t, string(telnet.Teardown()), s.out.String())
		}
		assert.Len(t, f.world.removed, 3)
		assert.Equal(t, 1, f.acc.closed)
	})

	t.Run("no connections completes synchronously", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		completed := 0
		f.l.Stop(func() { completed++ })
		assert.Equal(t, 1, completed)
	})

	t.Run("idle connections stop at once and are reaped", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		f.incoming(t, 2)

		completed := 0
		f.l.Stop(func() { completed++ })
		assertCounts(t, f.l, 0, 0, 2)
		assert.Zero(t, completed)

		f.disp.drain()
		assert.Equal(t, 1, completed)
		assertCounts(t, f.l, 0, 0, 0)
	})

	t.Run("world stop request disconnects one client", func(t *testing.T) {
		f := newListenerFixture(t, Config{})
		f.incoming(t, 2)

		f.world.clients[0].Stop()
		f.disp.drain()

		assertCounts(t, f.l, 1, 0, 0)
		assert.Equal(t, 1, f.sockets[0].closed)
		assert.Zero(t, f.sockets[1].closed)
	})
}

func TestListenerFree(t *testing.T) {
	f := newListenerFixture(t, Config{})
	f.blocked = true
	f.incoming(t, 2)

	f.l.Free()
	assertCounts(t, f.l, 0, 0, 0)
	for _, s := range f.sockets {
		assert.Equal(t, 1, s.closed)
		assert.Empty(t, s.out.Bytes())
	}
	assert.Equal(t, 1, f.acc.closed)
	assert.Len(t, f.world.removed, 2)

	f.l.Free()
	assert.Equal(t, 1, f.acc.closed)
}
