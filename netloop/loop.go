// Package netloop is a single-goroutine readiness dispatcher.
//
// Sockets are wrapped in sources that never block: their Read, Write and
// Accept methods return ErrWouldBlock instead, while pump goroutines taken
// from an ants pool do the blocking I/O and wake the loop whenever a source
// changes state. Every callback, and every function handed to Post, runs on
// the goroutine that called Run, one at a time.
package netloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/tilenet/idgenerator"
	"github.com/cyberinferno/tilenet/logger"
	"github.com/panjf2000/ants/v2"
)

// DefaultPoolSize is the number of pump goroutines a Loop may run at once.
// Each socket uses two, each listener one.
const DefaultPoolSize = 1 << 12

const poolExpiry = 10 * time.Second

var (
	// ErrWouldBlock is returned by non-blocking sources when the operation
	// cannot make progress yet.
	ErrWouldBlock = errors.New("operation would block")

	// ErrFatal marks callback errors that must stop the loop.
	ErrFatal = errors.New("fatal dispatcher error")

	// ErrOverloaded is returned when the pump pool has no free worker.
	ErrOverloaded = errors.New("dispatcher pool overloaded")

	// ErrClosed is returned when the loop has been closed.
	ErrClosed = errors.New("dispatcher closed")
)

// Interest selects which readiness a registration is told about.
type Interest uint8

const (
	InterestRead  Interest = 1
	InterestWrite Interest = 2
)

// Readiness is the state reported to a callback.
type Readiness uint8

const (
	Readable Readiness = 1
	Writable Readiness = 2
	Errored  Readiness = 4
)

// Has reports whether all bits of f are set.
func (r Readiness) Has(f Readiness) bool {
	return r&f == f
}

// Handle identifies a registration.
type Handle uint64

// Callback is invoked on the loop goroutine when a registered source changed
// state. Returning an error wrapping ErrFatal stops Run; other errors are
// logged.
type Callback func(Readiness) error

// Waker is handed to a Source when it is registered.
type Waker interface {
	// Wake schedules a dispatch of the source. Safe from any goroutine;
	// wakes arriving before the dispatch runs are merged.
	Wake()
	// Go runs fn on the loop's pump pool.
	Go(fn func()) error
}

// Source is something the loop can watch.
type Source interface {
	// Ready reports the current state without blocking.
	Ready() Readiness
	// Watch starts reporting state changes to w.
	Watch(w Waker) error
	// Unwatch stops reporting state changes.
	Unwatch()
}

type registration struct {
	loop     *Loop
	handle   Handle
	src      Source
	interest Interest
	cb       Callback

	pending atomic.Bool
	removed bool
}

func (r *registration) Wake() {
	if r.pending.CompareAndSwap(false, true) {
		r.loop.enqueue(func() error { return r.loop.dispatch(r) })
	}
}

func (r *registration) Go(fn func()) error {
	return r.loop.Go(fn)
}

// Option configures a Loop.
type Option func(*options)

type options struct {
	poolSize int
}

// WithPoolSize sets the pump pool capacity, which bounds the number of live
// sockets.
func WithPoolSize(n int) Option {
	return func(o *options) {
		o.poolSize = n
	}
}

// Loop dispatches readiness callbacks and posted functions on one goroutine.
// Register and Deregister must be called on that goroutine, or before Run.
type Loop struct {
	log     logger.Logger
	pool    *ants.Pool
	handles *idgenerator.Sequence[Handle]
	regs    map[Handle]*registration
	pumps   sync.WaitGroup

	mu     sync.Mutex
	queue  []func() error
	closed bool
	kick   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a Loop.
//
// Parameters:
//   - log: Logger for callback failures and pump panics
//   - opts: Optional settings
//
// Returns:
//   - The Loop, or an error if the pump pool could not be created
func New(log logger.Logger, opts ...Option) (*Loop, error) {
	o := options{poolSize: DefaultPoolSize}
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := ants.NewPool(o.poolSize, ants.WithOptions(ants.Options{
		ExpiryDuration: poolExpiry,
		Nonblocking:    true,
		PanicHandler: func(p interface{}) {
			log.Error("panic in pump", logger.Field{Key: "panic", Value: p}, logger.Field{Key: "stack", Value: string(debug.Stack())})
		},
	}))
	if err != nil {
		return nil, fmt.Errorf("create pump pool: %w", err)
	}

	return &Loop{
		log:     log,
		pool:    pool,
		handles: idgenerator.NewSequence[Handle](0),
		regs:    make(map[Handle]*registration),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Register starts watching src. The callback is run once soon after, so a
// source that is already ready is not missed.
//
// Parameters:
//   - src: The source to watch
//   - interest: Which readiness to report; Errored is always reported
//   - cb: The callback
//
// Returns:
//   - The registration handle, or an error if the loop is closed or the
//     source refused to be watched
func (l *Loop) Register(src Source, interest Interest, cb Callback) (Handle, error) {
	if l.isClosed() {
		return 0, ErrClosed
	}

	r := &registration{
		loop:     l,
		handle:   l.handles.Next(),
		src:      src,
		interest: interest,
		cb:       cb,
	}
	if err := src.Watch(r); err != nil {
		return 0, fmt.Errorf("watch source: %w", err)
	}

	l.regs[r.handle] = r
	r.Wake()
	return r.handle, nil
}

// Deregister stops watching the source behind h. Wakes already queued for it
// are dropped. Unknown handles are ignored.
func (l *Loop) Deregister(h Handle) {
	r, ok := l.regs[h]
	if !ok {
		return
	}

	delete(l.regs, h)
	r.removed = true
	r.src.Unwatch()
}

// Registrations returns the number of live registrations.
func (l *Loop) Registrations() int {
	return len(l.regs)
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
//
// Returns:
//   - false if the loop is closed and fn will never run
func (l *Loop) Post(fn func()) bool {
	return l.enqueue(func() error {
		fn()
		return nil
	})
}

// Go runs fn on the pump pool.
//
// Returns:
//   - ErrOverloaded if every worker is busy, ErrClosed after Close
func (l *Loop) Go(fn func()) error {
	l.pumps.Add(1)
	err := l.pool.Submit(func() {
		defer l.pumps.Done()
		fn()
	})
	if err != nil {
		l.pumps.Done()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrOverloaded
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrClosed
	default:
		return fmt.Errorf("submit pump: %w", err)
	}
}

// Run processes wakes and posted functions until ctx is done, Close is
// called, or a callback returns an error wrapping ErrFatal.
//
// Returns:
//   - The fatal callback error, ctx.Err(), or nil after Close
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := l.take()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.done:
				return nil
			case <-l.kick:
			}
			continue
		}

		for _, fn := range batch {
			if err := fn(); err != nil {
				return err
			}
		}
	}
}

// Wait blocks until every function started with Go has returned, or ctx is
// done. Sockets closed with Conn.Close finish within their linger time, so
// waiting after closing them makes sure queued bytes reached the kernel.
//
// Returns:
//   - nil, or ctx.Err() if pumps were still running
func (l *Loop) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops Run, drops queued work and releases the pump pool. Pumps that
// are running finish on their own once their sockets are closed.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()

		close(l.done)
		l.pool.Release()
	})
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) enqueue(fn func() error) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.kick <- struct{}{}:
	default:
	}

	return true
}

func (l *Loop) take() []func() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) dispatch(r *registration) error {
	r.pending.Store(false)
	if r.removed {
		return nil
	}

	ready := r.src.Ready() & (Readiness(r.interest) | Errored)
	if ready == 0 {
		return nil
	}

	if err := r.cb(ready); err != nil {
		if errors.Is(err, ErrFatal) {
			return err
		}
		l.log.Warn("callback failed", logger.Field{Key: "handle", Value: uint64(r.handle)}, logger.Field{Key: "error", Value: err})
	}

	return nil
}
