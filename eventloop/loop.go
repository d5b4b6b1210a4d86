// Package eventloop runs tasks on a single goroutine with JS-style
// microtask checkpoints: after every task the microtask queue is drained,
// including microtasks enqueued mid-drain, before the next task starts.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

var (
	// ErrClosed is returned when work is posted to a closed loop.
	ErrClosed = errors.New("eventloop: loop is closed")

	// ErrRunning is returned when Run is called on a loop that is already running.
	ErrRunning = errors.New("eventloop: loop is already running")

	// ErrNotOnLoop reports a loop-goroutine-only call made from elsewhere.
	ErrNotOnLoop = errors.New("eventloop: caller is not on the loop goroutine")

	// ErrOnLoop is returned when a blocking call would deadlock the loop.
	ErrOnLoop = errors.New("eventloop: cannot block on the loop goroutine")
)

type Option func(*Loop)

// WithErrorFunc routes recovered task panics to fn instead of slog.
func WithErrorFunc(fn func(error)) Option {
	return func(l *Loop) {
		l.onError = fn
	}
}

// Loop is a single-threaded executor. One goroutine calls Run; any
// goroutine may Post tasks. Tasks posted from the loop goroutine itself run
// ahead of externally posted work, so a task chain settles before the loop
// picks up new outside input.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	running atomic.Bool
	gid     atomic.Int64

	// owned by the loop goroutine
	pending []func()
	batch   []func()
	micro   []func()

	onError func(error)
}

func New(opts ...Option) *Loop {
	l := &Loop{wake: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(l)
	}
	if l.onError == nil {
		l.onError = func(err error) {
			slog.Error("eventloop task failed", "error", err)
		}
	}
	return l
}

// Run executes tasks until the loop is closed and drained, or ctx is
// cancelled. It returns nil after a clean Close and ctx.Err() on
// cancellation. Pending external work is abandoned on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	l.gid.Store(goid.Get())
	defer func() {
		l.gid.Store(0)
		l.running.Store(false)
	}()

	for {
		fn, ok, err := l.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		l.exec(fn)
		l.drainMicro()
	}
}

// next returns the next task, preferring loop-posted work over the external
// batch even when both are populated, so continuation chains finish before
// the loop moves on within a swapped batch. ok is false once the loop is
// closed and every queue is empty.
func (l *Loop) next(ctx context.Context) (fn func(), ok bool, err error) {
	for {
		if len(l.pending) > 0 {
			fn := l.pending[0]
			l.pending[0] = nil
			l.pending = l.pending[1:]
			return fn, true, nil
		}
		l.pending = nil

		if len(l.batch) > 0 {
			fn := l.batch[0]
			l.batch[0] = nil
			l.batch = l.batch[1:]
			return fn, true, nil
		}
		l.batch = nil

		l.mu.Lock()
		if len(l.queue) > 0 {
			l.batch = l.queue
			l.queue = nil
			l.mu.Unlock()
			continue
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-l.wake:
		}
	}
}

// Post enqueues fn as a task. From the loop goroutine it lands on the
// loop-local queue, which keeps continuation chains ahead of outside work;
// from any other goroutine it lands on the external queue and wakes the
// loop. Posting to a closed loop returns ErrClosed, except from the loop
// goroutine itself, where in-flight continuations are still accepted while
// the loop drains.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return errors.New("eventloop: nil task")
	}
	if l.OnLoop() {
		l.pending = append(l.pending, fn)
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Defer enqueues fn on the microtask queue: it runs after the current task
// finishes and before the next task starts. Microtasks deferred while
// draining run in the same checkpoint. Loop goroutine only; calling Defer
// from any other goroutine panics with ErrNotOnLoop.
func (l *Loop) Defer(fn func()) {
	if !l.OnLoop() {
		panic(ErrNotOnLoop)
	}
	l.micro = append(l.micro, fn)
}

func (l *Loop) drainMicro() {
	for len(l.micro) > 0 {
		fn := l.micro[0]
		l.micro[0] = nil
		l.micro = l.micro[1:]
		l.exec(fn)
	}
	l.micro = nil
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.onError(fmt.Errorf("eventloop: task panicked: %v", r))
		}
	}()
	fn()
}

// OnLoop reports whether the caller is on the running loop's goroutine.
func (l *Loop) OnLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == goid.Get()
}

// Close stops the loop once already-queued work and its loop-posted
// continuations finish. Safe to call more than once, from any goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Settle blocks until every task posted before the call, together with all
// work those tasks transitively posted on the loop, has executed. It is the
// deterministic alternative to sleeping in tests and shutdown paths.
func (l *Loop) Settle(ctx context.Context) error {
	if l.OnLoop() {
		return ErrOnLoop
	}
	done := make(chan struct{})
	if err := l.Post(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
