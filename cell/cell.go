// Package cell ships the smallest useful Source: one mutable value with
// watch delivery. Where store carries a keyspace and durability, a Cell is
// just a slot, which makes it the natural fixture for demos and for
// exercising source switches.
package cell

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/renchris/livequery/subscribe"
)

// Poster posts fn as a task on the goroutine that owns watch delivery.
// *eventloop.Loop satisfies it.
type Poster interface {
	Post(fn func()) error
}

// View is the read view a Cell hands to queries.
type View[V any] struct {
	value   V
	version uint64
}

func (v View[V]) Value() V        { return v.value }
func (v View[V]) Version() uint64 { return v.version }

// Cell holds one watchable value. Set is safe from any goroutine; watch
// queries and deliveries run on the executor goroutine behind the Poster.
type Cell[V any] struct {
	exec    Poster
	onError subscribe.ErrorFunc

	mu            sync.Mutex
	value         V
	version       uint64
	watches       []*watch[V]
	notifyPending bool
}

type watch[V any] struct {
	query   func(View[V]) (any, error)
	onData  func(any)
	onError func(error)
	isEqual func(a, b any) bool
	last    any
	hasLast bool
	done    bool
}

type Option[V any] func(*Cell[V])

// WithErrorFunc routes watch failures without their own OnError, and
// notification posting failures, to fn instead of slog.
func WithErrorFunc[V any](fn subscribe.ErrorFunc) Option[V] {
	return func(c *Cell[V]) { c.onError = fn }
}

func New[V any](exec Poster, initial V, opts ...Option[V]) *Cell[V] {
	c := &Cell[V]{exec: exec, value: initial}
	for _, opt := range opts {
		opt(c)
	}
	if c.onError == nil {
		c.onError = func(err error) {
			slog.Error("cell: watch failed", "error", err)
		}
	}
	return c
}

func (c *Cell[V]) Get() V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set replaces the value, bumps the version, and schedules one
// notification task for the burst.
func (c *Cell[V]) Set(value V) {
	c.mu.Lock()
	c.value = value
	c.version++
	notify := !c.notifyPending
	c.notifyPending = true
	c.mu.Unlock()

	if notify {
		c.post(c.notifyTask)
	}
}

// Subscribe registers query to re-run after every Set, with an
// asynchronous initial run riding the shared notification task, so watches
// opened in the same tick deliver in the same flush. Changed results arrive
// through opts.OnData.
func (c *Cell[V]) Subscribe(query func(tx View[V]) (any, error), opts subscribe.SubscribeOptions) subscribe.UnsubscribeFunc {
	w := &watch[V]{
		query:   query,
		onData:  opts.OnData,
		onError: opts.OnError,
		isEqual: opts.IsEqual,
	}
	if w.isEqual == nil {
		w.isEqual = subscribe.DefaultEqual
	}

	c.mu.Lock()
	c.watches = append(c.watches, w)
	notify := !c.notifyPending
	c.notifyPending = true
	c.mu.Unlock()

	if notify {
		c.post(c.notifyTask)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.drop(w) })
	}
}

func (c *Cell[V]) drop(w *watch[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.done = true
	for i, cur := range c.watches {
		if cur == w {
			c.watches = append(c.watches[:i], c.watches[i+1:]...)
			break
		}
	}
}

func (c *Cell[V]) post(fn func()) {
	if err := c.exec.Post(fn); err != nil {
		c.onError(fmt.Errorf("cell: posting notification: %w", err))
	}
}

func (c *Cell[V]) notifyTask() {
	c.mu.Lock()
	c.notifyPending = false
	ws := make([]*watch[V], len(c.watches))
	copy(ws, c.watches)
	c.mu.Unlock()
	c.runWatches(ws)
}

// runWatches runs on the executor goroutine only.
func (c *Cell[V]) runWatches(ws []*watch[V]) {
	c.mu.Lock()
	view := View[V]{value: c.value, version: c.version}
	live := make([]*watch[V], 0, len(ws))
	for _, w := range ws {
		if !w.done {
			live = append(live, w)
		}
	}
	c.mu.Unlock()

	for _, w := range live {
		result, err := w.query(view)
		if err != nil {
			if w.onError != nil {
				w.onError(err)
			} else {
				c.onError(fmt.Errorf("cell: watch query: %w", err))
			}
			continue
		}
		if w.hasLast && w.isEqual(w.last, result) {
			continue
		}
		w.last = result
		w.hasLast = true
		w.onData(result)
	}
}
