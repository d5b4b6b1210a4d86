// Package subscribe keeps host-rendered values in sync with live queries
// against a watchable data source. A Binding declares "render the latest
// result of this query"; the package owns the subscription lifecycle, drops
// stale deliveries, batches same-tick commits into one render pass, and can
// keep showing the previous value while a replacement subscription waits
// for its first result.
package subscribe

import "fmt"

// Binding ties one declared query to one live subscription and resolves the
// value its host should render right now. All methods run on the runtime's
// goroutine.
//
// Each Render call reconciles the declaration: the same source identity and
// dependency list reuse the live subscription untouched, while any change
// supersedes it. Supersession bumps a generation counter; a result coming
// out of a superseded subscription fails the generation check, at delivery
// or at apply time, and is dropped without a trace.
type Binding[Tx any, T any] struct {
	rt    *Runtime
	alive bool

	committed bool
	source    Source[Tx]
	deps      []any

	gen         int
	unsubscribe UnsubscribeFunc

	snapshot    T
	hasSnapshot bool
	prev        T
	hasPrev     bool
}

// New registers a fresh binding with rt. Close it when its host goes away,
// or close the runtime to dispose every binding at once.
func New[Tx any, T any](rt *Runtime) *Binding[Tx, T] {
	b := &Binding[Tx, T]{rt: rt, alive: true}
	rt.add(b)
	return b
}

// Render reconciles the binding against (source, query, opts) and returns
// the value to render. A nil source subscribes to nothing and resolves
// through the default/retention rules; a source or dependency change tears
// the old subscription down and starts a new generation. Render never
// panics on account of source behavior.
func (b *Binding[Tx, T]) Render(source Source[Tx], query Query[Tx, T], opts ...Option[T]) T {
	o := newRenderOptions(opts)
	if !b.alive {
		return o.def
	}

	transition := b.committed && !b.matches(source, o.deps)
	if transition {
		b.teardown(o.keepPrev)
	}
	if !b.committed || transition {
		b.source = source
		b.deps = append([]any(nil), o.deps...)
		b.committed = true
		if source != nil {
			b.subscribe(source, query, o)
		}
	}
	return b.resolve(o, transition)
}

// matches compares the declared (source, deps) against the identity
// committed by the last subscription setup.
func (b *Binding[Tx, T]) matches(source Source[Tx], deps []any) bool {
	if !identical(b.source, source) {
		return false
	}
	if len(b.deps) != len(deps) {
		return false
	}
	for i := range deps {
		if !identical(b.deps[i], deps[i]) {
			return false
		}
	}
	return true
}

func (b *Binding[Tx, T]) subscribe(source Source[Tx], query Query[Tx, T], o renderOptions[T]) {
	gen := b.gen
	b.unsubscribe = source.Subscribe(func(tx Tx) (any, error) {
		return query(tx)
	}, SubscribeOptions{
		OnData:  func(data any) { b.deliver(gen, data) },
		OnError: func(err error) { b.rt.report(err) },
		IsEqual: b.equalFunc(o),
	})
}

func (b *Binding[Tx, T]) equalFunc(o renderOptions[T]) func(x, y any) bool {
	if o.isEqual == nil {
		return DefaultEqual
	}
	eq := o.isEqual
	return func(x, y any) bool {
		xv, xok := x.(T)
		yv, yok := y.(T)
		if !xok || !yok {
			return false
		}
		return eq(xv, yv)
	}
}

// deliver receives a pushed result on the runtime goroutine. The value is
// recorded in the previous-value cache immediately but committed as the
// snapshot only during the next flush.
func (b *Binding[Tx, T]) deliver(gen int, data any) {
	if !b.alive || gen != b.gen {
		return
	}
	v, ok := data.(T)
	if !ok {
		if data != nil {
			var want T
			b.rt.report(fmt.Errorf("subscribe: query result is %T, binding wants %T", data, want))
			return
		}
		// untyped nil from the source: the zero value is the typed nil the
		// query meant, and it counts as real data
	}
	b.prev = v
	b.hasPrev = true
	b.rt.sched.Enqueue(func() { b.apply(gen, v) })
}

// apply commits v as the snapshot during a flush. The generation is checked
// again here: a delivery can pass the check, then lose its subscription to
// a transition while still queued, and such a value must not land.
func (b *Binding[Tx, T]) apply(gen int, v T) {
	if !b.alive || gen != b.gen {
		return
	}
	b.snapshot = v
	b.hasSnapshot = true
	b.rt.invalidate()
}

// resolve picks the rendered value: a transition with retention disabled
// shows the default, a committed snapshot wins otherwise, then the retained
// previous value, then the default.
func (b *Binding[Tx, T]) resolve(o renderOptions[T], transition bool) T {
	switch {
	case transition && !o.keepPrev:
		return o.def
	case b.hasSnapshot:
		return b.snapshot
	case o.keepPrev && b.hasPrev:
		return b.prev
	default:
		return o.def
	}
}

// teardown supersedes the current subscription. The generation bump lives
// here rather than in subscribe so that results of the old subscription are
// stale even when no new subscription follows, as with a nil source.
func (b *Binding[Tx, T]) teardown(keepPrev bool) {
	b.gen++
	if b.unsubscribe != nil {
		unsub := b.unsubscribe
		b.unsubscribe = nil
		unsub()
	}
	if !keepPrev {
		var zero T
		b.snapshot, b.hasSnapshot = zero, false
		b.prev, b.hasPrev = zero, false
	}
}

// Snapshot returns the committed value and whether one exists. A nil
// pointer committed by a query is present, distinct from no value at all.
func (b *Binding[Tx, T]) Snapshot() (T, bool) {
	return b.snapshot, b.hasSnapshot
}

// Close tears the binding down: the live subscription is cancelled, the
// snapshot and retained value are released, and the binding leaves its
// runtime. Renders after Close resolve to the default. Idempotent.
func (b *Binding[Tx, T]) Close() {
	if !b.alive {
		return
	}
	b.dispose()
	b.rt.remove(b)
}

// dispose is Close minus runtime deregistration; Runtime.Close uses it
// while iterating the registry.
func (b *Binding[Tx, T]) dispose() {
	b.alive = false
	if b.unsubscribe != nil {
		unsub := b.unsubscribe
		b.unsubscribe = nil
		unsub()
	}
	var zero T
	b.snapshot, b.hasSnapshot = zero, false
	b.prev, b.hasPrev = zero, false
	b.source = nil
	b.deps = nil
}
