package subscribe

import (
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
)

// binder is the untyped view of a Binding held by its runtime.
type binder interface {
	dispose()
}

// Runtime owns the shared render plumbing for one render tree: the batch
// scheduler, the error sink, the host's render-pass hook, and the registry
// of live bindings. All methods run on the runtime's goroutine, the one
// driving its Deferrer.
type Runtime struct {
	sched    *Scheduler
	onError  ErrorFunc
	onRender func()

	bindings      mapset.Set[binder]
	renderPending bool
	closed        bool
}

type RuntimeOption func(*Runtime)

// WithErrorFunc replaces the default slog error sink.
func WithErrorFunc(fn ErrorFunc) RuntimeOption {
	return func(rt *Runtime) { rt.onError = fn }
}

// WithRenderFunc installs the host's render pass. After a flush that
// committed at least one snapshot, the runtime calls fn exactly once; the
// host re-renders every binding it owns from there.
func WithRenderFunc(fn func()) RuntimeOption {
	return func(rt *Runtime) { rt.onRender = fn }
}

func NewRuntime(d Deferrer, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{bindings: mapset.NewThreadUnsafeSet[binder]()}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.onError == nil {
		rt.onError = func(err error) {
			slog.Error("subscribe: runtime error", "error", err)
		}
	}
	rt.sched = NewScheduler(d, rt.onError)
	rt.sched.afterFlush = rt.renderPass
	return rt
}

// Scheduler exposes the runtime's batch scheduler for hosts that want to
// ride the same flush cycle with their own callbacks.
func (rt *Runtime) Scheduler() *Scheduler {
	return rt.sched
}

func (rt *Runtime) renderPass() {
	if !rt.renderPending {
		return
	}
	rt.renderPending = false
	if rt.onRender != nil {
		rt.onRender()
	}
}

// invalidate records that a snapshot changed during the current flush.
func (rt *Runtime) invalidate() {
	rt.renderPending = true
}

func (rt *Runtime) add(b binder)    { rt.bindings.Add(b) }
func (rt *Runtime) remove(b binder) { rt.bindings.Remove(b) }

func (rt *Runtime) report(err error) {
	rt.onError(err)
}

// Close disposes every live binding. Renders on a disposed binding resolve
// to their defaults and no further render passes fire.
func (rt *Runtime) Close() {
	if rt.closed {
		return
	}
	rt.closed = true
	rt.bindings.Each(func(b binder) bool {
		b.dispose()
		return false
	})
	rt.bindings.Clear()
	rt.renderPending = false
}
