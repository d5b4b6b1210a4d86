package subscribe_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renchris/livequery/subscribe"
)

type fakeTx struct{}

// fakeSource records subscription traffic and lets tests push results by
// hand, so delivery and flush timing are fully scripted.
type fakeSource struct {
	subscribed   int
	unsubscribed int
	query        func(tx fakeTx) (any, error)
	opts         subscribe.SubscribeOptions
}

func (f *fakeSource) Subscribe(query func(tx fakeTx) (any, error), opts subscribe.SubscribeOptions) subscribe.UnsubscribeFunc {
	f.subscribed++
	f.query = query
	f.opts = opts
	return func() { f.unsubscribed++ }
}

// push delivers data through the current watch.
func (f *fakeSource) push(data any) { f.opts.OnData(data) }

// pushQuery runs the current watch's query against tx and delivers the
// outcome the way a real source would.
func (f *fakeSource) pushQuery(tx fakeTx) {
	result, err := f.query(tx)
	if err != nil {
		if f.opts.OnError != nil {
			f.opts.OnError(err)
		}
		return
	}
	f.opts.OnData(result)
}

func queryConst(s string) subscribe.Query[fakeTx, string] {
	return func(fakeTx) (string, error) { return s, nil }
}

// should resolve the default while the source is absent, then subscribe
// once it appears
func TestRenderAbsentSource(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)

	got := b.Render(nil, queryConst("x"), subscribe.WithDefault("none"))
	assert.Equal(t, "none", got)
	_, ok := b.Snapshot()
	assert.False(t, ok)

	src := &fakeSource{}
	got = b.Render(src, queryConst("x"), subscribe.WithDefault("none"))
	assert.Equal(t, "none", got)
	assert.Equal(t, 1, src.subscribed)
}

// should show pushed data and fire one render pass after the flush
func TestRenderInitialData(t *testing.T) {
	d := &manualDeferrer{}
	renders := 0
	rt := subscribe.NewRuntime(d, subscribe.WithRenderFunc(func() { renders++ }))
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	got := b.Render(src, queryConst("hello"), subscribe.WithDefault("start"))
	assert.Equal(t, "start", got)

	src.pushQuery(fakeTx{})
	// received but not yet committed
	_, ok := b.Snapshot()
	assert.False(t, ok)
	assert.Equal(t, 0, renders)

	d.drain()
	v, ok := b.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 1, renders)
	assert.Equal(t, "hello", b.Render(src, queryConst("hello"), subscribe.WithDefault("start")))
}

// should reuse the live subscription when identity is unchanged
func TestRenderSameIdentityReuses(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	for i := 0; i < 5; i++ {
		b.Render(src, queryConst("x"), subscribe.WithDeps[string]("k", 42))
	}
	assert.Equal(t, 1, src.subscribed)
	assert.Equal(t, 0, src.unsubscribed)
}

// should tear down exactly once and resubscribe when a dependency changes
func TestRenderDepChange(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"), subscribe.WithDeps[string]("a"))
	stalePush := src.opts.OnData

	b.Render(src, queryConst("x"), subscribe.WithDeps[string]("b"))
	assert.Equal(t, 2, src.subscribed)
	assert.Equal(t, 1, src.unsubscribed)

	// a straggler from the superseded subscription is dropped silently
	stalePush("stale")
	d.drain()
	_, ok := b.Snapshot()
	assert.False(t, ok)
}

// should treat a changed dependency count as a transition
func TestRenderDepLengthChange(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"), subscribe.WithDeps[string]("a"))
	b.Render(src, queryConst("x"), subscribe.WithDeps[string]("a", "b"))
	assert.Equal(t, 2, src.subscribed)
}

// should drop a queued apply whose subscription was superseded before the
// flush
func TestRenderNoFlash(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"), subscribe.WithDeps[string]("a"))
	src.push("old")

	// supersede while the apply is still queued, with retention off
	got := b.Render(src, queryConst("x"),
		subscribe.WithDeps[string]("b"),
		subscribe.WithDefault("fresh"),
		subscribe.WithKeepPreviousData[string](false))
	assert.Equal(t, "fresh", got)

	d.drain()
	_, ok := b.Snapshot()
	assert.False(t, ok)
	got = b.Render(src, queryConst("x"),
		subscribe.WithDeps[string]("b"),
		subscribe.WithDefault("fresh"),
		subscribe.WithKeepPreviousData[string](false))
	assert.Equal(t, "fresh", got)
}

// should drop a queued apply when the source itself goes away
func TestRenderSourceRemoved(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"))
	src.push("old")

	got := b.Render(nil, queryConst("x"),
		subscribe.WithDefault("none"),
		subscribe.WithKeepPreviousData[string](false))
	assert.Equal(t, "none", got)
	assert.Equal(t, 1, src.unsubscribed)

	d.drain()
	_, ok := b.Snapshot()
	assert.False(t, ok)
}

// should keep showing the old value across a source switch until the new
// subscription delivers
func TestRenderKeepPreviousData(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	srcA := &fakeSource{}
	srcB := &fakeSource{}

	b.Render(srcA, queryConst("a1"))
	srcA.pushQuery(fakeTx{})
	d.drain()
	assert.Equal(t, "a1", b.Render(srcA, queryConst("a1")))

	got := b.Render(srcB, queryConst("b1"))
	assert.Equal(t, "a1", got)
	assert.Equal(t, 1, srcA.unsubscribed)
	assert.Equal(t, 1, srcB.subscribed)

	srcB.pushQuery(fakeTx{})
	d.drain()
	assert.Equal(t, "b1", b.Render(srcB, queryConst("b1")))
}

// should reset to the default on a source switch when retention is off
func TestRenderResetWithoutRetention(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	srcA := &fakeSource{}
	srcB := &fakeSource{}

	b.Render(srcA, queryConst("a1"), subscribe.WithKeepPreviousData[string](false))
	srcA.pushQuery(fakeTx{})
	d.drain()

	got := b.Render(srcB, queryConst("b1"),
		subscribe.WithDefault("empty"),
		subscribe.WithKeepPreviousData[string](false))
	assert.Equal(t, "empty", got)

	srcB.pushQuery(fakeTx{})
	d.drain()
	got = b.Render(srcB, queryConst("b1"),
		subscribe.WithDefault("empty"),
		subscribe.WithKeepPreviousData[string](false))
	assert.Equal(t, "b1", got)
}

// should settle on the last of a rapid source chain
func TestRenderRapidChainSettles(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	srcA := &fakeSource{}
	srcB := &fakeSource{}
	srcC := &fakeSource{}

	b.Render(srcA, queryConst("a1"))
	srcA.pushQuery(fakeTx{})
	d.drain()

	b.Render(srcB, queryConst("b1"))
	srcB.pushQuery(fakeTx{})
	// C supersedes B while b1 is still queued
	b.Render(srcC, queryConst("c1"))
	d.drain()

	v, ok := b.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "a1", v)

	srcC.pushQuery(fakeTx{})
	d.drain()
	assert.Equal(t, "c1", b.Render(srcC, queryConst("c1")))
	assert.Equal(t, 1, srcA.unsubscribed)
	assert.Equal(t, 1, srcB.unsubscribed)
	assert.Equal(t, 0, srcC.unsubscribed)
}

// should unsubscribe exactly once on Close and ignore later deliveries
func TestRenderClose(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"))
	src.push("live")
	b.Close()
	b.Close()
	assert.Equal(t, 1, src.unsubscribed)

	src.push("dead")
	d.drain()
	_, ok := b.Snapshot()
	assert.False(t, ok)
	assert.Equal(t, "gone", b.Render(src, queryConst("x"), subscribe.WithDefault("gone")))
}

// should treat a nil result as real data, not absence
func TestRenderNilIsData(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, *string](rt)
	src := &fakeSource{}

	fallback := "fallback"
	b.Render(src, func(fakeTx) (*string, error) { return nil, nil },
		subscribe.WithDefault(&fallback))

	src.pushQuery(fakeTx{})
	d.drain()

	v, ok := b.Snapshot()
	require.True(t, ok)
	assert.Nil(t, v)
	got := b.Render(src, func(fakeTx) (*string, error) { return nil, nil },
		subscribe.WithDefault(&fallback))
	assert.Nil(t, got)
}

// should commit snapshots from one change in a single render pass across
// bindings
func TestRenderBatchesAcrossBindings(t *testing.T) {
	d := &manualDeferrer{}
	renders := 0
	rt := subscribe.NewRuntime(d, subscribe.WithRenderFunc(func() { renders++ }))
	parent := subscribe.New[fakeTx, string](rt)
	child := subscribe.New[fakeTx, string](rt)
	srcP := &fakeSource{}
	srcC := &fakeSource{}

	parent.Render(srcP, queryConst("p"))
	child.Render(srcC, queryConst("c"))

	// both deliveries land in the same tick
	srcP.pushQuery(fakeTx{})
	srcC.pushQuery(fakeTx{})
	require.Len(t, d.deferred, 1)
	d.drain()

	assert.Equal(t, 1, renders)
	pv, _ := parent.Snapshot()
	cv, _ := child.Snapshot()
	assert.Equal(t, "p", pv)
	assert.Equal(t, "c", cv)
}

// should route query errors to the runtime error sink and keep the watch
func TestRenderQueryError(t *testing.T) {
	d := &manualDeferrer{}
	var errs []error
	rt := subscribe.NewRuntime(d, subscribe.WithErrorFunc(func(err error) { errs = append(errs, err) }))
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	boom := errors.New("query exploded")
	failing := func(fakeTx) (string, error) { return "", boom }
	b.Render(src, failing, subscribe.WithDefault("safe"))

	src.pushQuery(fakeTx{})
	d.drain()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, "safe", b.Render(src, failing, subscribe.WithDefault("safe")))
}

// should report a delivery whose type does not match the binding
func TestRenderTypeMismatch(t *testing.T) {
	d := &manualDeferrer{}
	var errs []error
	rt := subscribe.NewRuntime(d, subscribe.WithErrorFunc(func(err error) { errs = append(errs, err) }))
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"))
	src.push(42)
	d.drain()

	require.Len(t, errs, 1)
	_, ok := b.Snapshot()
	assert.False(t, ok)
}

// should pass a custom equality predicate through to the source
func TestRenderIsEqualForwarded(t *testing.T) {
	d := &manualDeferrer{}
	rt := subscribe.NewRuntime(d)
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"), subscribe.WithIsEqual[string](func(a, b string) bool {
		return len(a) == len(b)
	}))

	require.NotNil(t, src.opts.IsEqual)
	assert.True(t, src.opts.IsEqual("aa", "bb"))
	assert.False(t, src.opts.IsEqual("aa", "bbb"))
	// mismatched payload types never compare equal
	assert.False(t, src.opts.IsEqual("aa", 7))
}

// should dispose all bindings when the runtime closes
func TestRuntimeClose(t *testing.T) {
	d := &manualDeferrer{}
	renders := 0
	rt := subscribe.NewRuntime(d, subscribe.WithRenderFunc(func() { renders++ }))
	b1 := subscribe.New[fakeTx, string](rt)
	b2 := subscribe.New[fakeTx, string](rt)
	src1 := &fakeSource{}
	src2 := &fakeSource{}

	b1.Render(src1, queryConst("x"))
	b2.Render(src2, queryConst("y"))
	src1.push("x")
	rt.Close()

	assert.Equal(t, 1, src1.unsubscribed)
	assert.Equal(t, 1, src2.unsubscribed)

	d.drain()
	assert.Equal(t, 0, renders)
	assert.Equal(t, "d", b1.Render(src1, queryConst("x"), subscribe.WithDefault("d")))
}
