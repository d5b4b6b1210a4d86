package subscribe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renchris/livequery/subscribe"
)

// manualDeferrer stands in for the event loop's microtask queue so tests
// decide exactly when deferred work runs.
type manualDeferrer struct {
	deferred []func()
}

func (d *manualDeferrer) Defer(fn func()) {
	d.deferred = append(d.deferred, fn)
}

// step runs the oldest deferred function, if any.
func (d *manualDeferrer) step() bool {
	if len(d.deferred) == 0 {
		return false
	}
	fn := d.deferred[0]
	d.deferred = d.deferred[1:]
	fn()
	return true
}

// drain steps until nothing is deferred, including newly deferred work.
func (d *manualDeferrer) drain() {
	for d.step() {
	}
}

// should defer exactly one flush for any number of enqueues in a tick
func TestSchedulerCoalescesFlush(t *testing.T) {
	d := &manualDeferrer{}
	s := subscribe.NewScheduler(d, nil)

	var got []int
	s.Enqueue(func() { got = append(got, 1) })
	s.Enqueue(func() { got = append(got, 2) })
	s.Enqueue(func() { got = append(got, 3) })

	require.Len(t, d.deferred, 1)
	assert.Empty(t, got)

	d.drain()
	assert.Equal(t, []int{1, 2, 3}, got)
}

// should start a new flush cycle for callbacks enqueued mid-flush
func TestSchedulerEnqueueDuringFlush(t *testing.T) {
	d := &manualDeferrer{}
	s := subscribe.NewScheduler(d, nil)

	var got []string
	s.Enqueue(func() {
		got = append(got, "first")
		s.Enqueue(func() { got = append(got, "second") })
	})

	require.True(t, d.step())
	assert.Equal(t, []string{"first"}, got)
	require.Len(t, d.deferred, 1)

	d.drain()
	assert.Equal(t, []string{"first", "second"}, got)
}

// should recover a panicking callback and keep running the batch
func TestSchedulerPanicIsolation(t *testing.T) {
	d := &manualDeferrer{}
	var errs []error
	s := subscribe.NewScheduler(d, func(err error) { errs = append(errs, err) })

	ran := false
	s.Enqueue(func() { panic("render exploded") })
	s.Enqueue(func() { ran = true })
	d.drain()

	assert.True(t, ran)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "render exploded")
}

// should allow a manual flush ahead of the deferred one
func TestSchedulerManualFlush(t *testing.T) {
	d := &manualDeferrer{}
	s := subscribe.NewScheduler(d, nil)

	runs := 0
	s.Enqueue(func() { runs++ })
	s.Flush()
	assert.Equal(t, 1, runs)

	// the deferred flush finds an empty queue
	d.drain()
	assert.Equal(t, 1, runs)
}

// should let a host callback ride the same flush as binding applies
func TestRuntimeSchedulerSharedFlush(t *testing.T) {
	d := &manualDeferrer{}
	var order []string
	rt := subscribe.NewRuntime(d, subscribe.WithRenderFunc(func() { order = append(order, "render") }))
	b := subscribe.New[fakeTx, string](rt)
	src := &fakeSource{}

	b.Render(src, queryConst("x"))
	src.pushQuery(fakeTx{})
	rt.Scheduler().Enqueue(func() { order = append(order, "host") })

	// the queued apply and the host callback share one deferred flush
	require.Len(t, d.deferred, 1)
	d.drain()
	assert.Equal(t, []string{"host", "render"}, order)

	v, ok := b.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "x", v)
}
