package subscribe

import (
	"fmt"
	"log/slog"
)

// ErrorFunc receives failures the runtime would otherwise swallow:
// panicking render callbacks and query errors surfaced by sources.
type ErrorFunc func(err error)

// Deferrer schedules fn to run once the work currently executing on the
// runtime's goroutine completes, before the next task starts. An
// eventloop.Loop implements it with its microtask queue.
type Deferrer interface {
	Defer(fn func())
}

// Scheduler coalesces render callbacks: any number of Enqueue calls during
// one task produce exactly one deferred Flush, so every snapshot committed
// in that tick lands in the same render pass.
type Scheduler struct {
	deferrer   Deferrer
	onError    ErrorFunc
	afterFlush func()

	callbacks []func()
	scheduled bool
}

func NewScheduler(d Deferrer, onError ErrorFunc) *Scheduler {
	return &Scheduler{deferrer: d, onError: onError}
}

// Enqueue appends cb to the pending queue and schedules a flush if none is
// scheduled yet. Callbacks enqueued while a flush is running start a fresh
// cycle rather than extending the current one.
func (s *Scheduler) Enqueue(cb func()) {
	s.callbacks = append(s.callbacks, cb)
	if s.scheduled {
		return
	}
	s.scheduled = true
	s.deferrer.Defer(s.Flush)
}

// Flush runs the callbacks pending at entry, in enqueue order. Each
// callback is isolated: a panic is recovered and reported without stopping
// the rest of the batch.
func (s *Scheduler) Flush() {
	cbs := s.callbacks
	s.callbacks = nil
	s.scheduled = false
	for _, cb := range cbs {
		s.invoke(cb)
	}
	if s.afterFlush != nil {
		s.invoke(s.afterFlush)
	}
}

func (s *Scheduler) invoke(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			s.report(fmt.Errorf("subscribe: render callback panicked: %v", r))
		}
	}()
	cb()
}

func (s *Scheduler) report(err error) {
	if s.onError != nil {
		s.onError(err)
		return
	}
	slog.Error("subscribe: render callback failed", "error", err)
}
