package subscribe

// Option adjusts a single Render call. Options are re-evaluated every
// render; only the dependency list participates in transition detection.
type Option[T any] func(*renderOptions[T])

type renderOptions[T any] struct {
	def      T
	deps     []any
	isEqual  func(a, b T) bool
	keepPrev bool
}

func newRenderOptions[T any](opts []Option[T]) renderOptions[T] {
	o := renderOptions[T]{keepPrev: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDefault sets the value resolved while no snapshot or retained
// previous value is available. The zero value of T otherwise.
func WithDefault[T any](def T) Option[T] {
	return func(o *renderOptions[T]) { o.def = def }
}

// WithDeps declares the dependency list for transition detection. Elements
// are compared by identity across renders; a changed element or a changed
// length supersedes the live subscription.
func WithDeps[T any](deps ...any) Option[T] {
	return func(o *renderOptions[T]) { o.deps = deps }
}

// WithIsEqual overrides DefaultEqual as the redundancy-suppression
// predicate on this binding's watch.
func WithIsEqual[T any](eq func(a, b T) bool) Option[T] {
	return func(o *renderOptions[T]) { o.isEqual = eq }
}

// WithKeepPreviousData controls whether the last received value keeps being
// rendered while a superseding subscription waits for its first result.
// Retention is on unless disabled here.
func WithKeepPreviousData[T any](keep bool) Option[T] {
	return func(o *renderOptions[T]) { o.keepPrev = keep }
}
