package subscribe

// Query reads a result of type T from a source's transaction view. Queries
// are plain functions: identity never matters, only (source, dependency
// list) identity governs the subscription lifecycle.
type Query[Tx any, T any] func(tx Tx) (T, error)

// UnsubscribeFunc terminates a watch. The core calls it at most once per
// subscription; sources must tolerate repeat calls.
type UnsubscribeFunc func()

// SubscribeOptions carries the callbacks a Source drives for one watch.
type SubscribeOptions struct {
	// OnData delivers a fresh query result. Sources call it asynchronously
	// on the runtime's goroutine, never from inside Subscribe itself, zero
	// or more times for the life of the watch.
	OnData func(data any)

	// OnError receives query execution failures. The watch stays live and
	// retries on the next change.
	OnError func(err error)

	// IsEqual lets the source suppress deliveries equal to the previous
	// one. Nil means the source's own default applies.
	IsEqual func(a, b any) bool
}

// Source is a watchable data container. Tx is the read-transaction view
// handed to queries. Bindings compare sources by identity, so a Source
// should be a pointer; a value type whose dynamic type is not comparable is
// treated as a different source on every render.
type Source[Tx any] interface {
	Subscribe(query func(tx Tx) (any, error), opts SubscribeOptions) UnsubscribeFunc
}
