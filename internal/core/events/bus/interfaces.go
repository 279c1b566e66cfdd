package bus

// Subscription is the handle returned by Registry.Subscribe.
//
// Unsubscribe is safe to call more than once and from inside the handler the
// subscription belongs to.
type Subscription interface {
	// ID is a unique identifier for this subscription.
	ID() string
	// IsActive reports whether this subscription is still registered.
	IsActive() bool
	// Unsubscribe de-registers the handler.
	Unsubscribe()
}

// Handler is a user callback invoked once per emitted update. The handler
// receives its own subscription so it can deregister itself.
type Handler[T any] func(update T, sub Subscription)
