package bus

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type subscription[E comparable, T any] struct {
	id      string
	seq     uint64
	event   E
	handler Handler[T]
	active  atomic.Bool
	owner   *Registry[E, T]
}

func (s *subscription[E, T]) ID() string     { return s.id }
func (s *subscription[E, T]) IsActive() bool { return s.active.Load() }
func (s *subscription[E, T]) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.owner.remove(s.event, s.id)
}

// Registry is a thread-safe set of handlers keyed by event name.
//
// Emit copies the matching handlers under the read lock and calls them after
// releasing it, in subscription order, on the caller's goroutine. Handlers may
// therefore subscribe or unsubscribe without deadlocking.
type Registry[E comparable, T any] struct {
	mu       sync.RWMutex
	handlers map[E]map[string]*subscription[E, T]
	nextSeq  uint64
}

// New creates an empty registry.
func New[E comparable, T any]() *Registry[E, T] {
	return &Registry[E, T]{
		handlers: make(map[E]map[string]*subscription[E, T]),
	}
}

// Subscribe registers handler for event.
func (r *Registry[E, T]) Subscribe(event E, handler Handler[T]) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[event] == nil {
		r.handlers[event] = make(map[string]*subscription[E, T])
	}
	r.nextSeq++
	s := &subscription[E, T]{
		id:      uuid.NewString(),
		seq:     r.nextSeq,
		event:   event,
		handler: handler,
		owner:   r,
	}
	s.active.Store(true)
	r.handlers[event][s.id] = s
	return s
}

// Off removes every handler registered for event.
func (r *Registry[E, T]) Off(event E) {
	r.mu.Lock()
	subs := r.handlers[event]
	delete(r.handlers, event)
	r.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}
}

// UnsubscribeAll removes every handler of every event.
func (r *Registry[E, T]) UnsubscribeAll() {
	r.mu.Lock()
	all := r.handlers
	r.handlers = make(map[E]map[string]*subscription[E, T])
	r.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
}

// Len returns the number of active handlers for event.
func (r *Registry[E, T]) Len(event E) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Emit delivers update to every handler of event.
func (r *Registry[E, T]) Emit(event E, update T) {
	r.mu.RLock()
	m := r.handlers[event]
	subs := make([]*subscription[E, T], 0, len(m))
	for _, s := range m {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	for _, s := range subs {
		if !s.IsActive() {
			continue
		}
		s.handler(update, s)
	}
}

func (r *Registry[E, T]) remove(event E, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.handlers[event]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(r.handlers, event)
		}
	}
}
