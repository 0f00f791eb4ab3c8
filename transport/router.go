package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/relaykit/message"
)

// Handler processes one inbound envelope. A returned error is reported
// through the transport's error hook; it never reaches the channel layer
// or the other handlers registered for the same type.
type Handler func(ctx context.Context, env message.Envelope) error

// subscription is one registered handler. The pointer doubles as the
// identity its unsubscribe closure removes.
type subscription struct {
	handler Handler
}

// router dispatches inbound envelopes to handlers by message type.
// Handlers fire in registration order; failures are isolated per handler.
type router struct {
	mu   sync.Mutex
	subs map[string][]*subscription

	// onError receives isolated handler failures.
	onError func(eventType string, err error)
}

func newRouter(onError func(eventType string, err error)) *router {
	return &router{
		subs:    make(map[string][]*subscription),
		onError: onError,
	}
}

// subscribe registers a handler for an event type and returns a function
// that removes exactly that registration. The returned function is
// idempotent and does not disturb other handlers for the same type.
func (r *router) subscribe(eventType string, handler Handler) func() {
	sub := &subscription{handler: handler}

	r.mu.Lock()
	r.subs[eventType] = append(r.subs[eventType], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.remove(eventType, sub)
		})
	}
}

func (r *router) remove(eventType string, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlers := r.subs[eventType]
	for i, s := range handlers {
		if s == sub {
			r.subs[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(r.subs[eventType]) == 0 {
		delete(r.subs, eventType)
	}
}

// dispatch invokes every handler registered for the envelope's type, in
// registration order. A panic or error in one handler is reported and the
// remaining handlers still run. Returns the number of handlers invoked.
func (r *router) dispatch(ctx context.Context, env message.Envelope) int {
	r.mu.Lock()
	registered := r.subs[env.Type]
	handlers := make([]*subscription, len(registered))
	copy(handlers, registered)
	r.mu.Unlock()

	for _, sub := range handlers {
		r.invoke(ctx, sub, env)
	}
	return len(handlers)
}

func (r *router) invoke(ctx context.Context, sub *subscription, env message.Envelope) {
	defer func() {
		if rec := recover(); rec != nil && r.onError != nil {
			r.onError(env.Type, fmt.Errorf("handler panic for %q: %v", env.Type, rec))
		}
	}()

	if err := sub.handler(ctx, env); err != nil && r.onError != nil {
		r.onError(env.Type, err)
	}
}

// count returns the number of handlers registered for an event type.
func (r *router) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[eventType])
}
