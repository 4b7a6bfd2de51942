package bus

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one event. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery is synchronous: Publish returns after every matching handler has
// run. A panicking handler is isolated and reported; later handlers for the
// same event still run. Inbound wire events are all published from the
// session's dispatch goroutine, so subscribers observe them in arrival order.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	next   int
	logger *zap.Logger
}

type subscription struct {
	id        int
	namespace string
	fn        Handler
}

// New creates a new event bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Publish delivers an event to all subscribers whose namespace is a prefix
// of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.String("namespace", sub.namespace),
				zap.Any("panic", r))
		}
	}()
	sub.fn(evt)
}

// Subscribe registers a handler for events matching the given namespace
// prefix. Returns an unsubscribe function; callers must invoke it on
// teardown or the handler leaks.
func (b *Bus) Subscribe(namespace string, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, &subscription{id: id, namespace: namespace, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

// Collect subscribes a buffered channel to the given namespace. Events that
// arrive while the channel is full are dropped. Intended for consumers that
// poll, such as tests and the UI layer's render loop.
func (b *Bus) Collect(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	unsub := b.Subscribe(namespace, func(evt Event) {
		select {
		case ch <- evt:
		default:
		}
	})
	return ch, unsub
}
