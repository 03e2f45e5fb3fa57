package events

import (
	"context"
	"sync"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
)

// Handler receives an emitted event.
type Handler func(Event)

// Subscription identifies one registered handler for Off.
type Subscription struct {
	kind Kind
	id   uint64
	all  bool
}

// FailureRecorder counts handlers that panicked.
type FailureRecorder interface {
	IncHandlerFailures(kind string)
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a synchronous publish/subscribe channel. Handlers for an Emit run
// in subscription order before Emit returns; there is no replay.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[Kind][]subscriber
	any      []subscriber

	log     logging.Logger
	metrics FailureRecorder
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithLogger attaches a logger for handler failures.
func WithLogger(l logging.Logger) BusOption {
	return func(b *Bus) { b.log = logging.OrNoop(l) }
}

// WithFailureRecorder attaches a metrics sink for handler failures.
func WithFailureRecorder(m FailureRecorder) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus returns an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[Kind][]subscriber),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers h for kind and returns a handle for Off.
func (b *Bus) Subscribe(kind Kind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.handlers[kind] = append(b.handlers[kind], subscriber{id: b.next, fn: h})
	return Subscription{kind: kind, id: b.next}
}

// SubscribeAll registers h for every kind. Catch-all handlers run after
// the kind-specific ones.
func (b *Bus) SubscribeAll(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.any = append(b.any, subscriber{id: b.next, fn: h})
	return Subscription{id: b.next, all: true}
}

// On registers h for kind and returns its unsubscribe function.
func (b *Bus) On(kind Kind, h Handler) (unsubscribe func()) {
	sub := b.Subscribe(kind, h)
	return func() { b.Off(sub) }
}

// Off removes a handler. Removing twice is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.any
	if !sub.all {
		list = b.handlers[sub.kind]
	}
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if sub.all {
			b.any = list
		} else if len(list) == 0 {
			delete(b.handlers, sub.kind)
		} else {
			b.handlers[sub.kind] = list
		}
		return
	}
}

// Emit delivers ev to the current subscribers of its kind. A panicking
// handler is logged and skipped; the remaining handlers still run.
func (b *Bus) Emit(ev Event) {
	if ev == nil {
		return
	}
	kind := ev.Kind()

	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.handlers[kind])+len(b.any))
	subs = append(subs, b.handlers[kind]...)
	subs = append(subs, b.any...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(kind, s, ev)
	}
}

func (b *Bus) deliver(kind Kind, s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn(context.Background(), "event handler panicked",
				logging.String("event", string(kind)),
				logging.Any("panic", r),
			)
			if b.metrics != nil {
				b.metrics.IncHandlerFailures(string(kind))
			}
		}
	}()
	s.fn(ev)
}

// Listen subscribes a handler typed on the payload. The kind is taken
// from the zero value of T.
func Listen[T Event](b *Bus, fn func(T)) (unsubscribe func()) {
	var zero T
	return b.On(zero.Kind(), func(ev Event) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	})
}
