package hook

import (
	"sync"

	"go.uber.org/zap"
)

// Handler observes fired hooks.
type Handler func(Event)

const wildcard Name = "*"

// Bus is a synchronous Dispatcher. Handlers subscribed to a specific hook
// run first, then wildcard handlers, each group in registration order.
// A panicking handler is logged and does not affect other handlers.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[Name][]Handler

	log *zap.Logger
}

var _ Dispatcher = (*Bus)(nil)

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subscriptions: make(map[Name][]Handler),
		log:           log.Named("hook"),
	}
}

// Subscribe registers handler for the named hook.
func (b *Bus) Subscribe(name Name, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions[name] = append(b.subscriptions[name], handler)
}

// SubscribeAll registers handler for every hook.
func (b *Bus) SubscribeAll(handler Handler) {
	b.Subscribe(wildcard, handler)
}

func (b *Bus) Fire(evt Event) {
	b.mu.RLock()
	specific := append([]Handler(nil), b.subscriptions[evt.Name]...)
	all := append([]Handler(nil), b.subscriptions[wildcard]...)
	b.mu.RUnlock()

	for _, handler := range specific {
		b.safeCall(handler, evt)
	}

	for _, handler := range all {
		b.safeCall(handler, evt)
	}
}

func (b *Bus) safeCall(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("hook handler panicked",
				zap.String("hook", string(evt.Name)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	handler(evt)
}
