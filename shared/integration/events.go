package integration

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/common"
)

// Listener receives events synchronously on the publishing goroutine
type Listener func(Event)

type subscriber struct {
	id uint64
	fn Listener
}

// EventBus fans events out to per-type and catch-all listeners
type EventBus struct {
	mu             sync.RWMutex
	byType         map[EventType][]subscriber
	all            []subscriber
	nextID         uint64
	maxSubscribers int
	logger         *zap.Logger
}

// NewEventBus creates a bus allowing at most maxSubscribers listeners per event type
func NewEventBus(maxSubscribers int, logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultConfig().MaxSubscribers
	}
	return &EventBus{
		byType:         make(map[EventType][]subscriber),
		maxSubscribers: maxSubscribers,
		logger:         logger,
	}
}

// Subscribe registers a listener for one event type and returns its unsubscribe func
func (b *EventBus) Subscribe(eventType EventType, listener Listener) (func(), error) {
	if !eventType.Valid() {
		return nil, common.ErrValidationFailed(fmt.Sprintf("unknown event type %q", eventType))
	}
	if listener == nil {
		return nil, common.ErrValidationFailed("listener is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.byType[eventType]) >= b.maxSubscribers {
		return nil, common.ErrValidationFailed(fmt.Sprintf("subscriber limit %d reached for %s", b.maxSubscribers, eventType))
	}
	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], subscriber{id: id, fn: listener})

	return b.unsubscriber(func() {
		b.byType[eventType] = removeSubscriber(b.byType[eventType], id)
		if len(b.byType[eventType]) == 0 {
			delete(b.byType, eventType)
		}
	}), nil
}

// SubscribeAll registers a listener for every event type
func (b *EventBus) SubscribeAll(listener Listener) (func(), error) {
	if listener == nil {
		return nil, common.ErrValidationFailed("listener is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.all) >= b.maxSubscribers {
		return nil, common.ErrValidationFailed(fmt.Sprintf("subscriber limit %d reached for all events", b.maxSubscribers))
	}
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscriber{id: id, fn: listener})

	return b.unsubscriber(func() {
		b.all = removeSubscriber(b.all, id)
	}), nil
}

func (b *EventBus) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			remove()
		})
	}
}

func removeSubscriber(subs []subscriber, id uint64) []subscriber {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscriber, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Publish delivers event to its type listeners, then to catch-all listeners.
// A panicking listener is logged and skipped.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.byType[event.Type])+len(b.all))
	targets = append(targets, b.byType[event.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, event)
	}
}

func (b *EventBus) deliver(s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("event_type", string(event.Type)),
				zap.String("integration", event.Integration),
				zap.Any("panic", r))
		}
	}()
	s.fn(event)
}

// SubscriberCount returns the number of registered listeners
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.all)
	for _, subs := range b.byType {
		n += len(subs)
	}
	return n
}

// Clear drops every listener
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byType = make(map[EventType][]subscriber)
	b.all = nil
}
