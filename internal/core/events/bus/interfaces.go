package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus for bridge lifecycle
// events.
//
// Delivery is synchronous and in subscription order. Handler errors and
// panics are joined and returned from Publish; they never reach the
// publisher as a panic. Handlers should be quick.
type EventBus interface {
	// Publish delivers event to subscribers of event.Type() and to wildcard
	// subscribers.
	Publish(event Event) error
	// PublishAsync publishes on a new goroutine. The channel receives the
	// joined error and is closed.
	PublishAsync(event Event) <-chan error
	// Subscribe registers handler for eventType. Use Wildcard for all types.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels sub. Nil is a no-op.
	Unsubscribe(sub Subscription) error

	AddObserver(obs EventBusObserver)
	RemoveObserver(obs EventBusObserver)
	// GetMetrics returns a snapshot of the delivery counters.
	GetMetrics() EventBusMetrics
}

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Event is an immutable message transported by the bus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	EventHandler func(event Event) error
)

// Subscription is a registered handler. Cancel is idempotent.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}

// EventBusObserver is told about every delivery.
type EventBusObserver interface {
	OnDelivered(eventType string, handlers int, err error, took time.Duration)
}

type EventBusMetrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	Subscribers       uint64
}
