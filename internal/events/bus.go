package events

import (
	"sync"
	"time"

	"modkit/pkg/logging"
)

// Kind identifies a lifecycle event. The snake_case set is canonical.
type Kind string

const (
	Registration       Kind = "registration"
	Unregistration     Kind = "unregistration"
	BeforeActivate     Kind = "before_activate"
	AfterActivate      Kind = "after_activate"
	BeforeDeactivate   Kind = "before_deactivate"
	AfterDeactivate    Kind = "after_deactivate"
	ActivationFailed   Kind = "activation_failed"
	ConfigChanged      Kind = "config_changed"
	DependencyResolved Kind = "dependency_resolved"
	RollbackStarted    Kind = "rollback_started"
	RollbackCompleted  Kind = "rollback_completed"
	Error              Kind = "error"
)

// Event is the typed record delivered to subscribers.
type Event struct {
	Kind      Kind                   `json:"kind"`
	ModuleID  string                 `json:"moduleId,omitempty"`
	TenantID  string                 `json:"tenantId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Sink receives lifecycle events. The bus is the default sink; external
// telemetry consumers implement this to be wired into the core directly.
type Sink interface {
	Emit(event Event)
}

const subscriberBufferSize = 100

// Bus fans events out to subscribers over buffered channels. Sends never
// block: a subscriber that cannot keep up misses events, which is logged.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	sinks       []Sink
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives all subsequent events.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// AddSink attaches an external sink that is called synchronously on emit.
func (b *Bus) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Emit publishes the event to all sinks and subscribers.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subscribers := make([]chan Event, len(b.subscribers))
	copy(subscribers, b.subscribers)
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, sink := range sinks {
		sink.Emit(event)
	}

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Don't block if subscriber can't receive immediately
			logging.Debug("Events", "Subscriber blocked, dropping %s event for module %s", event.Kind, event.ModuleID)
		}
	}
}
