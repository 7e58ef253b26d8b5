package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(event Event) {
	s.events = append(s.events, event)
}

func TestEmit_DeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	first := bus.Subscribe()
	second := bus.Subscribe()

	bus.Emit(Event{Kind: BeforeActivate, ModuleID: "blog", TenantID: "tenant-a"})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case event := <-ch:
			assert.Equal(t, BeforeActivate, event.Kind)
			assert.Equal(t, "blog", event.ModuleID)
			assert.False(t, event.Timestamp.IsZero())
		default:
			t.Fatal("expected a buffered event")
		}
	}
}

func TestEmit_SinksCalledSynchronously(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{}
	bus.AddSink(sink)

	bus.Emit(Event{Kind: Registration, ModuleID: "blog"})
	bus.Emit(Event{Kind: Unregistration, ModuleID: "blog"})

	require.Len(t, sink.events, 2)
	assert.Equal(t, Registration, sink.events[0].Kind)
	assert.Equal(t, Unregistration, sink.events[1].Kind)
}

func TestEmit_FullSubscriberNeverBlocks(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	for i := 0; i < subscriberBufferSize+10; i++ {
		bus.Emit(Event{Kind: ConfigChanged, ModuleID: "blog"})
	}

	// The buffer holds what it can; the overflow was dropped, not blocked on.
	assert.Len(t, ch, subscriberBufferSize)
}

func TestEmit_PreservesExplicitTimestamp(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	event := Event{Kind: Error, ModuleID: "blog"}
	bus.Emit(event)
	received := <-ch
	stamped := received.Timestamp

	bus.Emit(Event{Kind: Error, ModuleID: "blog", Timestamp: stamped})
	received = <-ch
	assert.Equal(t, stamped, received.Timestamp)
}
