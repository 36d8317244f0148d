package notify

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversInPublishOrder(t *testing.T) {
	d := NewDispatcher(8, zerolog.Nop())
	providerID := uuid.New()

	sub := d.Subscribe(providerID)
	defer sub.Unsubscribe()

	for i := 1; i <= 5; i++ {
		d.Publish(Event{Type: EventPositionChanged, ProviderID: providerID, Position: i})
	}

	for i := 1; i <= 5; i++ {
		ev := <-sub.C
		assert.Equal(t, i, ev.Position, "events must arrive in publish order")
		assert.False(t, ev.At.IsZero())
	}
}

func TestDispatcherDeliversToPatientKey(t *testing.T) {
	d := NewDispatcher(8, zerolog.Nop())
	providerID := uuid.New()
	patientID := uuid.New()

	providerSub := d.Subscribe(providerID)
	defer providerSub.Unsubscribe()
	patientSub := d.Subscribe(patientID)
	defer patientSub.Unsubscribe()

	d.Publish(Event{Type: EventCalled, ProviderID: providerID, PatientID: patientID})

	ev := <-providerSub.C
	assert.Equal(t, EventCalled, ev.Type)
	ev = <-patientSub.C
	assert.Equal(t, EventCalled, ev.Type)
}

func TestDispatcherIgnoresOtherKeys(t *testing.T) {
	d := NewDispatcher(8, zerolog.Nop())

	sub := d.Subscribe(uuid.New())
	defer sub.Unsubscribe()

	d.Publish(Event{Type: EventCalled, ProviderID: uuid.New()})

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	d := NewDispatcher(8, zerolog.Nop())
	providerID := uuid.New()

	sub := d.Subscribe(providerID)
	sub.Unsubscribe()

	_, ok := <-sub.C
	assert.False(t, ok, "channel must be closed after unsubscribe")

	// Publishing afterwards must not panic or resurrect the subscription.
	d.Publish(Event{Type: EventCalled, ProviderID: providerID})
	sub.Unsubscribe() // idempotent
}

func TestDispatcherDropsWhenSubscriberLags(t *testing.T) {
	dropped := 0
	d := NewDispatcher(2, zerolog.Nop(), WithDropCounter(func() { dropped++ }))
	providerID := uuid.New()

	sub := d.Subscribe(providerID)
	defer sub.Unsubscribe()

	for i := 1; i <= 5; i++ {
		d.Publish(Event{Type: EventPositionChanged, ProviderID: providerID, Position: i})
	}

	// Publisher never blocked; the overflow was dropped, the rest kept order.
	require.Equal(t, 3, dropped)
	ev := <-sub.C
	assert.Equal(t, 1, ev.Position)
	ev = <-sub.C
	assert.Equal(t, 2, ev.Position)
	select {
	case ev := <-sub.C:
		t.Fatalf("expected buffer drained, got %+v", ev)
	default:
	}
}

func TestDispatcherIndependentSubscribers(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())
	providerID := uuid.New()

	slow := d.Subscribe(providerID)
	defer slow.Unsubscribe()
	fast := d.Subscribe(providerID)
	defer fast.Unsubscribe()

	d.Publish(Event{Type: EventPositionChanged, ProviderID: providerID, Position: 1})
	d.Publish(Event{Type: EventPositionChanged, ProviderID: providerID, Position: 2})

	// slow's buffer of one held only the first event; fast drained nothing
	// yet either, but a lagging peer never affects another subscriber.
	ev := <-slow.C
	assert.Equal(t, 1, ev.Position)
	ev = <-fast.C
	assert.Equal(t, 1, ev.Position)
}
