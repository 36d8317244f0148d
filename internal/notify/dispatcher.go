package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventPositionChanged EventType = "queue_position_changed"
	EventNextInLine      EventType = "next_in_line"
	EventCalled          EventType = "called"
	EventEmergency       EventType = "emergency_flagged"
)

// Event is an immutable snapshot pushed to subscribers. Consumers that miss
// events resynchronize through a queue or wait-estimate query.
type Event struct {
	Type          EventType `json:"type"`
	ProviderID    uuid.UUID `json:"provider_id"`
	PatientID     uuid.UUID `json:"patient_id,omitempty"`
	AppointmentID uuid.UUID `json:"appointment_id,omitempty"`
	QueueEntryID  uuid.UUID `json:"queue_entry_id,omitempty"`
	Position      int       `json:"position,omitempty"`
	At            time.Time `json:"at"`
}

// Subscription receives events for one provider or patient key. C is closed
// by Unsubscribe.
type Subscription struct {
	C  <-chan Event
	ch chan Event

	dispatcher *Dispatcher
	key        uuid.UUID
	id         uint64
}

// Dispatcher fans events out to current subscribers, best effort. Events for
// a provider are delivered in publish order; a subscriber that cannot keep up
// has events dropped rather than blocking the publisher.
type Dispatcher struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]map[uint64]*Subscription
	nextID  uint64
	buffer  int
	log     zerolog.Logger
	dropped func()
}

type Option func(*Dispatcher)

// WithDropCounter registers a callback invoked each time an event is dropped
// for a lagging subscriber. Wired to the metrics counter.
func WithDropCounter(fn func()) Option {
	return func(d *Dispatcher) { d.dropped = fn }
}

func NewDispatcher(buffer int, log zerolog.Logger, opts ...Option) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}
	d := &Dispatcher{
		subs:   make(map[uuid.UUID]map[uint64]*Subscription),
		buffer: buffer,
		log:    log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers interest in events keyed by a provider or patient ID.
func (d *Dispatcher) Subscribe(key uuid.UUID) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	ch := make(chan Event, d.buffer)
	sub := &Subscription{
		C:          ch,
		ch:         ch,
		dispatcher: d,
		key:        key,
		id:         d.nextID,
	}

	if d.subs[key] == nil {
		d.subs[key] = make(map[uint64]*Subscription)
	}
	d.subs[key][sub.id] = sub

	return sub
}

func (s *Subscription) Unsubscribe() {
	s.dispatcher.remove(s)
}

func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byKey, ok := d.subs[s.key]
	if !ok {
		return
	}
	if _, ok := byKey[s.id]; !ok {
		return
	}
	delete(byKey, s.id)
	if len(byKey) == 0 {
		delete(d.subs, s.key)
	}
	close(s.ch)
}

// Publish delivers the event to subscribers of the provider key and, when
// set, the patient key. Delivery order per provider follows publish order
// because the send happens under the dispatcher lock.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.deliver(ev.ProviderID, ev)
	if ev.PatientID != uuid.Nil && ev.PatientID != ev.ProviderID {
		d.deliver(ev.PatientID, ev)
	}
}

// Subscribers reports how many subscriptions are registered for a key.
func (d *Dispatcher) Subscribers(key uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[key])
}

func (d *Dispatcher) deliver(key uuid.UUID, ev Event) {
	for _, sub := range d.subs[key] {
		select {
		case sub.ch <- ev:
		default:
			if d.dropped != nil {
				d.dropped()
			}
			d.log.Debug().
				Str("key", key.String()).
				Str("type", string(ev.Type)).
				Msg("subscriber lagging, event dropped")
		}
	}
}
