// Package events implements the process-internal publish-subscribe channel
// for dispatch telemetry. Consumers (UI bridge, logs, tests) subscribe and
// receive the latest snapshot of each event kind on subscribe, then live
// events as they happen. Publishing never blocks: slow subscribers lose the
// oldest buffered event.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/domain"
)

// Kind tags an event on the bus.
type Kind string

const (
	KindProgress            Kind = "progress"
	KindStatistics          Kind = "statistics"
	KindSessionStateChanged Kind = "session_state_changed"
	KindError               Kind = "error"
	KindMissingVariable     Kind = "missing_variable"
)

// Event is one tagged message on the bus. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	Progress    *domain.Progress      `json:"progress,omitempty"`
	Statistics  *domain.DeliveryStats `json:"statistics,omitempty"`
	StateChange *StateChange          `json:"state_change,omitempty"`
	Error       *ErrorEvent           `json:"error,omitempty"`
	MissingVar  *MissingVariable      `json:"missing_variable,omitempty"`
}

// StateChange reports a session status transition.
type StateChange struct {
	SessionID uuid.UUID            `json:"session_id"`
	Old       domain.SessionStatus `json:"old"`
	New       domain.SessionStatus `json:"new"`
}

// ErrorEvent surfaces an executor-level error to consumers.
type ErrorEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Kind      string    `json:"kind"` // stable code from domain
	Message   string    `json:"message"`
}

// MissingVariable reports a template placeholder with no recipient value.
// Emitted at most once per variable per session.
type MissingVariable struct {
	SessionID uuid.UUID `json:"session_id"`
	Variable  string    `json:"variable"`
}

type subscriber struct {
	ch chan Event
}

// Bus is a fan-out event channel. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	latest map[Kind]Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		latest: make(map[Kind]Event),
	}
}

// Subscribe registers a consumer. The returned channel first replays the
// latest event of each kind (if any), then receives live events. Call the
// cancel func to unsubscribe; the channel is closed afterwards.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 8 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	for _, ev := range b.latest {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish fans an event out to all subscribers without blocking. When a
// subscriber's buffer is full, its oldest event is dropped to make room.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	b.latest[ev.Kind] = ev
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Drop oldest, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	b.mu.Unlock()
}

// PublishProgress is a convenience wrapper for progress events.
func (b *Bus) PublishProgress(p domain.Progress) {
	b.Publish(Event{Kind: KindProgress, Progress: &p})
}

// PublishStats is a convenience wrapper for statistics events.
func (b *Bus) PublishStats(s domain.DeliveryStats) {
	b.Publish(Event{Kind: KindStatistics, Statistics: &s})
}

// PublishStateChange is a convenience wrapper for session transitions.
func (b *Bus) PublishStateChange(id uuid.UUID, old, new_ domain.SessionStatus) {
	b.Publish(Event{Kind: KindSessionStateChanged, StateChange: &StateChange{SessionID: id, Old: old, New: new_}})
}

// PublishError is a convenience wrapper for error events.
func (b *Bus) PublishError(id uuid.UUID, code, message string) {
	b.Publish(Event{Kind: KindError, Error: &ErrorEvent{SessionID: id, Kind: code, Message: message}})
}
