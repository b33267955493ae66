/*Package notify is the in-process event bus of the control plane.

Components publish typed events; subscribers receive them on buffered
channels served by dispatch goroutines. Delivery is best effort: a slow
subscriber loses events rather than blocking the publisher, because the
persistent store is always the source of truth.
*/
package notify

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetcontrol/core/logger"
)

// event kinds published by the control plane
const (
	KindShadowDesiredUpdated = "shadow.desired.updated"
	KindShadowReported       = "shadow.reported"
	KindDeviceProvisioned    = "device.provisioned"
	KindRolloutState         = "rollout.state"
	KindRolloutProgress      = "rollout.progress"
)

// Event is one published control-plane event.
type Event struct {
	Kind      string          `json:"kind"`
	TenantID  string          `json:"tenant_id"`
	DeviceID  string          `json:"device_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type subscriber struct {
	kinds map[string]bool
	ch    chan Event
}

// Bus is a typed publish/subscribe bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]*subscriber{}}
}

// Subscribe registers for the given event kinds, or for all events when no
// kind is given. The returned cancel function must be called to release
// the subscription; it closes the channel.
func (b *Bus) Subscribe(kinds ...string) (<-chan Event, func()) {
	kindSet := map[string]bool{}
	for _, k := range kinds {
		kindSet[k] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{kinds: kindSet, ch: make(chan Event, 64)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to all matching subscribers. It never blocks;
// events to subscribers with a full channel are dropped and logged.
func (b *Bus) Publish(e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[e.Kind] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			logger.Default().Warnf("notify: dropping %s event for slow subscriber", e.Kind)
		}
	}
}

// Close closes the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
