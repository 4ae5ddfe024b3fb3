package provider

import (
	"fmt"
	"jxta/oid"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type EventType int

const (
	EventConnected          EventType = 1
	EventReconnected        EventType = 2
	EventFailed             EventType = 3
	EventDisconnected       EventType = 4
	EventClientConnected    EventType = 5
	EventClientReconnected  EventType = 6
	EventClientFailed       EventType = 7
	EventClientDisconnected EventType = 8
	EventBecameEdge         EventType = 9
	EventBecameRdv          EventType = 10
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventReconnected:
		return "reconnected"
	case EventFailed:
		return "failed"
	case EventDisconnected:
		return "disconnected"
	case EventClientConnected:
		return "client_connected"
	case EventClientReconnected:
		return "client_reconnected"
	case EventClientFailed:
		return "client_failed"
	case EventClientDisconnected:
		return "client_disconnected"
	case EventBecameEdge:
		return "became_edge"
	case EventBecameRdv:
		return "became_rdv"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type Event struct {
	Type   EventType
	PeerID *oid.Oid // Peer the event is about, the local peer for role changes
	Time   time.Time
}

// Bus fans rendezvous events out to subscribers. A nil Bus discards everything.
type Bus struct {
	mu          sync.Mutex
	seq         uint64
	subscribers map[uint64]chan *Event
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[uint64]chan *Event),
	}
}

// Subscribe returns a channel receiving every event published from now on. Events are
// dropped for a subscriber whose buffer is full.
func (b *Bus) Subscribe(buffer int) (uint64, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.seq
	b.seq++
	ch := make(chan *Event, buffer)
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes the subscriber channel.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *Bus) Publish(ev *Event) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			log.Debugf("rdv.events: subscriber %d is full, dropping %s", id, ev.Type)
		}
	}
}
