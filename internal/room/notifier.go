package room

import (
	"sync"

	"github.com/duoroom/signaling-server/pkg/protocol"
)

// eventBufferSize bounds a subscriber's undelivered backlog. A room
// holds at most two peers, the backlog stays tiny in practice.
const eventBufferSize = 16

// RoomNotifier is a per-room publish/subscribe channel. Delivery is
// ordered and at-most-once per subscriber; a subscriber that is gone
// or too slow simply misses the event.
type RoomNotifier struct {
	mu          sync.Mutex
	subscribers map[protocol.PeerID]chan protocol.Event
}

func NewRoomNotifier() *RoomNotifier {
	return &RoomNotifier{
		subscribers: make(map[protocol.PeerID]chan protocol.Event),
	}
}

// Subscribe registers a listener and returns its event stream. A
// previous stream for the same peer is replaced and closed.
func (n *RoomNotifier) Subscribe(peerID protocol.PeerID) <-chan protocol.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	if previous, exist := n.subscribers[peerID]; exist {
		close(previous)
	}

	events := make(chan protocol.Event, eventBufferSize)
	n.subscribers[peerID] = events
	return events
}

func (n *RoomNotifier) Unsubscribe(peerID protocol.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if events, exist := n.subscribers[peerID]; exist {
		delete(n.subscribers, peerID)
		close(events)
	}
}

// Publish fans the event out to every live subscriber. Best effort, a
// full buffer drops the event for that subscriber.
func (n *RoomNotifier) Publish(event protocol.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, events := range n.subscribers {
		select {
		case events <- event:
		default:
		}
	}
}

// Replay queues an event for a single subscriber, used for the
// catch-up replay at subscribe time.
func (n *RoomNotifier) Replay(peerID protocol.PeerID, event protocol.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	events, exist := n.subscribers[peerID]
	if !exist {
		return
	}
	select {
	case events <- event:
	default:
	}
}

func (n *RoomNotifier) CloseAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for peerID, events := range n.subscribers {
		delete(n.subscribers, peerID)
		close(events)
	}
}
