package room

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duoroom/signaling-server/pkg/protocol"
)

func newPeerEvent(peerID string) protocol.Event {
	return protocol.Event{
		Command: protocol.NewPeerCommand,
		Data:    protocol.NewPeerData{PeerID: peerID},
	}
}

func TestNotifierFansOut(t *testing.T) {
	notifier := NewRoomNotifier()

	alice := notifier.Subscribe("alice")
	bob := notifier.Subscribe("bob")

	notifier.Publish(newPeerEvent("alice"))

	require.Equal(t, "alice", (<-alice).Data.PeerID)
	require.Equal(t, "alice", (<-bob).Data.PeerID)
}

func TestNotifierUnsubscribeClosesStream(t *testing.T) {
	notifier := NewRoomNotifier()

	events := notifier.Subscribe("alice")
	notifier.Unsubscribe("alice")

	_, open := <-events
	require.False(t, open)

	// publishing after unsubscribe must not panic
	notifier.Publish(newPeerEvent("bob"))
}

func TestNotifierResubscribeReplacesStream(t *testing.T) {
	notifier := NewRoomNotifier()

	first := notifier.Subscribe("alice")
	second := notifier.Subscribe("alice")

	_, open := <-first
	require.False(t, open)

	notifier.Publish(newPeerEvent("bob"))
	require.Equal(t, "bob", (<-second).Data.PeerID)
}

func TestNotifierReplayTargetsOneSubscriber(t *testing.T) {
	notifier := NewRoomNotifier()

	alice := notifier.Subscribe("alice")
	bob := notifier.Subscribe("bob")

	notifier.Replay("alice", newPeerEvent("bob"))

	require.Equal(t, "bob", (<-alice).Data.PeerID)
	require.Empty(t, bob)

	// replay to a peer that never subscribed is dropped
	notifier.Replay("ghost", newPeerEvent("bob"))
}

func TestNotifierDropsOnFullBuffer(t *testing.T) {
	notifier := NewRoomNotifier()

	events := notifier.Subscribe("alice")
	for i := 0; i < eventBufferSize+4; i++ {
		notifier.Publish(newPeerEvent(fmt.Sprintf("peer-%d", i)))
	}

	require.Len(t, events, eventBufferSize)
	require.Equal(t, "peer-0", (<-events).Data.PeerID)
}

func TestNotifierCloseAll(t *testing.T) {
	notifier := NewRoomNotifier()

	alice := notifier.Subscribe("alice")
	bob := notifier.Subscribe("bob")
	notifier.CloseAll()

	_, open := <-alice
	require.False(t, open)
	_, open = <-bob
	require.False(t, open)
}
