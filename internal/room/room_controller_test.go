package room

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	echo "github.com/labstack/echo/v4"
	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/duoroom/signaling-server/pkg/protocol"
)

func newTestServer(t *testing.T, engine *stubEngine) (*httptest.Server, *RoomService) {
	t.Helper()

	service := newTestService(engine)
	controller := NewRoomController(newRoomControllerParams{
		RoomService: service,
		Logger:      discardLogger(),
	})

	router := echo.New()
	require.NoError(t, controller.Resolve(router))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, service
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	response, err := http.Post(url, echo.MIMEApplicationJSON, bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func joinRoom(t *testing.T, server *httptest.Server, roomID, name string) protocol.JoinResponse {
	t.Helper()

	response := postJSON(t, fmt.Sprintf("%s/api/room/%s/join", server.URL, roomID), protocol.JoinRequest{Name: name})
	require.Equal(t, http.StatusOK, response.StatusCode)

	var join protocol.JoinResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&join))
	return join
}

func TestRoomJoinEndpoint(t *testing.T) {
	server, _ := newTestServer(t, newStubEngine())

	response := postJSON(t, server.URL+"/api/room/room/join", protocol.JoinRequest{Name: "bob"})
	require.Equal(t, http.StatusBadRequest, response.StatusCode)

	join := joinRoom(t, server, "room", "alice")
	require.NotEmpty(t, join.Peer.PeerID)
	require.Equal(t, "room", join.Peer.RoomID)
	require.Equal(t, "alice", join.Peer.Name)
	require.NotEmpty(t, join.TransportParams.ID)
	require.NotEmpty(t, join.RTPCapabilities.Codecs)

	info, err := http.Get(server.URL + "/api/room/room")
	require.NoError(t, err)
	defer info.Body.Close()
	require.Equal(t, http.StatusOK, info.StatusCode)

	var room protocol.RoomInfo
	require.NoError(t, json.NewDecoder(info.Body).Decode(&room))
	require.Len(t, room.Peers, 1)
}

func TestRoomInfoUnknownRoom(t *testing.T) {
	server, _ := newTestServer(t, newStubEngine())

	response, err := http.Get(server.URL + "/api/room/ghost")
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestTransportConnectValidation(t *testing.T) {
	server, _ := newTestServer(t, newStubEngine())
	join := joinRoom(t, server, "room", "alice")

	// missing DTLS parameters
	response := postJSON(t, server.URL+"/api/room/room/transportConnect", protocol.TransportConnectRequest{
		PeerID: join.Peer.PeerID,
	})
	require.Equal(t, http.StatusBadRequest, response.StatusCode)

	response = postJSON(t, server.URL+"/api/room/room/transportConnect", protocol.TransportConnectRequest{
		PeerID:         join.Peer.PeerID,
		DTLSParameters: &webrtc.DTLSParameters{},
	})
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func TestStartConsumingIncompatibleCapabilities(t *testing.T) {
	engine := newStubEngine()
	server, service := newTestServer(t, engine)
	ctx := context.Background()

	alice := joinRoom(t, server, "room", "alice")
	bob := joinRoom(t, server, "room", "bob1")

	_, err := service.Produce(ctx, "room", alice.Peer.PeerID, "video", testRTPParameters())
	require.NoError(t, err)
	_, err = service.CreateConsumerTransport(ctx, "room", bob.Peer.PeerID)
	require.NoError(t, err)

	engine.mu.Lock()
	engine.incompatible = true
	engine.mu.Unlock()

	response := postJSON(t, server.URL+"/api/room/room/startConsuming", protocol.StartConsumingRequest{
		PeerID:          bob.Peer.PeerID,
		RemotePeerID:    alice.Peer.PeerID,
		RTPCapabilities: &webrtc.RTPCapabilities{},
	})
	require.Equal(t, http.StatusInternalServerError, response.StatusCode)

	var message echo.HTTPError
	require.NoError(t, json.NewDecoder(response.Body).Decode(&message))
	require.Equal(t, "Streaming error", message.Message)
}

func TestEventStreamDeliversAndEvicts(t *testing.T) {
	server, service := newTestServer(t, newStubEngine())

	alice := joinRoom(t, server, "room", "alice")

	streamURL := fmt.Sprintf("%s/api/event/room/%s", server.URL, alice.Peer.PeerID)
	request, err := http.NewRequest(http.MethodGet, streamURL, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, stream.StatusCode)
	require.Equal(t, "text/event-stream", stream.Header.Get(echo.HeaderContentType))

	payloads := make(chan string, 4)
	go func() {
		defer close(payloads)
		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				payloads <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	bob := joinRoom(t, server, "room", "bob1")
	producerID, err := service.Produce(context.Background(), "room", bob.Peer.PeerID, "video", testRTPParameters())
	require.NoError(t, err)

	select {
	case payload := <-payloads:
		var event protocol.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		require.Equal(t, protocol.NewPeerCommand, event.Command)
		require.Equal(t, bob.Peer.PeerID, event.Data.PeerID)
		require.Equal(t, producerID, event.Data.ProducerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event on the stream")
	}

	// dropping the stream evicts the peer
	stream.Body.Close()
	require.Eventually(t, func() bool {
		info, err := service.RoomInfo("room")
		if err != nil {
			return false
		}
		return len(info.Peers) == 1 && info.Peers[0].PeerID == bob.Peer.PeerID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamUnknownPeer(t *testing.T) {
	server, _ := newTestServer(t, newStubEngine())
	joinRoom(t, server, "room", "alice")

	response, err := http.Get(server.URL + "/api/event/room/ghost")
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestEventSocketDeliversNewPeer(t *testing.T) {
	server, service := newTestServer(t, newStubEngine())

	alice := joinRoom(t, server, "room", "alice")

	socketURL := fmt.Sprintf("%s/api/ws/room/%s", strings.Replace(server.URL, "http", "ws", 1), alice.Peer.PeerID)
	conn, _, err := websocket.DefaultDialer.Dial(socketURL, nil)
	require.NoError(t, err)

	bob := joinRoom(t, server, "room", "bob1")
	producerID, err := service.Produce(context.Background(), "room", bob.Peer.PeerID, "video", testRTPParameters())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event protocol.Event
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, bob.Peer.PeerID, event.Data.PeerID)
	require.Equal(t, producerID, event.Data.ProducerID)

	conn.Close()
	require.Eventually(t, func() bool {
		info, err := service.RoomInfo("room")
		if err != nil {
			return false
		}
		return len(info.Peers) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
