package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/fx"

	"github.com/duoroom/signaling-server/pkg/media"
	"github.com/duoroom/signaling-server/pkg/protocol"
)

const (
	minPeerNameLength = 4
	maxRoomPeers      = 2
)

// roomContext owns a room's router handle, its peers and its event
// channel. The context mutex linearizes every compound mutation, in
// particular the occupancy check before admission and the
// producer-attach/publish pair against subscribe-time replay.
type roomContext struct {
	roomID protocol.RoomID

	mu       sync.Mutex
	closed   bool
	router   media.Router
	peers    map[protocol.PeerID]*Peer
	notifier *RoomNotifier
}

func newRoomContext(roomID protocol.RoomID) *roomContext {
	return &roomContext{
		roomID:   roomID,
		peers:    make(map[protocol.PeerID]*Peer),
		notifier: NewRoomNotifier(),
	}
}

func (r *roomContext) Info() protocol.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := protocol.RoomInfo{RoomID: r.roomID, Peers: make([]protocol.PeerInfo, 0, len(r.peers))}
	for _, peer := range r.peers {
		info.Peers = append(info.Peers, peer.Info())
	}
	return info
}

type RoomService struct {
	mu sync.Mutex

	engine  media.Engine
	logger  *slog.Logger
	metrics *Metrics
	rooms   map[protocol.RoomID]*roomContext
}

type NewRoomServiceParams struct {
	fx.In

	Engine  media.Engine
	Logger  *slog.Logger
	Metrics *Metrics
}

func NewRoomService(params NewRoomServiceParams) *RoomService {
	return &RoomService{
		engine:  params.Engine,
		logger:  params.Logger,
		metrics: params.Metrics,
		rooms:   make(map[protocol.RoomID]*roomContext),
	}
}

// getOrCreateRoom is idempotent. The room starts without a router, the
// first successful admission creates it under the room lock so two
// racing first-joins still end up with exactly one router.
func (s *RoomService) getOrCreateRoom(roomID protocol.RoomID) *roomContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, exist := s.rooms[roomID]
	if !exist {
		room = newRoomContext(roomID)
		s.rooms[roomID] = room
		s.metrics.RoomsCreated.Inc()
	}
	return room
}

func (s *RoomService) getRoom(roomID protocol.RoomID) (*roomContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, exist := s.rooms[roomID]
	if !exist {
		return nil, ErrRoomNotExist
	}
	return room, nil
}

// lockRoom returns the room with its lock held, retrying when the
// context was torn down between lookup and lock.
func (s *RoomService) lockRoom(roomID protocol.RoomID) *roomContext {
	for {
		room := s.getOrCreateRoom(roomID)
		room.mu.Lock()
		if room.closed {
			room.mu.Unlock()
			continue
		}
		return room
	}
}

// Admit validates the display name, enforces room occupancy, creates
// the peer and its producer-side transport. Occupancy check, router
// creation and peer insertion happen in one critical section.
func (s *RoomService) Admit(ctx context.Context, roomID protocol.RoomID, name string) (protocol.PeerInfo, media.TransportParams, webrtc.RTPCapabilities, error) {
	if len(name) < minPeerNameLength {
		return protocol.PeerInfo{}, media.TransportParams{}, webrtc.RTPCapabilities{}, ErrInvalidName
	}

	room := s.lockRoom(roomID)
	defer room.mu.Unlock()

	if len(room.peers) >= maxRoomPeers {
		return protocol.PeerInfo{}, media.TransportParams{}, webrtc.RTPCapabilities{}, ErrRoomFull
	}

	if room.router == nil {
		router, err := s.engine.CreateRouter(ctx)
		if err != nil {
			s.dropIfEmpty(room)
			return protocol.PeerInfo{}, media.TransportParams{}, webrtc.RTPCapabilities{}, err
		}
		room.router = router
	}

	transport, err := room.router.CreateTransport(ctx)
	if err != nil {
		s.dropIfEmpty(room)
		return protocol.PeerInfo{}, media.TransportParams{}, webrtc.RTPCapabilities{}, err
	}

	peer := &Peer{
		id:                uuid.NewString(),
		roomID:            roomID,
		name:              name,
		producerTransport: transport,
	}
	room.peers[peer.id] = peer

	s.metrics.PeersJoined.Inc()
	s.logger.Info("peer admitted",
		slog.String("room", roomID),
		slog.String("peer", peer.id),
		slog.String("name", name))

	return peer.Info(), transport.Params(), room.router.RTPCapabilities(), nil
}

// dropIfEmpty rolls back a room whose first admission failed, so an
// unknown room id probed with bad requests does not leak registry
// entries. Caller holds the room lock.
func (s *RoomService) dropIfEmpty(room *roomContext) {
	if len(room.peers) > 0 {
		return
	}
	room.closed = true
	if room.router != nil {
		_ = room.router.Close()
		room.router = nil
	}

	s.mu.Lock()
	delete(s.rooms, room.roomID)
	s.mu.Unlock()
}

// Remove releases the peer's transports through the engine and evicts
// it from the room. Removing an unknown peer is a no-op. An emptied
// room is deleted from the registry together with its router.
func (s *RoomService) Remove(roomID protocol.RoomID, peerID protocol.PeerID) {
	room, err := s.getRoom(roomID)
	if err != nil {
		return
	}

	room.mu.Lock()

	peer, exist := room.peers[peerID]
	if exist {
		peer.closeTransports()
		delete(room.peers, peerID)
		room.notifier.Unsubscribe(peerID)
		s.metrics.PeersRemoved.Inc()
		s.logger.Info("peer removed",
			slog.String("room", roomID),
			slog.String("peer", peerID))
	}

	empty := len(room.peers) == 0
	if empty {
		room.closed = true
		room.notifier.CloseAll()
		if room.router != nil {
			_ = room.router.Close()
			room.router = nil
		}
	}
	room.mu.Unlock()

	if empty {
		s.mu.Lock()
		if current, exist := s.rooms[roomID]; exist && current == room {
			delete(s.rooms, roomID)
		}
		s.mu.Unlock()
	}
}

func (s *RoomService) RoomInfo(roomID protocol.RoomID) (protocol.RoomInfo, error) {
	room, err := s.getRoom(roomID)
	if err != nil {
		return protocol.RoomInfo{}, err
	}
	return room.Info(), nil
}

// peerProducerTransport looks up the handle under the room lock. The
// engine call happens outside the lock, connect must not serialize the
// whole room.
func (s *RoomService) peerProducerTransport(roomID protocol.RoomID, peerID protocol.PeerID) (media.Transport, error) {
	room, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	peer, exist := room.peers[peerID]
	if !exist {
		return nil, ErrPeerNotExist
	}
	if peer.producerTransport == nil {
		return nil, ErrNoProducerTransport
	}
	return peer.producerTransport, nil
}

// ConnectProducerTransport performs the DTLS connect for the peer's
// producer transport. Engine failures surface verbatim.
func (s *RoomService) ConnectProducerTransport(ctx context.Context, roomID protocol.RoomID, peerID protocol.PeerID, dtlsParameters webrtc.DTLSParameters) error {
	transport, err := s.peerProducerTransport(roomID, peerID)
	if err != nil {
		return err
	}
	return transport.Connect(ctx, dtlsParameters)
}

// Produce creates the peer's producer and announces it to the room.
// The new_peer event is handed to the channel before Produce returns,
// delivery to subscribers stays asynchronous. A peer holds at most one
// producer, a repeat produce is rejected.
func (s *RoomService) Produce(ctx context.Context, roomID protocol.RoomID, peerID protocol.PeerID, kind string, rtpParameters media.RTPParameters) (string, error) {
	transport, err := s.peerProducerTransport(roomID, peerID)
	if err != nil {
		return "", err
	}

	room, err := s.getRoom(roomID)
	if err != nil {
		return "", err
	}
	room.mu.Lock()
	peer, exist := room.peers[peerID]
	if !exist {
		room.mu.Unlock()
		return "", ErrPeerNotExist
	}
	if peer.producer != nil {
		room.mu.Unlock()
		return "", ErrAlreadyProducing
	}
	room.mu.Unlock()

	producer, err := transport.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return "", err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	peer, exist = room.peers[peerID]
	if !exist {
		_ = producer.Close()
		return "", ErrPeerNotExist
	}
	if peer.producer != nil {
		// lost a race against a concurrent produce for the same peer
		_ = producer.Close()
		return "", ErrAlreadyProducing
	}
	peer.producer = producer

	room.notifier.Publish(protocol.Event{
		Command: protocol.NewPeerCommand,
		Data: protocol.NewPeerData{
			PeerID:     peer.id,
			Name:       peer.name,
			ProducerID: producer.ID(),
		},
	})
	s.metrics.EventsPublished.Inc()

	s.logger.Info("peer producing",
		slog.String("room", roomID),
		slog.String("peer", peerID),
		slog.String("producer", producer.ID()),
		slog.String("kind", kind))
	return producer.ID(), nil
}

// CreateConsumerTransport creates a consumer-side transport for the
// requesting peer and returns the handshake parameters.
func (s *RoomService) CreateConsumerTransport(ctx context.Context, roomID protocol.RoomID, peerID protocol.PeerID) (media.TransportParams, error) {
	room, err := s.getRoom(roomID)
	if err != nil {
		return media.TransportParams{}, err
	}

	room.mu.Lock()
	if _, exist := room.peers[peerID]; !exist {
		room.mu.Unlock()
		return media.TransportParams{}, ErrPeerNotExist
	}
	router := room.router
	room.mu.Unlock()

	transport, err := router.CreateTransport(ctx)
	if err != nil {
		return media.TransportParams{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	peer, exist := room.peers[peerID]
	if !exist {
		_ = transport.Close()
		return media.TransportParams{}, ErrPeerNotExist
	}
	peer.consumerTransports = append(peer.consumerTransports, transport)
	return transport.Params(), nil
}

// ConnectConsumerTransport connects the most recently created consumer
// transport for the peer.
func (s *RoomService) ConnectConsumerTransport(ctx context.Context, roomID protocol.RoomID, peerID protocol.PeerID, dtlsParameters webrtc.DTLSParameters) error {
	room, err := s.getRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	peer, exist := room.peers[peerID]
	if !exist {
		room.mu.Unlock()
		return ErrPeerNotExist
	}
	transport, exist := peer.lastConsumerTransport()
	room.mu.Unlock()
	if !exist {
		return ErrNoConsumerTransport
	}

	return transport.Connect(ctx, dtlsParameters)
}

// StartConsuming creates a consumer for the remote peer's producer on
// the requesting peer's current consumer transport.
func (s *RoomService) StartConsuming(ctx context.Context, roomID protocol.RoomID, peerID, remotePeerID protocol.PeerID, capabilities webrtc.RTPCapabilities) (protocol.StartConsumingResponse, error) {
	room, err := s.getRoom(roomID)
	if err != nil {
		return protocol.StartConsumingResponse{}, err
	}

	room.mu.Lock()
	peer, exist := room.peers[peerID]
	if !exist {
		room.mu.Unlock()
		return protocol.StartConsumingResponse{}, ErrPeerNotExist
	}
	remote, exist := room.peers[remotePeerID]
	if !exist {
		room.mu.Unlock()
		return protocol.StartConsumingResponse{}, ErrPeerNotExist
	}
	transport, exist := peer.lastConsumerTransport()
	if !exist {
		room.mu.Unlock()
		return protocol.StartConsumingResponse{}, ErrNoConsumerTransport
	}
	producer := remote.producer
	router := room.router
	room.mu.Unlock()

	if producer == nil {
		return protocol.StartConsumingResponse{}, ErrNoProducer
	}
	if !router.CanConsume(producer, capabilities) {
		return protocol.StartConsumingResponse{}, ErrIncompatibleCapabilities
	}

	consumer, err := transport.Consume(ctx, producer, capabilities)
	if err != nil {
		return protocol.StartConsumingResponse{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	peer, exist = room.peers[peerID]
	if !exist {
		_ = consumer.Close()
		return protocol.StartConsumingResponse{}, ErrPeerNotExist
	}
	peer.consumers = append(peer.consumers, consumer)

	return protocol.StartConsumingResponse{
		ConsumerID:    consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// Subscribe opens the peer's event stream and, in the same critical
// section, replays a new_peer event for every member that is already
// producing. A late subscriber learns about earlier peers exactly
// once, including its own peer, which clients filter by id.
func (s *RoomService) Subscribe(roomID protocol.RoomID, peerID protocol.PeerID) (<-chan protocol.Event, error) {
	room, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, exist := room.peers[peerID]; !exist {
		return nil, ErrPeerNotExist
	}

	events := room.notifier.Subscribe(peerID)
	for _, member := range room.peers {
		if member.producer == nil {
			continue
		}
		room.notifier.Replay(peerID, protocol.Event{
			Command: protocol.NewPeerCommand,
			Data: protocol.NewPeerData{
				PeerID:     member.id,
				Name:       member.name,
				ProducerID: member.producer.ID(),
			},
		})
	}
	return events, nil
}

// Unsubscribe detaches the peer's event stream without evicting it.
// Eviction is driven by the controller when the connection closes.
func (s *RoomService) Unsubscribe(roomID protocol.RoomID, peerID protocol.PeerID) {
	room, err := s.getRoom(roomID)
	if err != nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.notifier.Unsubscribe(peerID)
}
