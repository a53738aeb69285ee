// Package client drives the room negotiation protocol from the
// participant side: join, producer setup, and consumer setup in
// response to new_peer events.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/duoroom/signaling-server/pkg/media"
	"github.com/duoroom/signaling-server/pkg/protocol"
)

// State is the negotiation progress. It only moves forward; any
// failure drops the session back to StateNotJoined.
type State int32

const (
	StateNotJoined State = iota
	StateJoined
	StateDeviceLoaded
	StateProducerTransportConnected
	StateProducing
	StateWaitingForRemote
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNotJoined:
		return "notJoined"
	case StateJoined:
		return "joined"
	case StateDeviceLoaded:
		return "deviceLoaded"
	case StateProducerTransportConnected:
		return "producerTransportConnected"
	case StateProducing:
		return "producing"
	case StateWaitingForRemote:
		return "waitingForRemote"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Device abstracts the local media stack: capability loading against
// the room router, local handshake parameters and the parameters of
// the stream the participant wants to send.
type Device interface {
	Load(routerCapabilities webrtc.RTPCapabilities) error
	RTPCapabilities() webrtc.RTPCapabilities
	DTLSParameters() webrtc.DTLSParameters
	ProduceParameters() (kind string, rtpParameters media.RTPParameters, err error)
}

type SessionConfig struct {
	BaseURL string
	RoomID  protocol.RoomID
	Device  Device

	HTTPClient *http.Client
	Logger     *slog.Logger

	// OnState observes every transition, OnFailure surfaces the
	// failure that reset the session.
	OnState   func(State)
	OnFailure func(error)
}

type Session struct {
	config SessionConfig
	http   *http.Client
	logger *slog.Logger

	state  *atomic.Int32
	peerID *atomic.String

	producerID *atomic.String
	consumed   *atomic.String

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewSession(config SessionConfig) *Session {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		config:     config,
		http:       httpClient,
		logger:     logger,
		state:      atomic.NewInt32(int32(StateNotJoined)),
		peerID:     atomic.NewString(""),
		producerID: atomic.NewString(""),
		consumed:   atomic.NewString(""),
	}
}

func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) PeerID() string       { return s.peerID.Load() }
func (s *Session) ProducerID() string   { return s.producerID.Load() }
func (s *Session) ConsumedFrom() string { return s.consumed.Load() }

// setState only moves the machine forward. The event loop can reach
// StateEstablished while Join is still finishing its own steps; those
// later, lower transitions must not win the race.
func (s *Session) setState(state State) {
	for {
		current := s.state.Load()
		if int32(state) <= current {
			return
		}
		if s.state.CAS(current, int32(state)) {
			break
		}
	}
	if s.config.OnState != nil {
		s.config.OnState(state)
	}
}

// fail tears the session down: the event stream closes, which makes
// the server evict the peer, and the state machine resets to the
// start. There is no partial rollback.
func (s *Session) fail(err error) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.state.Store(int32(StateNotJoined))
	if s.config.OnState != nil {
		s.config.OnState(StateNotJoined)
	}
	if s.config.OnFailure != nil {
		s.config.OnFailure(err)
	}
}

// Join runs the producer half of the negotiation: admission, event
// subscription, device load, transport connect, produce. It returns
// once the session waits for a remote peer; consumer setup happens on
// the event loop.
func (s *Session) Join(ctx context.Context, name string) error {
	var join protocol.JoinResponse
	if err := s.post(ctx, "/join", protocol.JoinRequest{Name: name}, &join); err != nil {
		s.fail(err)
		return err
	}
	s.peerID.Store(join.Peer.PeerID)
	s.setState(StateJoined)

	streamCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	stream, err := s.openEventStream(streamCtx)
	if err != nil {
		s.fail(err)
		return err
	}
	group, groupCtx := errgroup.WithContext(streamCtx)
	s.mu.Lock()
	s.group = group
	s.mu.Unlock()
	group.Go(func() error {
		defer stream.Close()
		return s.readEvents(groupCtx, stream)
	})

	if err := s.config.Device.Load(join.RTPCapabilities); err != nil {
		s.fail(err)
		return err
	}
	s.setState(StateDeviceLoaded)

	dtlsParameters := s.config.Device.DTLSParameters()
	if err := s.post(ctx, "/transportConnect", protocol.TransportConnectRequest{
		PeerID:         s.PeerID(),
		DTLSParameters: &dtlsParameters,
	}, nil); err != nil {
		s.fail(err)
		return err
	}
	s.setState(StateProducerTransportConnected)

	kind, rtpParameters, err := s.config.Device.ProduceParameters()
	if err != nil {
		s.fail(err)
		return err
	}
	var produce protocol.TransportProduceResponse
	if err := s.post(ctx, "/transportProduce", protocol.TransportProduceRequest{
		PeerID:        s.PeerID(),
		Kind:          kind,
		RTPParameters: &rtpParameters,
		AppData:       map[string]any{"source": "client"},
	}, &produce); err != nil {
		s.fail(err)
		return err
	}
	s.producerID.Store(produce.ProducerID)
	s.setState(StateProducing)
	s.setState(StateWaitingForRemote)
	return nil
}

// Wait blocks until the event loop stops.
func (s *Session) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Close detaches the event stream, which is the cancellation signal
// the server acts on.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) openEventStream(ctx context.Context) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/api/event/%s/%s", s.config.BaseURL, s.config.RoomID, s.PeerID())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := s.http.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("event stream status %d", response.StatusCode)
	}
	return response.Body, nil
}

// readEvents consumes the server-sent event stream. A new_peer event
// for the session's own peer is the redundant catch-up self-event and
// is dropped by id comparison.
func (s *Session) readEvents(ctx context.Context, stream io.Reader) error {
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event protocol.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			s.logger.Error("bad event payload", slog.String("err", err.Error()))
			continue
		}
		if event.Command != protocol.NewPeerCommand {
			continue
		}
		if event.Data.PeerID == s.PeerID() {
			continue
		}

		if err := s.consume(ctx, event.Data); err != nil {
			s.fail(err)
			return err
		}
		s.setState(StateEstablished)
	}
	return scanner.Err()
}

// consume runs the consumer half against a remote producer:
// receiveTransport, receiveConnected, startConsuming.
func (s *Session) consume(ctx context.Context, remote protocol.NewPeerData) error {
	var transportParams media.TransportParams
	if err := s.post(ctx, "/receiveTransport", protocol.ReceiveTransportRequest{
		PeerID: s.PeerID(),
	}, &transportParams); err != nil {
		return err
	}

	dtlsParameters := s.config.Device.DTLSParameters()
	if err := s.post(ctx, "/receiveConnected", protocol.ReceiveConnectedRequest{
		PeerID:         s.PeerID(),
		DTLSParameters: &dtlsParameters,
	}, nil); err != nil {
		return err
	}

	capabilities := s.config.Device.RTPCapabilities()
	var consuming protocol.StartConsumingResponse
	if err := s.post(ctx, "/startConsuming", protocol.StartConsumingRequest{
		PeerID:          s.PeerID(),
		RemotePeerID:    remote.PeerID,
		RTPCapabilities: &capabilities,
	}, &consuming); err != nil {
		return err
	}

	s.consumed.Store(consuming.ProducerID)
	s.logger.Info("consuming remote peer",
		slog.String("remotePeer", remote.PeerID),
		slog.String("producer", consuming.ProducerID),
		slog.String("consumer", consuming.ConsumerID))
	return nil
}

func (s *Session) post(ctx context.Context, operation string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/room/%s%s", s.config.BaseURL, s.config.RoomID, operation)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(response.Body)
		return fmt.Errorf("%s: status %d: %s", operation, response.StatusCode, bytes.TrimSpace(message))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}
