package media

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	ice "github.com/pion/ice/v3"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
)

type WebrtcEngineConfig struct {
	UDPPort   int
	NAT1To1IP string
}

// webrtcEngine implements Engine on top of the pion ORTC API. Each
// transport is an ICE gatherer plus ICE/DTLS transport pair, producers
// are RTP receivers and consumers are RTP senders fed by a forward
// loop on the producer side.
type webrtcEngine struct {
	api    *webrtc.API
	mux    *ice.MultiUDPMuxDefault
	codecs []webrtc.RTPCodecParameters
	dead   chan error
	closed *atomic.Bool

	mu      sync.Mutex
	routers map[string]*webrtcRouter
}

func NewWebrtcEngine(config WebrtcEngineConfig) (Engine, error) {
	codecs := DefaultMediaCodecs()

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range codecs {
		kind := webrtc.RTPCodecTypeAudio
		if strings.HasPrefix(codec.MimeType, "video") {
			kind = webrtc.RTPCodecTypeVideo
		}
		if err := mediaEngine.RegisterCodec(codec, kind); err != nil {
			return nil, err
		}
	}

	mediaSettings := webrtc.SettingEngine{}
	mediaSettings.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
	})
	mediaSettings.SetLite(true)

	udpMux, err := ice.NewMultiUDPMuxFromPort(config.UDPPort)
	if err != nil {
		return nil, err
	}
	mediaSettings.SetICEUDPMux(udpMux)

	if config.NAT1To1IP != "" {
		mediaSettings.SetNAT1To1IPs([]string{config.NAT1To1IP}, webrtc.ICECandidateTypeHost)
	}

	interceptorRegistry := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	interceptorRegistry.Add(pli)

	return &webrtcEngine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(mediaSettings),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		),
		mux:     udpMux,
		codecs:  codecs,
		dead:    make(chan error, 1),
		closed:  atomic.NewBool(false),
		routers: make(map[string]*webrtcRouter),
	}, nil
}

func (e *webrtcEngine) CreateRouter(context.Context) (Router, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	router := &webrtcRouter{
		id:        uuid.NewString(),
		engine:    e,
		producers: make(map[string]*webrtcProducer),
	}

	e.mu.Lock()
	e.routers[router.id] = router
	e.mu.Unlock()
	return router, nil
}

func (e *webrtcEngine) Dead() <-chan error {
	return e.dead
}

func (e *webrtcEngine) fatal(err error) {
	select {
	case e.dead <- err:
	default:
	}
}

func (e *webrtcEngine) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}

	e.mu.Lock()
	routers := make([]*webrtcRouter, 0, len(e.routers))
	for _, router := range e.routers {
		routers = append(routers, router)
	}
	e.mu.Unlock()

	for _, router := range routers {
		_ = router.Close()
	}
	return e.mux.Close()
}

type webrtcRouter struct {
	id     string
	engine *webrtcEngine

	mu        sync.Mutex
	closed    bool
	producers map[string]*webrtcProducer
}

func (r *webrtcRouter) ID() string { return r.id }

func (r *webrtcRouter) RTPCapabilities() webrtc.RTPCapabilities {
	capabilities := webrtc.RTPCapabilities{}
	for _, codec := range r.engine.codecs {
		capabilities.Codecs = append(capabilities.Codecs, codec.RTPCodecCapability)
	}
	return capabilities
}

// CreateTransport gathers local candidates up front so the handshake
// parameters can be relayed to the client in one response.
func (r *webrtcRouter) CreateTransport(ctx context.Context) (Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.mu.Unlock()

	api := r.engine.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, err
	}

	iceTransport := api.NewICETransport(gatherer)
	dtlsTransport, err := api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	gatherFinished := make(chan struct{})
	gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(gatherFinished)
		}
	})
	if err = gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	select {
	case <-gatherFinished:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceCandidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	dtlsParams, err := dtlsTransport.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	return &webrtcTransport{
		id:       uuid.NewString(),
		router:   r,
		gatherer: gatherer,
		ice:      iceTransport,
		dtls:     dtlsTransport,
		params: TransportParams{
			ICEParameters:  iceParams,
			ICECandidates:  iceCandidates,
			DTLSParameters: dtlsParams,
		},
		connected: atomic.NewBool(false),
	}, nil
}

func (r *webrtcRouter) CanConsume(producer Producer, capabilities webrtc.RTPCapabilities) bool {
	if producer == nil {
		return false
	}
	for _, codec := range producer.RTPParameters().Codecs {
		for _, capability := range capabilities.Codecs {
			if strings.EqualFold(codec.MimeType, capability.MimeType) &&
				codec.ClockRate == capability.ClockRate {
				return true
			}
		}
	}
	return false
}

func (r *webrtcRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*webrtcProducer, 0, len(r.producers))
	for _, producer := range r.producers {
		producers = append(producers, producer)
	}
	r.mu.Unlock()

	for _, producer := range producers {
		_ = producer.Close()
	}

	r.engine.mu.Lock()
	delete(r.engine.routers, r.id)
	r.engine.mu.Unlock()
	return nil
}

func (r *webrtcRouter) registerProducer(producer *webrtcProducer) {
	r.mu.Lock()
	r.producers[producer.id] = producer
	r.mu.Unlock()
}

func (r *webrtcRouter) unregisterProducer(producerID string) {
	r.mu.Lock()
	delete(r.producers, producerID)
	r.mu.Unlock()
}

type webrtcTransport struct {
	id       string
	router   *webrtcRouter
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   TransportParams

	connected *atomic.Bool

	mu        sync.Mutex
	producers []*webrtcProducer
	consumers []*webrtcConsumer
}

func (t *webrtcTransport) ID() string { return t.id }

func (t *webrtcTransport) Params() TransportParams {
	params := t.params
	params.ID = t.id
	return params
}

func (t *webrtcTransport) Connect(ctx context.Context, dtlsParameters webrtc.DTLSParameters) error {
	if t.connected.Load() {
		return nil
	}

	// Lite mode, remote ufrag and pwd are learned from the client's
	// connectivity checks on the shared mux.
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, webrtc.ICEParameters{}, &role); err != nil {
		return err
	}
	if err := t.dtls.Start(dtlsParameters); err != nil {
		return err
	}

	t.connected.Store(true)
	return nil
}

func (t *webrtcTransport) Produce(ctx context.Context, kind string, rtpParameters RTPParameters) (Producer, error) {
	if !t.connected.Load() {
		return nil, ErrTransportState
	}

	codecType := webrtc.NewRTPCodecType(kind)
	if codecType == webrtc.RTPCodecType(0) {
		return nil, ErrInvalidKind
	}

	receiver, err := t.router.engine.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, err
	}

	encodings := make([]webrtc.RTPDecodingParameters, 0, len(rtpParameters.Encodings))
	for _, encoding := range rtpParameters.Encodings {
		encodings = append(encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: encoding,
		})
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: encodings}); err != nil {
		return nil, err
	}

	producer := &webrtcProducer{
		id:       uuid.NewString(),
		kind:     kind,
		params:   rtpParameters,
		router:   t.router,
		receiver: receiver,
		outputs:  make(map[string]*webrtc.TrackLocalStaticRTP),
		closed:   atomic.NewBool(false),
	}
	go producer.forward()

	t.router.registerProducer(producer)
	t.mu.Lock()
	t.producers = append(t.producers, producer)
	t.mu.Unlock()
	return producer, nil
}

func (t *webrtcTransport) Consume(ctx context.Context, producer Producer, capabilities webrtc.RTPCapabilities) (Consumer, error) {
	if !t.connected.Load() {
		return nil, ErrTransportState
	}

	source, ok := producer.(*webrtcProducer)
	if !ok || source.closed.Load() {
		return nil, ErrNotProducing
	}

	codec, err := source.matchCodec(capabilities)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, uuid.NewString(), source.id)
	if err != nil {
		return nil, err
	}
	sender, err := t.router.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, err
	}

	consumer := &webrtcConsumer{
		id:       uuid.NewString(),
		producer: source,
		track:    track,
		sender:   sender,
		params: RTPParameters{
			Codecs:    []webrtc.RTPCodecParameters{codec},
			Encodings: source.params.Encodings,
		},
	}
	go consumer.drainRTCP()

	source.attach(consumer.id, track)
	t.mu.Lock()
	t.consumers = append(t.consumers, consumer)
	t.mu.Unlock()
	return consumer, nil
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	producers := t.producers
	consumers := t.consumers
	t.producers = nil
	t.consumers = nil
	t.mu.Unlock()

	for _, consumer := range consumers {
		_ = consumer.Close()
	}
	for _, producer := range producers {
		_ = producer.Close()
	}

	err := t.dtls.Stop()
	if stopErr := t.ice.Stop(); err == nil {
		err = stopErr
	}
	if closeErr := t.gatherer.Close(); err == nil {
		err = closeErr
	}
	return err
}

type webrtcProducer struct {
	id       string
	kind     string
	params   RTPParameters
	router   *webrtcRouter
	receiver *webrtc.RTPReceiver
	closed   *atomic.Bool

	mu      sync.Mutex
	outputs map[string]*webrtc.TrackLocalStaticRTP
}

func (p *webrtcProducer) ID() string                   { return p.id }
func (p *webrtcProducer) Kind() string                 { return p.kind }
func (p *webrtcProducer) RTPParameters() RTPParameters { return p.params }

// forward fans the producer's inbound RTP out to every consumer track.
func (p *webrtcProducer) forward() {
	track := p.receiver.Track()
	if track == nil {
		return
	}

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.write(packet)
	}
}

func (p *webrtcProducer) write(packet *rtp.Packet) {
	p.mu.Lock()
	outputs := make([]*webrtc.TrackLocalStaticRTP, 0, len(p.outputs))
	for _, output := range p.outputs {
		outputs = append(outputs, output)
	}
	p.mu.Unlock()

	for _, output := range outputs {
		_ = output.WriteRTP(packet)
	}
}

func (p *webrtcProducer) matchCodec(capabilities webrtc.RTPCapabilities) (webrtc.RTPCodecParameters, error) {
	for _, codec := range p.params.Codecs {
		for _, capability := range capabilities.Codecs {
			if strings.EqualFold(codec.MimeType, capability.MimeType) &&
				codec.ClockRate == capability.ClockRate {
				return codec, nil
			}
		}
	}
	return webrtc.RTPCodecParameters{}, ErrUnknownCodec
}

func (p *webrtcProducer) attach(consumerID string, track *webrtc.TrackLocalStaticRTP) {
	p.mu.Lock()
	p.outputs[consumerID] = track
	p.mu.Unlock()
}

func (p *webrtcProducer) detach(consumerID string) {
	p.mu.Lock()
	delete(p.outputs, consumerID)
	p.mu.Unlock()
}

func (p *webrtcProducer) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	p.router.unregisterProducer(p.id)
	return p.receiver.Stop()
}

type webrtcConsumer struct {
	id       string
	producer *webrtcProducer
	track    *webrtc.TrackLocalStaticRTP
	sender   *webrtc.RTPSender
	params   RTPParameters
}

func (c *webrtcConsumer) ID() string                   { return c.id }
func (c *webrtcConsumer) ProducerID() string           { return c.producer.id }
func (c *webrtcConsumer) Kind() string                 { return c.producer.kind }
func (c *webrtcConsumer) RTPParameters() RTPParameters { return c.params }

// drainRTCP keeps the sender's RTCP read loop serviced so the
// interceptors see feedback packets.
func (c *webrtcConsumer) drainRTCP() {
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if _, ok := packet.(*rtcp.PictureLossIndication); ok {
				// Keyframe recovery is the engine's concern, the
				// forward loop passes payloads through untouched.
				continue
			}
		}
	}
}

func (c *webrtcConsumer) Close() error {
	c.producer.detach(c.id)
	return c.sender.Stop()
}
