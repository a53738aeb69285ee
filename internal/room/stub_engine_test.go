package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	webrtc "github.com/pion/webrtc/v3"

	"github.com/duoroom/signaling-server/pkg/media"
)

var (
	errRouterFailure    = errors.New("stub router failure")
	errTransportFailure = errors.New("stub transport failure")
)

// stubEngine fakes the media engine boundary with in-memory handles and
// records lifecycle calls so tests can assert on them.
type stubEngine struct {
	mu sync.Mutex

	dead             chan error
	routersCreated   int
	routersClosed    int
	transportsClosed int

	failRouter    bool
	failTransport bool
	incompatible  bool
}

func newStubEngine() *stubEngine {
	return &stubEngine{dead: make(chan error, 1)}
}

func (e *stubEngine) CreateRouter(context.Context) (media.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failRouter {
		return nil, errRouterFailure
	}
	e.routersCreated++
	return &stubRouter{engine: e, id: fmt.Sprintf("router-%d", e.routersCreated)}, nil
}

func (e *stubEngine) Dead() <-chan error { return e.dead }
func (e *stubEngine) Close() error       { return nil }

func (e *stubEngine) stats() (routersCreated, routersClosed, transportsClosed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.routersCreated, e.routersClosed, e.transportsClosed
}

type stubRouter struct {
	engine *stubEngine
	id     string

	mu         sync.Mutex
	transports int
}

func (r *stubRouter) ID() string { return r.id }

func (r *stubRouter) RTPCapabilities() webrtc.RTPCapabilities {
	capabilities := webrtc.RTPCapabilities{}
	for _, codec := range media.DefaultMediaCodecs() {
		capabilities.Codecs = append(capabilities.Codecs, codec.RTPCodecCapability)
	}
	return capabilities
}

func (r *stubRouter) CreateTransport(context.Context) (media.Transport, error) {
	r.engine.mu.Lock()
	fail := r.engine.failTransport
	r.engine.mu.Unlock()
	if fail {
		return nil, errTransportFailure
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports++
	return &stubTransport{
		router: r,
		id:     fmt.Sprintf("%s-transport-%d", r.id, r.transports),
	}, nil
}

func (r *stubRouter) CanConsume(producer media.Producer, _ webrtc.RTPCapabilities) bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return producer != nil && !r.engine.incompatible
}

func (r *stubRouter) Close() error {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	r.engine.routersClosed++
	return nil
}

type stubTransport struct {
	router *stubRouter
	id     string

	mu        sync.Mutex
	connected bool
	produced  int
	consumed  int
}

func (t *stubTransport) ID() string { return t.id }

func (t *stubTransport) Params() media.TransportParams {
	return media.TransportParams{ID: t.id}
}

func (t *stubTransport) Connect(context.Context, webrtc.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *stubTransport) Produce(_ context.Context, kind string, rtpParameters media.RTPParameters) (media.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.produced++
	return &stubProducer{
		id:     fmt.Sprintf("%s-producer-%d", t.id, t.produced),
		kind:   kind,
		params: rtpParameters,
	}, nil
}

func (t *stubTransport) Consume(_ context.Context, producer media.Producer, _ webrtc.RTPCapabilities) (media.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed++
	return &stubConsumer{
		id:       fmt.Sprintf("%s-consumer-%d", t.id, t.consumed),
		producer: producer,
	}, nil
}

func (t *stubTransport) Close() error {
	t.router.engine.mu.Lock()
	defer t.router.engine.mu.Unlock()
	t.router.engine.transportsClosed++
	return nil
}

type stubProducer struct {
	id     string
	kind   string
	params media.RTPParameters
}

func (p *stubProducer) ID() string                         { return p.id }
func (p *stubProducer) Kind() string                       { return p.kind }
func (p *stubProducer) RTPParameters() media.RTPParameters { return p.params }
func (p *stubProducer) Close() error                       { return nil }

type stubConsumer struct {
	id       string
	producer media.Producer
}

func (c *stubConsumer) ID() string                         { return c.id }
func (c *stubConsumer) ProducerID() string                 { return c.producer.ID() }
func (c *stubConsumer) Kind() string                       { return c.producer.Kind() }
func (c *stubConsumer) RTPParameters() media.RTPParameters { return c.producer.RTPParameters() }
func (c *stubConsumer) Close() error                       { return nil }
