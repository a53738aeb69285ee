// Package media is the boundary to the media-routing engine. The
// signaling core only calls these interfaces and relays their results,
// it never touches media payloads itself.
package media

import (
	"context"
	"errors"

	webrtc "github.com/pion/webrtc/v3"
)

var (
	ErrEngineClosed   = errors.New("media engine is closed")
	ErrRouterClosed   = errors.New("router is closed")
	ErrInvalidKind    = errors.New("unknown media kind")
	ErrUnknownCodec   = errors.New("no codec for producer parameters")
	ErrNotProducing   = errors.New("producer is not active")
	ErrTransportState = errors.New("transport is not connected")
)

// TransportParams carries the handshake parameters a client needs to
// establish the transport path on its side.
type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// RTPParameters describes one media stream the way the peer sends it.
type RTPParameters struct {
	Codecs    []webrtc.RTPCodecParameters  `json:"codecs"`
	Encodings []webrtc.RTPCodingParameters `json:"encodings"`
}

type Engine interface {
	CreateRouter(ctx context.Context) (Router, error)
	// Dead reports an unrecoverable engine failure. Room and peer
	// state can not outlive the engine, the process has to go down.
	Dead() <-chan error
	Close() error
}

type Router interface {
	ID() string
	RTPCapabilities() webrtc.RTPCapabilities
	CreateTransport(ctx context.Context) (Transport, error)
	CanConsume(producer Producer, capabilities webrtc.RTPCapabilities) bool
	Close() error
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, dtlsParameters webrtc.DTLSParameters) error
	Produce(ctx context.Context, kind string, rtpParameters RTPParameters) (Producer, error)
	Consume(ctx context.Context, producer Producer, capabilities webrtc.RTPCapabilities) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Kind() string
	RTPParameters() RTPParameters
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RTPParameters() RTPParameters
	Close() error
}

// DefaultMediaCodecs mirrors the codec set every room router is
// created with: opus for audio, VP8 for video.
func DefaultMediaCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeVP8,
				ClockRate:   90000,
				SDPFmtpLine: "x-google-start-bitrate=1000",
			},
			PayloadType: 96,
		},
	}
}
