package media

import (
	"context"
	"strings"
	"testing"

	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

// newLoopbackRouter builds a router over a real pion API without the
// shared UDP mux, enough for transport lifecycle tests.
func newLoopbackRouter(t *testing.T) *webrtcRouter {
	t.Helper()

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range DefaultMediaCodecs() {
		kind := webrtc.RTPCodecTypeAudio
		if strings.HasPrefix(codec.MimeType, "video") {
			kind = webrtc.RTPCodecTypeVideo
		}
		require.NoError(t, mediaEngine.RegisterCodec(codec, kind))
	}

	return &webrtcRouter{
		id: "router-test",
		engine: &webrtcEngine{
			api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
			codecs: DefaultMediaCodecs(),
		},
		producers: make(map[string]*webrtcProducer),
	}
}

func vp8Producer() *webrtcProducer {
	return &webrtcProducer{
		id:   "producer-1",
		kind: "video",
		params: RTPParameters{
			Codecs: []webrtc.RTPCodecParameters{{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:  webrtc.MimeTypeVP8,
					ClockRate: 90000,
				},
				PayloadType: 96,
			}},
		},
	}
}

func TestRouterCanConsume(t *testing.T) {
	router := &webrtcRouter{}
	producer := vp8Producer()

	require.False(t, router.CanConsume(nil, webrtc.RTPCapabilities{}))
	require.False(t, router.CanConsume(producer, webrtc.RTPCapabilities{}))

	require.True(t, router.CanConsume(producer, webrtc.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}},
	}))

	// clock rate has to match too
	require.False(t, router.CanConsume(producer, webrtc.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeVP8, ClockRate: 48000}},
	}))
}

func TestProducerMatchCodec(t *testing.T) {
	producer := vp8Producer()

	codec, err := producer.matchCodec(webrtc.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000},
			{MimeType: "video/vp8", ClockRate: 90000},
		},
	})
	require.NoError(t, err)
	require.Equal(t, webrtc.MimeTypeVP8, codec.MimeType)
	require.Equal(t, webrtc.PayloadType(96), codec.PayloadType)

	_, err = producer.matchCodec(webrtc.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000}},
	})
	require.ErrorIs(t, err, ErrUnknownCodec)
}

func TestCreateTransportGathersParamsAndReleases(t *testing.T) {
	router := newLoopbackRouter(t)

	transport, err := router.CreateTransport(context.Background())
	require.NoError(t, err)

	params := transport.Params()
	require.NotEmpty(t, params.ID)
	require.NotEmpty(t, params.ICEParameters.UsernameFragment)
	require.NotEmpty(t, params.ICEParameters.Password)
	require.NotEmpty(t, params.DTLSParameters.Fingerprints)

	// release before any connect, the gatherer and both transport
	// halves must come down cleanly
	require.NoError(t, transport.Close())
}

func TestCreateTransportOnClosedRouter(t *testing.T) {
	router := newLoopbackRouter(t)
	router.closed = true

	_, err := router.CreateTransport(context.Background())
	require.ErrorIs(t, err, ErrRouterClosed)
}

func TestRouterRTPCapabilities(t *testing.T) {
	router := &webrtcRouter{engine: &webrtcEngine{codecs: DefaultMediaCodecs()}}

	capabilities := router.RTPCapabilities()
	require.Len(t, capabilities.Codecs, 2)
	require.Equal(t, webrtc.MimeTypeOpus, capabilities.Codecs[0].MimeType)
	require.Equal(t, webrtc.MimeTypeVP8, capabilities.Codecs[1].MimeType)
}

func TestDefaultMediaCodecs(t *testing.T) {
	codecs := DefaultMediaCodecs()
	require.Len(t, codecs, 2)

	opus := codecs[0]
	require.Equal(t, webrtc.MimeTypeOpus, opus.MimeType)
	require.Equal(t, uint32(48000), opus.ClockRate)
	require.Equal(t, uint16(2), opus.Channels)
	require.Equal(t, webrtc.PayloadType(111), opus.PayloadType)

	vp8 := codecs[1]
	require.Equal(t, webrtc.MimeTypeVP8, vp8.MimeType)
	require.Equal(t, uint32(90000), vp8.ClockRate)
	require.Equal(t, webrtc.PayloadType(96), vp8.PayloadType)
}
