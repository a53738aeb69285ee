package protocol

import (
	webrtc "github.com/pion/webrtc/v3"

	"github.com/duoroom/signaling-server/pkg/media"
)

type (
	RoomID = string
	PeerID = string
)

// NewPeerCommand is published to a room channel when one of its peers
// starts producing media.
const NewPeerCommand = "new_peer"

type NewPeerData struct {
	PeerID     PeerID `json:"peerId"`
	Name       string `json:"name"`
	ProducerID string `json:"producerId"`
}

// Event is an immutable room-scoped notification. Delivery is
// fire-and-forget, there is no acknowledge or retry.
type Event struct {
	Command string      `json:"command"`
	Data    NewPeerData `json:"data"`
}

type PeerInfo struct {
	PeerID PeerID `json:"peerId"`
	RoomID RoomID `json:"roomId"`
	Name   string `json:"name"`
}

type RoomInfo struct {
	RoomID RoomID     `json:"roomId"`
	Peers  []PeerInfo `json:"peers"`
}

type JoinRequest struct {
	Name string `json:"name"`
}

type JoinResponse struct {
	Peer            PeerInfo               `json:"peer"`
	RTPCapabilities webrtc.RTPCapabilities `json:"rtpCapabilities"`
	TransportParams media.TransportParams  `json:"transportParams"`
}

type TransportConnectRequest struct {
	PeerID         PeerID                 `json:"peerId"`
	DTLSParameters *webrtc.DTLSParameters `json:"dtlsParameters"`
}

type TransportProduceRequest struct {
	PeerID        PeerID               `json:"peerId"`
	Kind          string               `json:"kind"`
	RTPParameters *media.RTPParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData"`
}

type TransportProduceResponse struct {
	ProducerID string `json:"producerId"`
}

type ReceiveTransportRequest struct {
	PeerID PeerID `json:"peerId"`
}

type ReceiveConnectedRequest struct {
	PeerID         PeerID                 `json:"peerId"`
	DTLSParameters *webrtc.DTLSParameters `json:"dtlsParameters"`
}

type StartConsumingRequest struct {
	PeerID          PeerID                  `json:"peerId"`
	RemotePeerID    PeerID                  `json:"remotePeerId"`
	RTPCapabilities *webrtc.RTPCapabilities `json:"rtpCapabilities"`
}

type StartConsumingResponse struct {
	ConsumerID    string              `json:"consumerId"`
	ProducerID    string              `json:"producerId"`
	Kind          string              `json:"kind"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
}
