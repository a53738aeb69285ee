package room

import (
	"github.com/duoroom/signaling-server/pkg/media"
	"github.com/duoroom/signaling-server/pkg/protocol"
)

// Peer is one participant's session state inside a room. All fields
// behind the identifiers are guarded by the owning room's lock.
type Peer struct {
	id     protocol.PeerID
	roomID protocol.RoomID
	name   string

	producerTransport  media.Transport
	consumerTransports []media.Transport
	producer           media.Producer
	consumers          []media.Consumer
}

func (p *Peer) Info() protocol.PeerInfo {
	return protocol.PeerInfo{
		PeerID: p.id,
		RoomID: p.roomID,
		Name:   p.name,
	}
}

// lastConsumerTransport is the transport the current consumer
// negotiation targets. Only one consumer negotiation is in flight per
// peer at a time, receiveTransport/receiveConnected/startConsuming run
// as one client-driven sequence.
func (p *Peer) lastConsumerTransport() (media.Transport, bool) {
	if len(p.consumerTransports) == 0 {
		return nil, false
	}
	return p.consumerTransports[len(p.consumerTransports)-1], true
}

// closeTransports releases every transport the peer owns through the
// media engine.
func (p *Peer) closeTransports() {
	if p.producerTransport != nil {
		_ = p.producerTransport.Close()
		p.producerTransport = nil
	}
	for _, transport := range p.consumerTransports {
		_ = transport.Close()
	}
	p.consumerTransports = nil
	p.producer = nil
	p.consumers = nil
}
