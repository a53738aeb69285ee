package room

import "errors"

var (
	ErrRoomNotExist             = errors.New("room not exist")
	ErrPeerNotExist             = errors.New("peer not exist")
	ErrRoomFull                 = errors.New("room is full")
	ErrInvalidName              = errors.New("peer name is too short")
	ErrNoProducerTransport      = errors.New("peer has no producer transport")
	ErrNoConsumerTransport      = errors.New("peer has no consumer transport")
	ErrNoProducer               = errors.New("peer is not producing")
	ErrAlreadyProducing         = errors.New("peer is already producing")
	ErrIncompatibleCapabilities = errors.New("capabilities can not consume the producer")
)
