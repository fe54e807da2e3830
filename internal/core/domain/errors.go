package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotInRoom           = errors.New("participant has not joined a room")
	ErrAlreadyInRoom       = errors.New("participant already joined another room")
	ErrMalformedSignal     = errors.New("signal must carry exactly one of sdp or ice")
	ErrInvalidTransition   = errors.New("invalid peer link state transition")
	ErrLinkClosed          = errors.New("peer link closed")
	ErrNegotiationTimeout  = errors.New("negotiation timed out")
)
