package ports

import (
	"context"

	"meetrelay/internal/core/domain"
	"meetrelay/pkg/protocol"
)

// Transport delivers frames to connected participants. Send never blocks; it
// reports false when the participant has no live connection.
type Transport interface {
	Send(id domain.ParticipantID, msg *protocol.Message) bool
	IsConnected(id domain.ParticipantID) bool
}

// Signaler is the only transport a negotiation engine uses.
type Signaler interface {
	SendSignal(ctx context.Context, to domain.ParticipantID, signal domain.Signal) error
}

type RoomRegistry interface {
	IsMember(roomID domain.RoomID, id domain.ParticipantID) bool
	WithMembers(roomID domain.RoomID, fn func(), ids ...domain.ParticipantID) (domain.ParticipantID, bool)
	Snapshot(roomID domain.RoomID) (domain.RoomSnapshot, error)
	Stats() domain.RegistryStats
	Rooms() []domain.RoomStats
}

// MeetingMetrics receives counters from the relay and broadcaster.
type MeetingMetrics interface {
	SignalRouted()
	SignalDropped(reason string)
	ChatMessage()
}

// ConnectionMetrics observes signaling connections opening and closing.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
}
