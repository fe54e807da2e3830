package domain

import "time"

type RoomEventType string

const (
	EventRoomCreated       RoomEventType = "room.created"
	EventRoomClosed        RoomEventType = "room.closed"
	EventParticipantJoined RoomEventType = "participant.joined"
	EventParticipantLeft   RoomEventType = "participant.left"
)

// RoomEvent describes a membership change after it has been applied to the registry.
type RoomEvent struct {
	Type          RoomEventType `json:"type"`
	RoomID        RoomID        `json:"room_id"`
	ParticipantID ParticipantID `json:"participant_id,omitempty"`
	DisplayName   string        `json:"display_name,omitempty"`
	Participants  int           `json:"participants"`
	At            time.Time     `json:"at"`
}
