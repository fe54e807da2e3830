package ports

import (
	"context"

	"meetrelay/internal/core/domain"
)

// PresenceRepository mirrors room membership outside the process for operators.
// The registry stays authoritative; a mirror may lag or be empty.
type PresenceRepository interface {
	Apply(ctx context.Context, event domain.RoomEvent) error
	Participants(ctx context.Context, roomID domain.RoomID) ([]domain.ParticipantID, error)
	Rooms(ctx context.Context) ([]domain.RoomID, error)
}

type RoomEventPublisher interface {
	Publish(ctx context.Context, event domain.RoomEvent) error
}
