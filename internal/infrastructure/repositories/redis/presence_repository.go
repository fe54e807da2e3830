package redis

import (
	"context"
	"fmt"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const roomsIndexKey = "meetrelay:rooms"

func roomParticipantsKey(roomID domain.RoomID) string {
	return fmt.Sprintf("meetrelay:room:%s:participants", roomID)
}

// PresenceRepository mirrors room membership into Redis sets so operators can
// inspect live rooms. Every key carries a TTL so a crashed instance leaves
// nothing behind for long.
type PresenceRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewPresenceRepository(client redis.UniversalClient, ttl time.Duration) ports.PresenceRepository {
	return &PresenceRepository{client: client, ttl: ttl}
}

func (r *PresenceRepository) Apply(ctx context.Context, event domain.RoomEvent) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "presence."+string(event.Type), string(event.RoomID))
	defer span.End()

	key := roomParticipantsKey(event.RoomID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch event.Type {
		case domain.EventRoomCreated:
			pipe.SAdd(ctx, roomsIndexKey, string(event.RoomID))
			pipe.Expire(ctx, roomsIndexKey, r.ttl)
		case domain.EventParticipantJoined:
			pipe.SAdd(ctx, roomsIndexKey, string(event.RoomID))
			pipe.Expire(ctx, roomsIndexKey, r.ttl)
			pipe.SAdd(ctx, key, string(event.ParticipantID))
			pipe.Expire(ctx, key, r.ttl)
		case domain.EventParticipantLeft:
			pipe.SRem(ctx, key, string(event.ParticipantID))
		case domain.EventRoomClosed:
			pipe.Del(ctx, key)
			pipe.SRem(ctx, roomsIndexKey, string(event.RoomID))
		default:
			return fmt.Errorf("unknown room event type %q", event.Type)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("apply %s for room %s: %w", event.Type, event.RoomID, err)
	}
	return nil
}

func (r *PresenceRepository) Participants(ctx context.Context, roomID domain.RoomID) ([]domain.ParticipantID, error) {
	members, err := r.client.SMembers(ctx, roomParticipantsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants of room %s: %w", roomID, err)
	}
	ids := make([]domain.ParticipantID, len(members))
	for i, m := range members {
		ids[i] = domain.ParticipantID(m)
	}
	return ids, nil
}

func (r *PresenceRepository) Rooms(ctx context.Context) ([]domain.RoomID, error) {
	members, err := r.client.SMembers(ctx, roomsIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	ids := make([]domain.RoomID, len(members))
	for i, m := range members {
		ids[i] = domain.RoomID(m)
	}
	return ids, nil
}

// Reset removes every presence key. Room state does not survive a restart,
// so the mirror is cleared on boot.
func (r *PresenceRepository) Reset(ctx context.Context) error {
	rooms, err := r.Rooms(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(rooms)+1)
	for _, id := range rooms {
		keys = append(keys, roomParticipantsKey(id))
	}
	keys = append(keys, roomsIndexKey)
	return r.client.Del(ctx, keys...).Err()
}
