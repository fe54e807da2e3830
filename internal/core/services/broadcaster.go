package services

import (
	"context"
	"fmt"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	apperrors "meetrelay/pkg/errors"
	"meetrelay/pkg/protocol"
	"meetrelay/pkg/tracing"
	"meetrelay/pkg/utils"

	"go.uber.org/zap"
)

const defaultDisplayName = "Guest"

type BroadcasterConfig struct {
	MaxDisplayNameLen int
	MaxChatLen        int
}

// Broadcaster applies presence, media and chat changes to the registry and
// fans the resulting frames out to room members. Every delivery is enqueued
// while the room lock is held, so members observe changes in mutation order.
type Broadcaster struct {
	registry  *Registry
	transport ports.Transport
	events    ports.RoomEventPublisher
	metrics   ports.MeetingMetrics
	logger    *zap.SugaredLogger
	cfg       BroadcasterConfig

	now   func() time.Time
	newID func() string
}

func NewBroadcaster(
	registry *Registry,
	transport ports.Transport,
	events ports.RoomEventPublisher,
	metrics ports.MeetingMetrics,
	logger *zap.SugaredLogger,
	cfg BroadcasterConfig,
) *Broadcaster {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Broadcaster{
		registry:  registry,
		transport: transport,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       utils.Now,
		newID:     utils.GenerateMessageID,
	}
}

// Join admits a participant. The joiner receives all-users followed by the
// chat history; everyone else receives user-connected. Re-joining with an id
// already in the room sends nothing.
func (b *Broadcaster) Join(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, name string) (JoinResult, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "join", string(roomID))
	defer span.End()

	p := domain.Participant{
		ID:          id,
		DisplayName: b.displayName(name),
		JoinedAt:    b.now(),
		Media:       domain.MediaState{Video: true, Audio: true},
	}

	res, err := b.registry.Join(roomID, p, func(res JoinResult) {
		if res.AlreadyPresent {
			return
		}

		users := make([]protocol.PeerInfo, 0, len(res.Others))
		for _, o := range res.Others {
			users = append(users, protocol.PeerInfo{ID: o.ID, Name: o.DisplayName, Media: o.Media})
		}
		b.send(id, protocol.TypeAllUsers, protocol.AllUsersPayload{Self: id, Users: users})

		for _, m := range res.History {
			b.send(id, protocol.TypeChatMessage, protocol.ChatFromDomain(m))
		}

		joined := protocol.UserPayload{ID: id, Name: res.Participant.DisplayName}
		for _, o := range res.Others {
			b.send(o.ID, protocol.TypeUserConnected, joined)
		}

		if res.Created {
			b.publish(ctx, domain.RoomEvent{Type: domain.EventRoomCreated, RoomID: roomID, Participants: 0})
		}
		b.publish(ctx, domain.RoomEvent{
			Type:          domain.EventParticipantJoined,
			RoomID:        roomID,
			ParticipantID: id,
			DisplayName:   res.Participant.DisplayName,
			Participants:  len(res.Others) + 1,
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return JoinResult{}, err
	}

	b.logger.Infow("Participant joined room",
		"room_id", roomID,
		"participant_id", id,
		"participants", len(res.Others)+1,
		"already_present", res.AlreadyPresent,
	)
	return res, nil
}

// Leave removes a participant and tells the remaining members.
func (b *Broadcaster) Leave(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID) (LeaveResult, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "leave", string(roomID))
	defer span.End()

	res, err := b.registry.Leave(roomID, id, func(res LeaveResult) {
		b.announceLeave(ctx, res)
	})
	if err != nil {
		return LeaveResult{}, err
	}

	b.logger.Infow("Participant left room",
		"room_id", roomID,
		"participant_id", id,
		"remaining", res.Remaining,
		"room_closed", res.Closed,
	)
	return res, nil
}

func (b *Broadcaster) announceLeave(ctx context.Context, res LeaveResult) {
	left := protocol.UserPayload{ID: res.Participant.ID, Name: res.Participant.DisplayName}
	for _, o := range res.Others {
		b.send(o, protocol.TypeUserDisconnected, left)
	}

	b.publish(ctx, domain.RoomEvent{
		Type:          domain.EventParticipantLeft,
		RoomID:        res.RoomID,
		ParticipantID: res.Participant.ID,
		DisplayName:   res.Participant.DisplayName,
		Participants:  res.Remaining,
	})
	if res.Closed {
		b.publish(ctx, domain.RoomEvent{Type: domain.EventRoomClosed, RoomID: res.RoomID})
	}
}

// SetMediaState records a media toggle and announces it to everyone else.
func (b *Broadcaster) SetMediaState(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, kind domain.MediaKind, enabled bool) error {
	outType := protocol.MediaBroadcastType(kind, enabled)
	if outType == "" {
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown media kind %q", kind))
	}

	_, err := b.registry.UpdateMediaState(roomID, id, kind.Patch(enabled), func(res MediaUpdateResult) {
		var payload interface{} = protocol.UserMediaStatePayload{ID: id, Enabled: enabled}
		if kind == domain.MediaScreenShare {
			payload = protocol.UserIDPayload{ID: id}
		}
		for _, o := range res.Others {
			b.send(o, outType, payload)
		}
	})
	if err != nil {
		return err
	}

	b.logger.Debugw("Media state changed",
		"room_id", roomID,
		"participant_id", id,
		"kind", kind,
		"enabled", enabled,
	)
	return nil
}

// Chat stores a message and delivers it to every member except the sender.
func (b *Broadcaster) Chat(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, name, text string) (domain.ChatMessage, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "chat", string(roomID))
	defer span.End()

	text = utils.EscapeText(text, b.cfg.MaxChatLen)
	if text == "" {
		return domain.ChatMessage{}, apperrors.NewInvalidInputError("chat text is required")
	}

	msg := domain.ChatMessage{
		ID:         domain.MessageID(b.newID()),
		SenderID:   id,
		SenderName: b.displayName(name),
		Text:       text,
		Timestamp:  b.now(),
	}

	res, err := b.registry.AppendMessage(roomID, msg, func(res AppendResult) {
		payload := protocol.ChatFromDomain(res.Message)
		for _, o := range res.Recipients {
			b.send(o, protocol.TypeChatMessage, payload)
		}
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.ChatMessage{}, err
	}

	b.metrics.ChatMessage()
	b.logger.Debugw("Chat message broadcast",
		"room_id", roomID,
		"participant_id", id,
		"message_id", msg.ID,
		"recipients", len(res.Recipients),
	)
	return res.Message, nil
}

// Sweep evicts participants whose connection is gone, announcing each
// departure as a regular leave.
func (b *Broadcaster) Sweep(ctx context.Context, isLive func(domain.ParticipantID) bool) int {
	evicted := b.registry.Sweep(isLive, func(res LeaveResult) {
		b.announceLeave(ctx, res)
	})
	if evicted > 0 {
		b.logger.Infow("Evicted stale participants", "count", evicted)
	}
	return evicted
}

func (b *Broadcaster) displayName(name string) string {
	name = utils.EscapeText(name, b.cfg.MaxDisplayNameLen)
	if name == "" {
		return defaultDisplayName
	}
	return name
}

func (b *Broadcaster) send(to domain.ParticipantID, msgType string, payload interface{}) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		b.logger.Errorw("Failed to encode frame", "type", msgType, "error", err)
		return
	}
	if !b.transport.Send(to, msg) {
		b.logger.Debugw("Frame not delivered", "type", msgType, "participant_id", to)
	}
}

func (b *Broadcaster) publish(ctx context.Context, event domain.RoomEvent) {
	if b.events == nil {
		return
	}
	event.At = b.now()
	if err := b.events.Publish(ctx, event); err != nil {
		b.logger.Warnw("Failed to publish room event",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
	}
}
