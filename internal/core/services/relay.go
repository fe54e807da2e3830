package services

import (
	"context"
	"net/http"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	apperrors "meetrelay/pkg/errors"
	"meetrelay/pkg/protocol"
	"meetrelay/pkg/tracing"
	"meetrelay/pkg/utils"

	"go.uber.org/zap"
)

// Drop reasons reported to metrics.
const (
	DropSenderNotMember = "sender_not_member"
	DropTargetNotMember = "target_not_member"
	DropNotConnected    = "not_connected"
	DropSelf            = "self"
)

// Relay forwards negotiation signals between two members of the same room.
// Payloads are opaque; only their shape is checked.
type Relay struct {
	rooms      ports.RoomRegistry
	transport  ports.Transport
	metrics    ports.MeetingMetrics
	logger     *zap.SugaredLogger
	maxNameLen int
}

func NewRelay(rooms ports.RoomRegistry, transport ports.Transport, metrics ports.MeetingMetrics, logger *zap.SugaredLogger, maxNameLen int) *Relay {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Relay{
		rooms:      rooms,
		transport:  transport,
		metrics:    metrics,
		logger:     logger,
		maxNameLen: maxNameLen,
	}
}

// Route delivers sig to the connection registered as to. A target that is not
// reachable is dropped and counted; only a malformed signal is an error.
func (r *Relay) Route(ctx context.Context, roomID domain.RoomID, from, to domain.ParticipantID, sig domain.Signal) error {
	if err := sig.Validate(); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}

	kind := "ice"
	if sig.SDP != nil {
		kind = "sdp"
	}
	ctx, span := tracing.TraceSignalRoute(ctx, string(roomID), string(from), string(to), kind)
	defer span.End()

	if from == to {
		r.drop(roomID, from, to, DropSelf)
		return nil
	}

	sig.DisplayName = utils.EscapeText(sig.DisplayName, r.maxNameLen)
	msg, err := protocol.New(protocol.TypeSignal, protocol.SignalInPayload{From: from, Signal: sig})
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode signal", http.StatusInternalServerError)
	}

	// Send runs under the room lock, ordered against a concurrent leave.
	var sent bool
	missing, ok := r.rooms.WithMembers(roomID, func() {
		sent = r.transport.Send(to, msg)
	}, from, to)
	switch {
	case !ok && missing == from:
		r.drop(roomID, from, to, DropSenderNotMember)
		return nil
	case !ok:
		r.drop(roomID, from, to, DropTargetNotMember)
		return nil
	case !sent:
		r.drop(roomID, from, to, DropNotConnected)
		return nil
	}

	r.metrics.SignalRouted()
	r.logger.Debugw("Signal routed",
		"room_id", roomID,
		"from", from,
		"to", to,
		"kind", kind,
	)
	return nil
}

func (r *Relay) drop(roomID domain.RoomID, from, to domain.ParticipantID, reason string) {
	r.metrics.SignalDropped(reason)
	r.logger.Infow("Signal dropped",
		"room_id", roomID,
		"from", from,
		"to", to,
		"reason", reason,
	)
}

// NopMetrics discards every counter.
type NopMetrics struct{}

func (NopMetrics) SignalRouted()        {}
func (NopMetrics) SignalDropped(string) {}
func (NopMetrics) ChatMessage()         {}
func (NopMetrics) ConnectionOpened()    {}
func (NopMetrics) ConnectionClosed()    {}
