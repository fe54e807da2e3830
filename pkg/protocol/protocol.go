// Package protocol defines the JSON frames exchanged over the signaling socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"meetrelay/internal/core/domain"
)

// Client to server.
const (
	TypeJoinRoom           = "join-room"
	TypeLeaveRoom          = "leave-room"
	TypeSignal             = "signal"
	TypeChatMessage        = "chat-message"
	TypeVideoStateChange   = "video-state-change"
	TypeAudioStateChange   = "audio-state-change"
	TypeScreenShareStarted = "screen-share-started"
	TypeScreenShareStopped = "screen-share-stopped"
)

// Server to client.
const (
	TypeAllUsers               = "all-users"
	TypeUserConnected          = "user-connected"
	TypeUserDisconnected       = "user-disconnected"
	TypeUserVideoStateChange   = "user-video-state-change"
	TypeUserAudioStateChange   = "user-audio-state-change"
	TypeUserScreenShareStarted = "user-screen-share-started"
	TypeUserScreenShareStopped = "user-screen-share-stopped"
	TypeError                  = "error"
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New marshals payload into a frame of the given type.
func New(msgType string, payload interface{}) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// MustNew is New for payload types that always marshal.
func MustNew(msgType string, payload interface{}) *Message {
	msg, err := New(msgType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
	DisplayName   string               `json:"displayName"`
}

type PeerInfo struct {
	ID    domain.ParticipantID `json:"id"`
	Name  string               `json:"name"`
	Media domain.MediaState    `json:"media"`
}

type AllUsersPayload struct {
	Self  domain.ParticipantID `json:"self"`
	Users []PeerInfo           `json:"users"`
}

type UserPayload struct {
	ID   domain.ParticipantID `json:"id"`
	Name string               `json:"name"`
}

type SignalOutPayload struct {
	Target domain.ParticipantID `json:"target"`
	Signal domain.Signal        `json:"signal"`
}

type SignalInPayload struct {
	From   domain.ParticipantID `json:"from"`
	Signal domain.Signal        `json:"signal"`
}

type ChatOutPayload struct {
	Text        string `json:"text"`
	DisplayName string `json:"displayName,omitempty"`
}

type ChatInPayload struct {
	ID          domain.MessageID     `json:"id"`
	Text        string               `json:"text"`
	DisplayName string               `json:"displayName"`
	SenderID    domain.ParticipantID `json:"senderId"`
	Timestamp   time.Time            `json:"timestamp"`
}

type MediaStatePayload struct {
	Enabled bool `json:"enabled"`
}

type UserMediaStatePayload struct {
	ID      domain.ParticipantID `json:"id"`
	Enabled bool                 `json:"enabled"`
}

type UserIDPayload struct {
	ID domain.ParticipantID `json:"id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatFromDomain converts a stored message into its wire form.
func ChatFromDomain(m domain.ChatMessage) ChatInPayload {
	return ChatInPayload{
		ID:          m.ID,
		Text:        m.Text,
		DisplayName: m.SenderName,
		SenderID:    m.SenderID,
		Timestamp:   m.Timestamp,
	}
}

// MediaStateTypes maps an inbound media frame to its kind, the enabled value
// implied by the frame type (screen share frames carry no payload) and the
// type rebroadcast to the rest of the room.
func MediaStateTypes(msgType string) (kind domain.MediaKind, implied *bool, outType string, ok bool) {
	on, off := true, false
	switch msgType {
	case TypeVideoStateChange:
		return domain.MediaVideo, nil, TypeUserVideoStateChange, true
	case TypeAudioStateChange:
		return domain.MediaAudio, nil, TypeUserAudioStateChange, true
	case TypeScreenShareStarted:
		return domain.MediaScreenShare, &on, TypeUserScreenShareStarted, true
	case TypeScreenShareStopped:
		return domain.MediaScreenShare, &off, TypeUserScreenShareStopped, true
	}
	return "", nil, "", false
}

// MediaBroadcastType is the server to client frame type announcing that a
// participant toggled kind.
func MediaBroadcastType(kind domain.MediaKind, enabled bool) string {
	switch kind {
	case domain.MediaVideo:
		return TypeUserVideoStateChange
	case domain.MediaAudio:
		return TypeUserAudioStateChange
	case domain.MediaScreenShare:
		if enabled {
			return TypeUserScreenShareStarted
		}
		return TypeUserScreenShareStopped
	}
	return ""
}
