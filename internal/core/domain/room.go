package domain

import "time"

type RoomID string
type ParticipantID string
type MessageID string

// MaxRoomMessages bounds the chat history kept per room.
const MaxRoomMessages = 100

type MediaState struct {
	Video         bool `json:"video"`
	Audio         bool `json:"audio"`
	ScreenSharing bool `json:"screenSharing"`
}

// MediaStatePatch carries only the flags that changed.
type MediaStatePatch struct {
	Video         *bool
	Audio         *bool
	ScreenSharing *bool
}

func (p MediaStatePatch) Apply(s MediaState) MediaState {
	if p.Video != nil {
		s.Video = *p.Video
	}
	if p.Audio != nil {
		s.Audio = *p.Audio
	}
	if p.ScreenSharing != nil {
		s.ScreenSharing = *p.ScreenSharing
	}
	return s
}

type MediaKind string

const (
	MediaVideo       MediaKind = "video"
	MediaAudio       MediaKind = "audio"
	MediaScreenShare MediaKind = "screen"
)

// Patch builds a single-flag patch for kind.
func (k MediaKind) Patch(enabled bool) MediaStatePatch {
	switch k {
	case MediaVideo:
		return MediaStatePatch{Video: &enabled}
	case MediaAudio:
		return MediaStatePatch{Audio: &enabled}
	case MediaScreenShare:
		return MediaStatePatch{ScreenSharing: &enabled}
	}
	return MediaStatePatch{}
}

type Participant struct {
	ID          ParticipantID
	DisplayName string
	JoinedAt    time.Time
	Media       MediaState
}

type ChatMessage struct {
	ID         MessageID
	SenderID   ParticipantID
	SenderName string
	Text       string
	Timestamp  time.Time
}

// RoomSnapshot is a copy of a room's state, safe to read without locks.
type RoomSnapshot struct {
	ID           RoomID
	Participants []Participant
	Messages     []ChatMessage
	CreatedAt    time.Time
}
