package domain

import "time"

type RoomStats struct {
	RoomID       RoomID
	Participants int
	Messages     int
	CreatedAt    time.Time
}

type RegistryStats struct {
	Rooms        int
	Participants int
}

// LinkStats is what a PeerLink learned from RTCP feedback and inbound RTP.
type LinkStats struct {
	PLIReceived   uint64
	NACKReceived  uint64
	BytesReceived uint64
	PacketsLost   uint64
	EstimatedBPS  uint64
}
