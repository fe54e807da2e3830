package domain

type SessionDescription struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// Signal is the opaque negotiation payload relayed between two participants.
// Exactly one of SDP or ICE is set.
type Signal struct {
	SDP         *SessionDescription `json:"sdp,omitempty"`
	ICE         *ICECandidate       `json:"ice,omitempty"`
	DisplayName string              `json:"userName,omitempty"`
}

func (s Signal) Validate() error {
	if (s.SDP == nil) == (s.ICE == nil) {
		return ErrMalformedSignal
	}
	return nil
}

type SignalEnvelope struct {
	From   ParticipantID
	To     ParticipantID
	Signal Signal
}
