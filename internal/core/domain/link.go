package domain

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOffering
	LinkAwaitingAnswer
	LinkAnswering
	LinkConnected
	LinkRenegotiating
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "IDLE"
	case LinkOffering:
		return "OFFERING"
	case LinkAwaitingAnswer:
		return "AWAITING_ANSWER"
	case LinkAnswering:
		return "ANSWERING"
	case LinkConnected:
		return "CONNECTED"
	case LinkRenegotiating:
		return "RENEGOTIATING"
	case LinkClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var linkTransitions = map[LinkState][]LinkState{
	LinkIdle:           {LinkOffering, LinkAnswering},
	LinkOffering:       {LinkAwaitingAnswer, LinkAnswering},
	LinkAwaitingAnswer: {LinkConnected, LinkAnswering},
	LinkAnswering:      {LinkConnected},
	LinkConnected:      {LinkRenegotiating},
	LinkRenegotiating:  {LinkConnected},
}

// CanTransition reports whether a PeerLink may move from s to next.
// Every state may move to LinkClosed; LinkClosed is terminal.
func (s LinkState) CanTransition(next LinkState) bool {
	if s == LinkClosed {
		return false
	}
	if next == LinkClosed {
		return true
	}
	for _, allowed := range linkTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Negotiating reports whether the link has not reached CONNECTED yet.
func (s LinkState) Negotiating() bool {
	return s != LinkConnected && s != LinkClosed
}

type LinkRole string

const (
	RoleOfferer  LinkRole = "offerer"
	RoleAnswerer LinkRole = "answerer"
)

// WinsGlare reports whether local's offer is kept when both sides offer at once.
func WinsGlare(local, remote ParticipantID) bool {
	return local < remote
}
