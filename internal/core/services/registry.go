package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
)

type room struct {
	mu sync.Mutex

	id           domain.RoomID
	createdAt    time.Time
	participants map[domain.ParticipantID]*domain.Participant
	order        []domain.ParticipantID
	messages     []domain.ChatMessage

	// closed is set under mu when the last participant leaves. A Join that
	// resolved this pointer before deletion sees it and retries.
	closed bool
}

func (rm *room) membersExcept(id domain.ParticipantID) []domain.Participant {
	out := make([]domain.Participant, 0, len(rm.order))
	for _, pid := range rm.order {
		if pid == id {
			continue
		}
		out = append(out, *rm.participants[pid])
	}
	return out
}

func (rm *room) idsExcept(id domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(rm.order))
	for _, pid := range rm.order {
		if pid != id {
			out = append(out, pid)
		}
	}
	return out
}

func (rm *room) remove(id domain.ParticipantID) {
	delete(rm.participants, id)
	for i, pid := range rm.order {
		if pid == id {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
}

func (rm *room) history() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(rm.messages))
	copy(out, rm.messages)
	return out
}

type JoinResult struct {
	Participant    domain.Participant
	Others         []domain.Participant
	History        []domain.ChatMessage
	Created        bool
	AlreadyPresent bool
}

type LeaveResult struct {
	RoomID      domain.RoomID
	Participant domain.Participant
	Others      []domain.ParticipantID
	Remaining   int
	Closed      bool
}

type MediaUpdateResult struct {
	Participant domain.Participant
	Others      []domain.ParticipantID
}

type AppendResult struct {
	Message    domain.ChatMessage
	Recipients []domain.ParticipantID
}

// Registry owns every live room. Each room has its own lock guarding
// membership and chat history together; the registry lock only guards the
// room map.
type Registry struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*room

	maxMessages int
	now         func() time.Time
}

func NewRegistry(maxMessages int) *Registry {
	if maxMessages <= 0 || maxMessages > domain.MaxRoomMessages {
		maxMessages = domain.MaxRoomMessages
	}
	return &Registry{
		rooms:       make(map[domain.RoomID]*room),
		maxMessages: maxMessages,
		now:         time.Now,
	}
}

// acquire returns the room locked. With create set a missing room is created
// and created reports it.
func (r *Registry) acquire(id domain.RoomID, create bool) (rm *room, created bool, err error) {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[id]
		created = false
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil, false, fmt.Errorf("room %s: %w", id, domain.ErrRoomNotFound)
			}
			rm = &room{
				id:           id,
				createdAt:    r.now(),
				participants: make(map[domain.ParticipantID]*domain.Participant),
			}
			r.rooms[id] = rm
			created = true
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		return rm, created, nil
	}
}

// closeLocked marks rm closed and removes it from the map. rm.mu must be held.
func (r *Registry) closeLocked(rm *room) {
	rm.closed = true
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}

// Join adds p to the room, creating the room when needed. Joining twice with
// the same id is a no-op reported through AlreadyPresent. then runs with the
// room lock held.
func (r *Registry) Join(roomID domain.RoomID, p domain.Participant, then func(JoinResult)) (JoinResult, error) {
	rm, created, err := r.acquire(roomID, true)
	if err != nil {
		return JoinResult{}, err
	}
	defer rm.mu.Unlock()

	var res JoinResult
	if existing, ok := rm.participants[p.ID]; ok {
		res = JoinResult{Participant: *existing, AlreadyPresent: true}
	} else {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = r.now()
		}
		stored := p
		rm.participants[p.ID] = &stored
		rm.order = append(rm.order, p.ID)
		res = JoinResult{Participant: stored, Created: created}
	}
	res.Others = rm.membersExcept(p.ID)
	res.History = rm.history()

	if then != nil {
		then(res)
	}
	return res, nil
}

// Leave removes the participant; when the room empties it is deleted in the
// same critical section.
func (r *Registry) Leave(roomID domain.RoomID, id domain.ParticipantID, then func(LeaveResult)) (LeaveResult, error) {
	rm, _, err := r.acquire(roomID, false)
	if err != nil {
		return LeaveResult{}, err
	}
	defer rm.mu.Unlock()

	p, ok := rm.participants[id]
	if !ok {
		return LeaveResult{}, fmt.Errorf("participant %s in room %s: %w", id, roomID, domain.ErrParticipantNotFound)
	}
	res := r.leaveLocked(rm, *p)

	if then != nil {
		then(res)
	}
	return res, nil
}

func (r *Registry) leaveLocked(rm *room, p domain.Participant) LeaveResult {
	rm.remove(p.ID)
	res := LeaveResult{
		RoomID:      rm.id,
		Participant: p,
		Others:      rm.idsExcept(p.ID),
		Remaining:   len(rm.participants),
	}
	if res.Remaining == 0 {
		r.closeLocked(rm)
		res.Closed = true
	}
	return res
}

func (r *Registry) UpdateMediaState(roomID domain.RoomID, id domain.ParticipantID, patch domain.MediaStatePatch, then func(MediaUpdateResult)) (MediaUpdateResult, error) {
	rm, _, err := r.acquire(roomID, false)
	if err != nil {
		return MediaUpdateResult{}, err
	}
	defer rm.mu.Unlock()

	p, ok := rm.participants[id]
	if !ok {
		return MediaUpdateResult{}, fmt.Errorf("participant %s in room %s: %w", id, roomID, domain.ErrParticipantNotFound)
	}
	p.Media = patch.Apply(p.Media)

	res := MediaUpdateResult{Participant: *p, Others: rm.idsExcept(id)}
	if then != nil {
		then(res)
	}
	return res, nil
}

// AppendMessage stores msg, evicting the oldest entries beyond the bound, and
// returns every member except the sender.
func (r *Registry) AppendMessage(roomID domain.RoomID, msg domain.ChatMessage, then func(AppendResult)) (AppendResult, error) {
	rm, _, err := r.acquire(roomID, false)
	if err != nil {
		return AppendResult{}, err
	}
	defer rm.mu.Unlock()

	if _, ok := rm.participants[msg.SenderID]; !ok {
		return AppendResult{}, fmt.Errorf("participant %s in room %s: %w", msg.SenderID, roomID, domain.ErrParticipantNotFound)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}

	rm.messages = append(rm.messages, msg)
	if over := len(rm.messages) - r.maxMessages; over > 0 {
		kept := make([]domain.ChatMessage, r.maxMessages)
		copy(kept, rm.messages[over:])
		rm.messages = kept
	}

	res := AppendResult{Message: msg, Recipients: rm.idsExcept(msg.SenderID)}
	if then != nil {
		then(res)
	}
	return res, nil
}

func (r *Registry) Snapshot(roomID domain.RoomID) (domain.RoomSnapshot, error) {
	rm, _, err := r.acquire(roomID, false)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}
	defer rm.mu.Unlock()

	return domain.RoomSnapshot{
		ID:           rm.id,
		Participants: rm.membersExcept(""),
		Messages:     rm.history(),
		CreatedAt:    rm.createdAt,
	}, nil
}

// Members returns the participants of a room in join order, or nil when the
// room does not exist.
func (r *Registry) Members(roomID domain.RoomID) []domain.Participant {
	rm, _, err := r.acquire(roomID, false)
	if err != nil {
		return nil
	}
	defer rm.mu.Unlock()
	return rm.membersExcept("")
}

func (r *Registry) IsMember(roomID domain.RoomID, id domain.ParticipantID) bool {
	rm, _, err := r.acquire(roomID, false)
	if err != nil {
		return false
	}
	defer rm.mu.Unlock()
	_, ok := rm.participants[id]
	return ok
}

// WithMembers runs fn with the room lock held when every id in ids belongs to
// the room. Otherwise fn is not run and the first missing id is returned.
func (r *Registry) WithMembers(roomID domain.RoomID, fn func(), ids ...domain.ParticipantID) (domain.ParticipantID, bool) {
	rm, _, err := r.acquire(roomID, false)
	if err != nil {
		if len(ids) == 0 {
			return "", false
		}
		return ids[0], false
	}
	defer rm.mu.Unlock()

	for _, id := range ids {
		if _, ok := rm.participants[id]; !ok {
			return id, false
		}
	}
	fn()
	return "", true
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) ParticipantCount() int {
	total := 0
	for _, rm := range r.roomList() {
		rm.mu.Lock()
		if !rm.closed {
			total += len(rm.participants)
		}
		rm.mu.Unlock()
	}
	return total
}

func (r *Registry) Stats() domain.RegistryStats {
	rooms := r.roomList()
	stats := domain.RegistryStats{}
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed {
			stats.Rooms++
			stats.Participants += len(rm.participants)
		}
		rm.mu.Unlock()
	}
	return stats
}

// Rooms summarizes every live room ordered by creation time.
func (r *Registry) Rooms() []domain.RoomStats {
	var out []domain.RoomStats
	for _, rm := range r.roomList() {
		rm.mu.Lock()
		if !rm.closed {
			out = append(out, domain.RoomStats{
				RoomID:       rm.id,
				Participants: len(rm.participants),
				Messages:     len(rm.messages),
				CreatedAt:    rm.createdAt,
			})
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep evicts participants for which isLive reports false and deletes rooms
// left empty, including rooms that never got a participant. then runs once per
// eviction with the room lock held. It returns the number of evictions.
func (r *Registry) Sweep(isLive func(domain.ParticipantID) bool, then func(LeaveResult)) int {
	evicted := 0
	for _, rm := range r.roomList() {
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		for _, pid := range append([]domain.ParticipantID(nil), rm.order...) {
			if isLive(pid) {
				continue
			}
			res := r.leaveLocked(rm, *rm.participants[pid])
			evicted++
			if then != nil {
				then(res)
			}
		}
		if !rm.closed && len(rm.participants) == 0 {
			r.closeLocked(rm)
		}
		rm.mu.Unlock()
	}
	return evicted
}

func (r *Registry) roomList() []*room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}
