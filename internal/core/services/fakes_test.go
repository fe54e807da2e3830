package services

import (
	"context"
	"sync"

	"meetrelay/internal/core/domain"
	"meetrelay/pkg/protocol"

	"github.com/stretchr/testify/mock"
)

type sentFrame struct {
	To  domain.ParticipantID
	Msg *protocol.Message
}

// recordingTransport keeps every frame in send order.
type recordingTransport struct {
	mu        sync.Mutex
	frames    []sentFrame
	connected map[domain.ParticipantID]bool
}

func newRecordingTransport(ids ...domain.ParticipantID) *recordingTransport {
	t := &recordingTransport{connected: make(map[domain.ParticipantID]bool)}
	for _, id := range ids {
		t.connected[id] = true
	}
	return t
}

func (t *recordingTransport) connect(id domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected[id] = true
}

func (t *recordingTransport) disconnect(id domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connected, id)
}

func (t *recordingTransport) Send(id domain.ParticipantID, msg *protocol.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected[id] {
		return false
	}
	t.frames = append(t.frames, sentFrame{To: id, Msg: msg})
	return true
}

func (t *recordingTransport) IsConnected(id domain.ParticipantID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[id]
}

func (t *recordingTransport) to(id domain.ParticipantID) []*protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*protocol.Message
	for _, f := range t.frames {
		if f.To == id {
			out = append(out, f.Msg)
		}
	}
	return out
}

func (t *recordingTransport) types(id domain.ParticipantID) []string {
	var out []string
	for _, m := range t.to(id) {
		out = append(out, m.Type)
	}
	return out
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, event domain.RoomEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) SignalRouted()               { m.Called() }
func (m *MockMetrics) SignalDropped(reason string) { m.Called(reason) }
func (m *MockMetrics) ChatMessage()                { m.Called() }
