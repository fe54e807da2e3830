package signal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/services"
	"meetrelay/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingMetrics struct {
	opened, closed int64
}

func (m *countingMetrics) ConnectionOpened() { atomic.AddInt64(&m.opened, 1) }
func (m *countingMetrics) ConnectionClosed() { atomic.AddInt64(&m.closed, 1) }

type testEnv struct {
	server   *WebSocketServer
	registry *services.Registry
	metrics  *countingMetrics
	http     *httptest.Server
	url      string
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}

	metrics := &countingMetrics{}
	ws := NewWebSocketServer(metrics, opts, logger)
	reg := services.NewRegistry(0)
	broadcaster := services.NewBroadcaster(reg, ws, nil, nil, logger, services.BroadcasterConfig{
		MaxDisplayNameLen: 40,
		MaxChatLen:        2000,
	})
	relay := services.NewRelay(reg, ws, nil, logger, 40)
	ws.Bind(broadcaster, relay)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(func() {
		ws.CloseAll()
		srv.Close()
	})

	return &testEnv{
		server:   ws,
		registry: reg,
		metrics:  metrics,
		http:     srv,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.MustNew(msgType, payload)))
}

// expect reads frames until one of msgType arrives, failing on timeout.
func expect(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return &msg
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, room, name string) protocol.AllUsersPayload {
	t.Helper()
	send(t, conn, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: domain.RoomID(room), DisplayName: name})
	var all protocol.AllUsersPayload
	require.NoError(t, expect(t, conn, protocol.TypeAllUsers).Decode(&all))
	require.NotEmpty(t, all.Self)
	return all
}

func TestWebSocketServer_JoinAnnouncesPresence(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)

	aliceInfo := join(t, alice, "standup", "Alice")
	assert.Empty(t, aliceInfo.Users)

	bobInfo := join(t, bob, "standup", "Bob")
	require.Len(t, bobInfo.Users, 1)
	assert.Equal(t, aliceInfo.Self, bobInfo.Users[0].ID)
	assert.Equal(t, "Alice", bobInfo.Users[0].Name)

	var connected protocol.UserPayload
	require.NoError(t, expect(t, alice, protocol.TypeUserConnected).Decode(&connected))
	assert.Equal(t, bobInfo.Self, connected.ID)
	assert.Equal(t, "Bob", connected.Name)

	assert.Equal(t, 2, env.registry.ParticipantCount())
}

func TestWebSocketServer_RelaysSignalToTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)
	aliceInfo := join(t, alice, "r1", "Alice")
	bobInfo := join(t, bob, "r1", "Bob")

	send(t, bob, protocol.TypeSignal, protocol.SignalOutPayload{
		Target: aliceInfo.Self,
		Signal: domain.Signal{SDP: &domain.SessionDescription{Type: "offer", Content: "v=0"}},
	})

	var in protocol.SignalInPayload
	require.NoError(t, expect(t, alice, protocol.TypeSignal).Decode(&in))
	assert.Equal(t, bobInfo.Self, in.From)
	require.NotNil(t, in.Signal.SDP)
	assert.Equal(t, "offer", in.Signal.SDP.Type)
}

func TestWebSocketServer_ChatAndHistoryReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)
	join(t, alice, "r1", "Alice")
	join(t, bob, "r1", "Bob")

	send(t, alice, protocol.TypeChatMessage, protocol.ChatOutPayload{Text: "<b>hi</b>"})

	var chat protocol.ChatInPayload
	require.NoError(t, expect(t, bob, protocol.TypeChatMessage).Decode(&chat))
	assert.Equal(t, "&lt;b&gt;hi&lt;/b&gt;", chat.Text)
	assert.Equal(t, "Alice", chat.DisplayName)
	assert.NotEmpty(t, chat.ID)

	carol := env.dial(t)
	join(t, carol, "r1", "Carol")
	var replay protocol.ChatInPayload
	require.NoError(t, expect(t, carol, protocol.TypeChatMessage).Decode(&replay))
	assert.Equal(t, chat.ID, replay.ID)
}

func TestWebSocketServer_ChatWithoutNameUsesJoinName(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)
	join(t, alice, "r1", "A&B")
	join(t, bob, "r1", "Bob")

	send(t, alice, protocol.TypeChatMessage, protocol.ChatOutPayload{Text: "hi"})

	var chat protocol.ChatInPayload
	require.NoError(t, expect(t, bob, protocol.TypeChatMessage).Decode(&chat))
	assert.Equal(t, "A&amp;B", chat.DisplayName)

	carol := env.dial(t)
	join(t, carol, "r1", "Carol")
	var replay protocol.ChatInPayload
	require.NoError(t, expect(t, carol, protocol.TypeChatMessage).Decode(&replay))
	assert.Equal(t, "A&amp;B", replay.DisplayName)
}

func TestWebSocketServer_ConcurrentJoinsToEmptyRoom(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 20; i++ {
		room := domain.RoomID(fmt.Sprintf("race-%d", i))
		conns := []*websocket.Conn{env.dial(t), env.dial(t)}

		var wg sync.WaitGroup
		errs := make([]error, len(conns))
		for j, conn := range conns {
			wg.Add(1)
			go func(j int, conn *websocket.Conn) {
				defer wg.Done()
				errs[j] = conn.WriteJSON(protocol.MustNew(protocol.TypeJoinRoom, protocol.JoinRoomPayload{
					RoomID:      room,
					DisplayName: fmt.Sprintf("p%d", j),
				}))
			}(j, conn)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		all := make([]protocol.AllUsersPayload, len(conns))
		for j, conn := range conns {
			require.NoError(t, expect(t, conn, protocol.TypeAllUsers).Decode(&all[j]))
		}

		first, second := 0, 1
		if len(all[0].Users) != 0 {
			first, second = 1, 0
		}
		require.Empty(t, all[first].Users, "round %d", i)
		require.Len(t, all[second].Users, 1, "round %d", i)
		assert.Equal(t, all[first].Self, all[second].Users[0].ID)

		var joined protocol.UserPayload
		require.NoError(t, expect(t, conns[first], protocol.TypeUserConnected).Decode(&joined))
		assert.Equal(t, all[second].Self, joined.ID)

		// The later joiner sees the chat with no presence frame about itself before it.
		send(t, conns[first], protocol.TypeChatMessage, protocol.ChatOutPayload{Text: "ping"})
		conns[second].SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var msg protocol.Message
			require.NoError(t, conns[second].ReadJSON(&msg))
			require.NotEqual(t, protocol.TypeUserConnected, msg.Type, "round %d", i)
			if msg.Type == protocol.TypeChatMessage {
				break
			}
		}

		snap, err := env.registry.Snapshot(room)
		require.NoError(t, err)
		assert.Len(t, snap.Participants, 2)
	}
}

func TestWebSocketServer_DisconnectNotifiesRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)
	join(t, alice, "r1", "Alice")
	bobInfo := join(t, bob, "r1", "Bob")

	require.NoError(t, bob.Close())

	var left protocol.UserPayload
	require.NoError(t, expect(t, alice, protocol.TypeUserDisconnected).Decode(&left))
	assert.Equal(t, bobInfo.Self, left.ID)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&env.metrics.closed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.registry.ParticipantCount())
}

func TestWebSocketServer_LeaveRoomKeepsSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)
	join(t, alice, "r1", "Alice")
	join(t, bob, "r1", "Bob")

	send(t, bob, protocol.TypeLeaveRoom, nil)
	expect(t, alice, protocol.TypeUserDisconnected)

	assert.Equal(t, 2, env.server.ConnectionCount())
	join(t, bob, "r2", "Bob")
}

func TestWebSocketServer_MediaStateBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)
	aliceInfo := join(t, alice, "r1", "Alice")
	join(t, bob, "r1", "Bob")

	send(t, alice, protocol.TypeVideoStateChange, protocol.MediaStatePayload{Enabled: false})
	var ms protocol.UserMediaStatePayload
	require.NoError(t, expect(t, bob, protocol.TypeUserVideoStateChange).Decode(&ms))
	assert.Equal(t, aliceInfo.Self, ms.ID)
	assert.False(t, ms.Enabled)

	send(t, alice, protocol.TypeScreenShareStarted, nil)
	var started protocol.UserIDPayload
	require.NoError(t, expect(t, bob, protocol.TypeUserScreenShareStarted).Decode(&started))
	assert.Equal(t, aliceInfo.Self, started.ID)
}

func TestWebSocketServer_Errors(t *testing.T) {
	cases := []struct {
		name    string
		msgType string
		payload interface{}
		code    string
	}{
		{"signal before join", protocol.TypeSignal, protocol.SignalOutPayload{Target: "x"}, "FORBIDDEN"},
		{"chat before join", protocol.TypeChatMessage, protocol.ChatOutPayload{Text: "hi"}, "FORBIDDEN"},
		{"unknown type", "dance", nil, "INVALID_INPUT"},
		{"invalid room id", protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: "bad room!"}, "INVALID_INPUT"},
		{"participant id mismatch", protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: "r1", ParticipantID: "someone-else"}, "INVALID_INPUT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			conn := env.dial(t)

			send(t, conn, tc.msgType, tc.payload)
			var e protocol.ErrorPayload
			require.NoError(t, expect(t, conn, protocol.TypeError).Decode(&e))
			assert.Equal(t, tc.code, e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestWebSocketServer_MalformedSignalRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	bob := env.dial(t)
	join(t, alice, "r1", "Alice")
	bobInfo := join(t, bob, "r1", "Bob")

	send(t, alice, protocol.TypeSignal, protocol.SignalOutPayload{Target: bobInfo.Self})
	var e protocol.ErrorPayload
	require.NoError(t, expect(t, alice, protocol.TypeError).Decode(&e))
	assert.Equal(t, "INVALID_INPUT", e.Code)
}

func TestWebSocketServer_MalformedFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var e protocol.ErrorPayload
	require.NoError(t, expect(t, conn, protocol.TypeError).Decode(&e))
	assert.Equal(t, "INVALID_INPUT", e.Code)
}

func TestWebSocketServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.MessagesPerSecond = 1
		o.Burst = 1
	})
	conn := env.dial(t)

	join(t, conn, "r1", "Alice")
	send(t, conn, protocol.TypeChatMessage, protocol.ChatOutPayload{Text: "too fast"})

	var e protocol.ErrorPayload
	require.NoError(t, expect(t, conn, protocol.TypeError).Decode(&e))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", e.Code)
}

func TestWebSocketServer_CheckOrigin(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.AllowedOrigins = []string{"https://meet.example.com"}
	})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.org")
	_, resp, err := websocket.DefaultDialer.Dial(env.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://meet.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(env.url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketServer_SendToUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.False(t, env.server.Send("ghost", protocol.MustNew(protocol.TypeUserConnected, nil)))
	assert.False(t, env.server.IsConnected("ghost"))
}
