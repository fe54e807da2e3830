package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/services"
	"meetrelay/internal/infrastructure/middleware"
	"meetrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *services.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := services.NewRegistry(0)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger.Nop()))
	NewRoomHandler(reg, "/ws", 64, logger.Nop()).SetupRoutes(router)
	return router, reg
}

func do(router http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestLandingPage(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(router, "/?room=standup")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `action="/room"`)
	assert.Contains(t, w.Body.String(), `value="standup"`)
}

func TestRoomPage(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(router, "/room?room=standup&name=%3Cb%3EAda%3C%2Fb%3E")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `data-room="standup"`)
	assert.Contains(t, body, `data-signal="/ws"`)
	assert.Contains(t, body, "&lt;b&gt;Ada&lt;/b&gt;")
	assert.NotContains(t, body, "<b>Ada</b>")
}

func TestRoomPage_Redirects(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		name     string
		target   string
		location string
	}{
		{"missing room", "/room?name=Ada", "/"},
		{"invalid room", "/room?room=a%20b&name=Ada", "/"},
		{"missing name", "/room?room=standup", "/?room=standup"},
		{"name too long", "/room?room=standup&name=" + strings.Repeat("x", 65), "/?room=standup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.target)
			assert.Equal(t, http.StatusFound, w.Code)
			assert.Equal(t, tt.location, w.Header().Get("Location"))
		})
	}
}

func TestGetRoom(t *testing.T) {
	router, reg := setupRouter(t)
	_, err := reg.Join("standup", domain.Participant{ID: "a", DisplayName: "Ada"}, nil)
	require.NoError(t, err)
	_, err = reg.Join("standup", domain.Participant{ID: "b", DisplayName: "Bob"}, nil)
	require.NoError(t, err)
	_, err = reg.AppendMessage("standup", domain.ChatMessage{ID: "m1", SenderID: "a", SenderName: "Ada", Text: "hi"}, nil)
	require.NoError(t, err)

	w := do(router, "/api/v1/rooms/standup")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Room RoomSummary `json:"room"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.RoomID("standup"), body.Room.ID)
	assert.Equal(t, 2, body.Room.Participants)
	assert.Equal(t, 1, body.Room.Messages)
	assert.False(t, body.Room.CreatedAt.IsZero())
}

func TestGetRoom_Errors(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(router, "/api/v1/rooms/nobody-here")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"NOT_FOUND"`)

	w = do(router, "/api/v1/rooms/"+strings.Repeat("r", 65))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"INVALID_INPUT"`)
}

func TestListRooms(t *testing.T) {
	router, reg := setupRouter(t)

	w := do(router, "/api/v1/rooms")
	require.Equal(t, http.StatusOK, w.Code)
	var empty RoomList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.Empty(t, empty.Rooms)
	assert.NotNil(t, empty.Rooms)

	_, _ = reg.Join("one", domain.Participant{ID: "a", DisplayName: "Ada"}, nil)
	_, _ = reg.Join("two", domain.Participant{ID: "b", DisplayName: "Bob"}, nil)
	_, _ = reg.Join("two", domain.Participant{ID: "c", DisplayName: "Cy"}, nil)

	w = do(router, "/api/v1/rooms")
	require.Equal(t, http.StatusOK, w.Code)
	var list RoomList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.TotalRooms)
	assert.Equal(t, 3, list.TotalParticipants)
	require.Len(t, list.Rooms, 2)
}

type fakePresence struct {
	rooms map[domain.RoomID][]domain.ParticipantID
	err   error
}

func (f *fakePresence) Apply(context.Context, domain.RoomEvent) error { return nil }

func (f *fakePresence) Participants(_ context.Context, id domain.RoomID) ([]domain.ParticipantID, error) {
	return f.rooms[id], f.err
}

func (f *fakePresence) Rooms(context.Context) ([]domain.RoomID, error) {
	if f.err != nil {
		return nil, f.err
	}
	var ids []domain.RoomID
	for id := range f.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestPresence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	newRouter := func(repo *fakePresence) *gin.Engine {
		router := gin.New()
		router.Use(middleware.ErrorHandlerMiddleware(logger.Nop()))
		h := NewRoomHandler(services.NewRegistry(0), "/ws", 64, logger.Nop())
		if repo != nil {
			h.WithPresence(repo)
		}
		h.SetupRoutes(router)
		return router
	}

	w := do(newRouter(nil), "/api/v1/presence")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(newRouter(&fakePresence{err: errors.New("redis down")}), "/api/v1/presence")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "presence mirror unavailable")

	w = do(newRouter(&fakePresence{rooms: map[domain.RoomID][]domain.ParticipantID{
		"standup": {"a", "b"},
	}}), "/api/v1/presence")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Rooms map[string][]string `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"a", "b"}, body.Rooms["standup"])
}
