package http

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/cache"
	apperrors "meetrelay/pkg/errors"
	"meetrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const presenceCacheTTL = 2 * time.Second

//go:embed templates/*.html
var templateFS embed.FS

// RoomSummary is the API view of one room.
type RoomSummary struct {
	ID           domain.RoomID `json:"id"`
	Participants int           `json:"participants"`
	Messages     int           `json:"messages"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// RoomList is the body of GET /api/v1/rooms.
type RoomList struct {
	Rooms             []RoomSummary `json:"rooms"`
	TotalRooms        int           `json:"totalRooms"`
	TotalParticipants int           `json:"totalParticipants"`
}

type RoomHandler struct {
	rooms      ports.RoomRegistry
	presence   ports.PresenceRepository
	view       *cache.TTL[string, map[domain.RoomID][]domain.ParticipantID]
	signalPath string
	maxNameLen int
	logger     *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*RoomHandler)(nil)

func NewRoomHandler(rooms ports.RoomRegistry, signalPath string, maxNameLen int, logger *zap.SugaredLogger) *RoomHandler {
	return &RoomHandler{
		rooms:      rooms,
		signalPath: signalPath,
		maxNameLen: maxNameLen,
		logger:     logger,
	}
}

// WithPresence exposes the cluster-wide presence mirror under
// /api/v1/presence. A nil repository answers 503.
func (h *RoomHandler) WithPresence(repo ports.PresenceRepository) *RoomHandler {
	h.presence = repo
	h.view = cache.New[string, map[domain.RoomID][]domain.ParticipantID](presenceCacheTTL)
	return h
}

// Templates parses the embedded pages; install them with SetHTMLTemplate.
func Templates() *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/*.html"))
}

// SetupRoutes installs the pages and the API; apiMiddleware applies to the
// API group only.
func (h *RoomHandler) SetupRoutes(router *gin.Engine, apiMiddleware ...gin.HandlerFunc) {
	router.SetHTMLTemplate(Templates())
	router.GET("/", h.LandingPage)
	router.GET("/room", h.RoomPage)

	api := router.Group("/api/v1", apiMiddleware...)
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/presence", h.Presence)
	}
}

func (h *RoomHandler) LandingPage(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Room": c.Query("room"),
	})
}

// RoomPage renders the meeting page. A missing or invalid room or name sends
// the visitor back to the landing page.
func (h *RoomHandler) RoomPage(c *gin.Context) {
	room := c.Query("room")
	name := c.Query("name")

	if err := validation.ValidateRoomID(room); err != nil {
		h.logger.Debugw("room page rejected", "room_id", room, "error", err)
		c.Redirect(http.StatusFound, "/")
		return
	}
	if err := validation.ValidateDisplayName(name, h.maxNameLen); err != nil {
		c.Redirect(http.StatusFound, "/?room="+room)
		return
	}

	c.HTML(http.StatusOK, "room.html", gin.H{
		"Room":       room,
		"Name":       name,
		"SignalPath": h.signalPath,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("room_id", id))
		return
	}

	snap, err := h.rooms.Snapshot(domain.RoomID(id))
	if errors.Is(err, domain.ErrRoomNotFound) {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", id))
		return
	}
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to read room", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": RoomSummary{
			ID:           snap.ID,
			Participants: len(snap.Participants),
			Messages:     len(snap.Messages),
			CreatedAt:    snap.CreatedAt,
		},
	})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	stats := h.rooms.Rooms()

	list := RoomList{Rooms: make([]RoomSummary, 0, len(stats))}
	for _, rs := range stats {
		list.Rooms = append(list.Rooms, RoomSummary{
			ID:           rs.RoomID,
			Participants: rs.Participants,
			Messages:     rs.Messages,
			CreatedAt:    rs.CreatedAt,
		})
		list.TotalParticipants += rs.Participants
	}
	list.TotalRooms = len(list.Rooms)

	c.JSON(http.StatusOK, list)
}

// Presence lists the participants every server instance has mirrored, keyed
// by room. The view is cached briefly.
func (h *RoomHandler) Presence(c *gin.Context) {
	if h.presence == nil {
		_ = c.Error(apperrors.NewServiceUnavailableError("presence mirror disabled"))
		return
	}
	view, err := h.view.GetOrLoad(c.Request.Context(), "all", h.loadPresence)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence mirror unavailable", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": view})
}

func (h *RoomHandler) loadPresence(ctx context.Context) (map[domain.RoomID][]domain.ParticipantID, error) {
	rooms, err := h.presence.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.RoomID][]domain.ParticipantID, len(rooms))
	for _, id := range rooms {
		members, err := h.presence.Participants(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = members
	}
	return out, nil
}
