package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	LandingPage(c *gin.Context)
	RoomPage(c *gin.Context)
	GetRoom(c *gin.Context)
	ListRooms(c *gin.Context)
}
