package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/whiteboard-hub/internal/handler"
	"github.com/psds-microservice/whiteboard-hub/pkg/constants"
)

// New builds the HTTP + WebSocket router.
func New(
	roomHandler *handler.RoomHandler,
	statsHandler *handler.StatsHandler,
	wsHandler *handler.WSHandler,
	health *handler.HealthHandler,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathReady, health.Ready)
	r.GET(constants.PathStats, statsHandler.Stats)

	rooms := r.Group(constants.PathRooms)
	{
		rooms.POST("", roomHandler.CreateRoom)
		rooms.GET("/:id", roomHandler.GetRoom)
		rooms.GET("/:id/exists", roomHandler.RoomExists)
		rooms.PATCH("/:id", roomHandler.UpdateRoom)
		rooms.DELETE("/:id", roomHandler.DeleteRoom)
		rooms.GET("/:id/snapshots", roomHandler.ListSnapshots)
	}

	r.GET(constants.PathWS, wsHandler.ServeWS)

	return r
}
