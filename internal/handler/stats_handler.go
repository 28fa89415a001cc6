package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/whiteboard-hub/internal/registry"
	"github.com/psds-microservice/whiteboard-hub/internal/repository"
)

// StatsHandler backs GET /api/stats (§6.2): live connection counts from
// the Registry plus durable counts from the Repository.
type StatsHandler struct {
	repo repository.Repository
	reg  *registry.Registry
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(repo repository.Repository, reg *registry.Registry) *StatsHandler {
	return &StatsHandler{repo: repo, reg: reg}
}

// Stats responds to GET /api/stats.
func (h *StatsHandler) Stats(c *gin.Context) {
	liveRooms, liveSessions := h.reg.Stats()
	roomCount, participantCount, err := h.repo.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"live_rooms":            liveRooms,
		"live_sessions":         liveSessions,
		"total_rooms":           roomCount,
		"total_live_participants": participantCount,
	})
}
