package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/whiteboard-hub/internal/errs"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
	"github.com/psds-microservice/whiteboard-hub/internal/repository"
)

// RoomHandler implements the REST surface of spec §6.2: a thin wrapper
// over the same Repository the hub's session state machine consults,
// mirroring the teacher's SessionHandler structurally (a handler struct
// injected with a service/repository interface, one method per route).
type RoomHandler struct {
	repo repository.Repository
}

// NewRoomHandler creates a room handler backed by repo.
func NewRoomHandler(repo repository.Repository) *RoomHandler {
	return &RoomHandler{repo: repo}
}

// CreateRoom handles POST /api/rooms.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req model.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	visibility := model.Visibility(req.Visibility)
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	room, err := h.repo.CreateRoom(req.ID, req.Name, req.CreatorID, visibility)
	if err != nil {
		if errs.KindOf(err) == errs.KindResource {
			c.JSON(http.StatusConflict, gin.H{"error": "room already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, room)
}

// GetRoom handles GET /api/rooms/{id}.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.repo.FindRoom(c.Param("id"))
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// RoomExists handles GET /api/rooms/{id}/exists.
func (h *RoomHandler) RoomExists(c *gin.Context) {
	_, err := h.repo.FindRoom(c.Param("id"))
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			c.JSON(http.StatusOK, gin.H{"exists": false})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": true})
}

// UpdateRoom handles PATCH /api/rooms/{id}.
func (h *RoomHandler) UpdateRoom(c *gin.Context) {
	var req model.UpdateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	var visibility *model.Visibility
	if req.Visibility != nil {
		v := model.Visibility(*req.Visibility)
		visibility = &v
	}
	room, err := h.repo.UpdateRoom(c.Param("id"), req.Name, visibility)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom handles DELETE /api/rooms/{id}.
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	if err := h.repo.DeleteRoom(c.Param("id")); err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete room"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSnapshots handles GET /api/rooms/{id}/snapshots?limit=N.
func (h *RoomHandler) ListSnapshots(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	summaries, err := h.repo.ListSnapshots(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": summaries})
}
