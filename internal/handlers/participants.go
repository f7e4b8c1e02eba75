package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/voice-call/internal/middleware"
	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store"
)

// ListParticipants returns the active roster of a room.
func (h *Handler) ListParticipants(c *gin.Context) {
	active, err := h.store.Participants().ListActive(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.storeError(c, "list participants", err)
		return
	}
	if active == nil {
		active = []models.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": active})
}

// JoinCall enrolls the caller in the room's call, reactivating the row left
// behind by an earlier call.
func (h *Handler) JoinCall(c *gin.Context) {
	var req models.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	roomID, userID := c.Param("roomId"), middleware.UserID(c)

	active, err := h.store.Participants().ListActive(ctx, roomID)
	if err != nil {
		h.storeError(c, "list participants", err)
		return
	}
	others := 0
	for _, p := range active {
		if p.UserID != userID {
			others++
		}
	}
	if h.maxParticipants > 0 && others >= h.maxParticipants {
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
		return
	}

	username := req.Username
	if username == "" {
		username = middleware.Username(c)
	}
	if username == "" {
		username = userID
	}

	row, err := store.Enroll(ctx, h.store.Participants(), &models.Participant{
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		h.storeError(c, "enroll participant", err)
		return
	}

	h.log.Info("participant joined", "room", roomID, "user", userID, "active", others+1)
	c.JSON(http.StatusOK, row)
}

func (h *Handler) SetMuted(c *gin.Context) {
	var req models.MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ps := h.store.Participants()
	ctx := c.Request.Context()
	roomID, userID := c.Param("roomId"), middleware.UserID(c)
	if err := ps.SetMuted(ctx, roomID, userID, *req.IsMuted); err != nil {
		h.storeError(c, "set muted", err)
		return
	}
	row, err := ps.Get(ctx, roomID, userID)
	if err != nil {
		h.storeError(c, "get participant", err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// LeaveCall deactivates the caller's row and purges every signal they sent
// or were sent in the room.
func (h *Handler) LeaveCall(c *gin.Context) {
	ctx := c.Request.Context()
	roomID, userID := c.Param("roomId"), middleware.UserID(c)

	if err := h.store.Participants().Deactivate(ctx, roomID, userID, time.Now().UTC()); err != nil {
		h.storeError(c, "deactivate participant", err)
		return
	}
	n, err := h.store.Signals().DeleteForUser(ctx, roomID, userID)
	if err != nil {
		h.storeError(c, "clear signals", err)
		return
	}

	h.log.Info("participant left", "room", roomID, "user", userID, "signals_cleared", n)
	c.JSON(http.StatusOK, gin.H{"message": "Left call", "signalsCleared": n})
}
