package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/voice-call/internal/middleware"
	"github.com/mossy-p/voice-call/internal/models"
)

// SendSignal relays one offer, answer or candidate from the caller to
// another participant.
func (h *Handler) SendSignal(c *gin.Context) {
	var req models.SendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sig := &models.Signal{
		RoomID:     c.Param("roomId"),
		FromUserID: middleware.UserID(c),
		ToUserID:   req.To,
		Type:       req.Type,
		Payload:    req.Payload,
	}
	if msg := validateSignal(sig); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	if err := h.store.Signals().Insert(c.Request.Context(), sig); err != nil {
		h.storeError(c, "insert signal", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sig.ID})
}

func (h *Handler) ClearSignals(c *gin.Context) {
	n, err := h.store.Signals().DeleteForUser(c.Request.Context(), c.Param("roomId"), middleware.UserID(c))
	if err != nil {
		h.storeError(c, "clear signals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func validateSignal(sig *models.Signal) string {
	switch {
	case !sig.Type.Valid():
		return "Unknown signal type"
	case sig.ToUserID == "":
		return "Recipient is required"
	case sig.ToUserID == sig.FromUserID:
		return "Cannot signal yourself"
	case len(sig.Payload) == 0:
		return "Payload is required"
	}
	return ""
}
