package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/voice-call/internal/middleware"
)

const devTokenTTL = 24 * time.Hour

type TokenRequest struct {
	Username string `json:"username" binding:"required,max=64"`
	UserID   string `json:"userId" binding:"omitempty,max=64"`
}

type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// IssueDevToken signs a token for any username. Real tokens come from the
// chat backend; this endpoint is only mounted outside production so local
// clients and cmd/callpeer can authenticate.
func IssueDevToken(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		userID := req.UserID
		if userID == "" {
			userID = uuid.NewString()
		}
		token, err := middleware.NewToken(jwtSecret, userID, req.Username, devTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}
		c.JSON(http.StatusOK, TokenResponse{Token: token, UserID: userID})
	}
}
