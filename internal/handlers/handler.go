package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/voice-call/internal/middleware"
	"github.com/mossy-p/voice-call/internal/store"
)

// Handler serves the participant and signal stores to browser clients.
type Handler struct {
	store           store.Store
	maxParticipants int
	log             *slog.Logger
}

func New(st store.Store, maxParticipants int, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:           st,
		maxParticipants: maxParticipants,
		log:             log.With("component", "gateway"),
	}
}

type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	DevTokens      bool
}

// Register mounts every route on router.
func (h *Handler) Register(router *gin.Engine, cfg RouterConfig) {
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	api := router.Group("/api")
	{
		if cfg.DevTokens {
			api.POST("/auth/token", IssueDevToken(cfg.JWTSecret))
		}

		rooms := api.Group("/rooms/:roomId", auth)
		rooms.GET("/participants", h.ListParticipants)
		rooms.POST("/participants", h.JoinCall)
		rooms.PATCH("/participants/me", h.SetMuted)
		rooms.DELETE("/participants/me", h.LeaveCall)
		rooms.POST("/signals", h.SendSignal)
		rooms.POST("/signals/clear", h.ClearSignals)
	}

	router.GET("/ws/rooms/:roomId", auth, h.HandleRealtime)
}

func (h *Handler) storeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not in this call"})
	default:
		h.log.Error(op, "room", c.Param("roomId"), "user", middleware.UserID(c), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
