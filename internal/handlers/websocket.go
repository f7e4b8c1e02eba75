package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/voice-call/internal/middleware"
	"github.com/mossy-p/voice-call/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one realtime connection of an authenticated user to a room.
type Client struct {
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	log *slog.Logger
}

// HandleRealtime upgrades to a websocket that pushes the room's roster
// changes and the caller's inbound signals, and accepts signals from the
// caller.
func (h *Handler) HandleRealtime(c *gin.Context) {
	roomID, userID := c.Param("roomId"), middleware.UserID(c)

	// Subscribe before upgrading so nothing published after the handshake
	// is missed.
	ctx, cancel := context.WithCancel(context.Background())
	roster, err := h.store.Participants().WatchRoster(ctx, roomID)
	if err != nil {
		cancel()
		h.storeError(c, "watch roster", err)
		return
	}
	inbound, err := h.store.Signals().WatchInbound(ctx, roomID, userID)
	if err != nil {
		cancel()
		h.storeError(c, "watch signals", err)
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		h.log.Warn("websocket upgrade", "err", err)
		return
	}

	// Create client
	client := &Client{
		UserID: userID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		log:    h.log.With("room", roomID, "user", userID),
	}
	client.log.Info("realtime connected")

	// Start goroutines for reading and writing
	go client.writePump(ctx, cancel)
	go client.forward(ctx, roster, inbound)
	go h.readPump(ctx, cancel, client)
}

// forward turns store feeds into envelopes for the client.
func (c *Client) forward(ctx context.Context, roster <-chan models.RosterEvent, inbound <-chan models.Signal) {
	for roster != nil || inbound != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-roster:
			if !ok {
				roster = nil
				continue
			}
			c.sendEnvelope(models.Envelope{Type: models.EnvelopeRoster, RoomID: c.RoomID, Roster: &ev})
		case sig, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			c.sendEnvelope(models.Envelope{Type: models.EnvelopeSignal, RoomID: c.RoomID, Signal: &sig})
		}
	}
}

func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, c *Client) {
	defer func() {
		cancel()
		c.Conn.Close()
		c.log.Info("realtime disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read", "err", err)
			}
			return
		}

		// Parse message
		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.sendError("Invalid message")
			continue
		}
		if env.Type != models.EnvelopeSignal || env.Signal == nil {
			c.sendError("Unsupported message type")
			continue
		}

		// The sender is always the authenticated user.
		sig := *env.Signal
		sig.ID = ""
		sig.RoomID = c.RoomID
		sig.FromUserID = c.UserID
		if msg := validateSignal(&sig); msg != "" {
			c.sendError(msg)
			continue
		}
		// Route to the addressed peer through the store
		if err := h.store.Signals().Insert(ctx, &sig); err != nil {
			c.log.Warn("relay signal", "to", sig.ToUserID, "err", err)
			c.sendError("Failed to relay signal")
		}
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.Conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write", "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(msg string) {
	c.sendEnvelope(models.Envelope{Type: models.EnvelopeError, RoomID: c.RoomID, Error: msg})
}

func (c *Client) sendEnvelope(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("encode envelope", "err", err)
		return
	}

	select {
	case c.Send <- data:
	default:
		c.log.Warn("send buffer full, dropping message", "type", env.Type)
	}
}
