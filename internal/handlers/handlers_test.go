package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/voice-call/internal/logger"
	"github.com/mossy-p/voice-call/internal/middleware"
	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store/memstore"
)

const (
	secret = "test-secret"
	room   = "room-1"
)

type gateway struct {
	t      *testing.T
	st     *memstore.Store
	router *gin.Engine
}

func newGateway(t *testing.T, maxParticipants int) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memstore.New()
	router := gin.New()
	New(st, maxParticipants, logger.Nop()).Register(router, RouterConfig{
		JWTSecret:      secret,
		AllowedOrigins: []string{"http://localhost:5173"},
		DevTokens:      true,
	})
	return &gateway{t: t, st: st, router: router}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.NewToken(secret, userID, strings.ToUpper(userID), time.Hour)
	require.NoError(t, err)
	return tok
}

func (g *gateway) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	g.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(g.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(g.t, userID))
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

const base = "/api/rooms/" + room

func TestHealth(t *testing.T) {
	g := newGateway(t, 6)
	w := g.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRoutesRequireToken(t *testing.T) {
	g := newGateway(t, 6)
	w := g.do(http.MethodGet, base+"/participants", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDevToken(t *testing.T) {
	g := newGateway(t, 6)
	w := g.do(http.MethodPost, "/api/auth/token", "", TokenRequest{Username: "Alice", UserID: "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[TokenResponse](t, w)
	assert.Equal(t, "alice", resp.UserID)
	claims, err := middleware.ParseToken(secret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "Alice", claims.Username)

	w = g.do(http.MethodPost, "/api/auth/token", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJoinMuteLeave(t *testing.T) {
	g := newGateway(t, 6)

	w := g.do(http.MethodPost, base+"/participants", "alice", models.EnrollRequest{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	row := decode[models.Participant](t, w)
	assert.Equal(t, "alice", row.UserID)
	assert.Equal(t, "ALICE", row.Username)
	assert.True(t, row.IsActive)

	muted := true
	w = g.do(http.MethodPatch, base+"/participants/me", "alice", models.MuteRequest{IsMuted: &muted})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Participant](t, w).IsMuted)

	w = g.do(http.MethodGet, base+"/participants", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct{ Participants []models.Participant }](t, w)
	require.Len(t, list.Participants, 1)

	w = g.do(http.MethodDelete, base+"/participants/me", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = g.do(http.MethodGet, base+"/participants", "bob", nil)
	assert.JSONEq(t, `{"participants":[]}`, w.Body.String())

	// Rejoining reuses the row and clears the mute flag.
	w = g.do(http.MethodPost, base+"/participants", "alice", models.EnrollRequest{Username: "Al"})
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[models.Participant](t, w)
	assert.Equal(t, row.ID, again.ID)
	assert.Equal(t, "Al", again.Username)
	assert.False(t, again.IsMuted)
	assert.Equal(t, 1, g.st.RowCount(room, "alice"))
}

func TestMuteAndLeaveWithoutRow(t *testing.T) {
	g := newGateway(t, 6)
	muted := true
	w := g.do(http.MethodPatch, base+"/participants/me", "alice", models.MuteRequest{IsMuted: &muted})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = g.do(http.MethodDelete, base+"/participants/me", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = g.do(http.MethodPatch, base+"/participants/me", "alice", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoomFull(t *testing.T) {
	g := newGateway(t, 2)
	for _, u := range []string{"alice", "bob"} {
		w := g.do(http.MethodPost, base+"/participants", u, models.EnrollRequest{})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := g.do(http.MethodPost, base+"/participants", "carol", models.EnrollRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Re-enrolling an existing participant is not blocked by the cap.
	w = g.do(http.MethodPost, base+"/participants", "bob", models.EnrollRequest{})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSignals(t *testing.T) {
	g := newGateway(t, 6)
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	w := g.do(http.MethodPost, base+"/signals", "alice", models.SendSignalRequest{To: "bob", Type: models.SignalTypeOffer, Payload: payload})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, g.st.SignalCount(room))

	for name, req := range map[string]models.SendSignalRequest{
		"type": {To: "bob", Type: "bye", Payload: payload},
		"self": {To: "alice", Type: models.SignalTypeOffer, Payload: payload},
	} {
		t.Run(name, func(t *testing.T) {
			w := g.do(http.MethodPost, base+"/signals", "alice", req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w = g.do(http.MethodPost, base+"/signals/clear", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":1}`, w.Body.String())
	assert.Zero(t, g.st.SignalCount(room))
}

func TestOriginFilter(t *testing.T) {
	g := newGateway(t, 6)

	req := httptest.NewRequest(http.MethodOptions, base+"/participants", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Sec-WebSocket-Origin", "https://evil.example")
	w = httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + room + "?token=" + token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestRealtime(t *testing.T) {
	g := newGateway(t, 6)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	alice := dial(t, srv, "alice")

	// Roster changes are pushed.
	w := g.do(http.MethodPost, base+"/participants", "bob", models.EnrollRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	env := readEnvelope(t, alice)
	require.Equal(t, models.EnvelopeRoster, env.Type)
	assert.Equal(t, models.RosterInserted, env.Roster.Kind)
	assert.Equal(t, "bob", env.Roster.Participant.UserID)

	// Signals addressed to alice are pushed and consumed.
	w = g.do(http.MethodPost, base+"/signals", "bob", models.SendSignalRequest{
		To: "alice", Type: models.SignalTypeOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	env = readEnvelope(t, alice)
	require.Equal(t, models.EnvelopeSignal, env.Type)
	assert.Equal(t, "bob", env.Signal.FromUserID)
	assert.Equal(t, models.SignalTypeOffer, env.Signal.Type)
	require.Eventually(t, func() bool { return g.st.SignalCount(room) == 0 }, time.Second, 10*time.Millisecond)

	// Signals sent over the socket are attributed to the socket's user.
	inbound, err := g.st.Signals().WatchInbound(context.Background(), room, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(models.Envelope{
		Type: models.EnvelopeSignal,
		Signal: &models.Signal{
			FromUserID: "mallory",
			ToUserID:   "bob",
			Type:       models.SignalTypeAnswer,
			Payload:    json.RawMessage(`{"sdp":"v=0"}`),
		},
	}))
	select {
	case sig := <-inbound:
		assert.Equal(t, "alice", sig.FromUserID)
		assert.Equal(t, room, sig.RoomID)
	case <-time.After(3 * time.Second):
		t.Fatal("signal not relayed")
	}

	// Anything else is answered with an error frame.
	require.NoError(t, alice.WriteJSON(models.Envelope{Type: models.EnvelopeRoster}))
	env = readEnvelope(t, alice)
	assert.Equal(t, models.EnvelopeError, env.Type)
}

func TestRealtimeRequiresToken(t *testing.T) {
	g := newGateway(t, 6)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + room
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
