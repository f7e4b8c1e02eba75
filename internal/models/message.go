package models

import (
	"encoding/json"
	"time"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
)

// Valid reports whether t is one of the relayed signal types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// Signal is one step of an SDP/ICE exchange addressed to a single peer.
// Signals are consumed once by the recipient and purged when either side
// leaves the call.
type Signal struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"roomId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Type       SignalType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Involves reports whether userID sent or receives the signal.
func (s Signal) Involves(userID string) bool {
	return s.FromUserID == userID || s.ToUserID == userID
}

// EnvelopeType tags frames on the realtime websocket.
type EnvelopeType string

const (
	EnvelopeRoster EnvelopeType = "roster"
	EnvelopeSignal EnvelopeType = "signal"
	EnvelopeError  EnvelopeType = "error"
)

// Envelope is a frame exchanged with browser clients over the realtime
// websocket.
type Envelope struct {
	Type   EnvelopeType `json:"type"`
	RoomID string       `json:"roomId"`
	Roster *RosterEvent `json:"roster,omitempty"`
	Signal *Signal      `json:"signal,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// SendSignalRequest is the body a client posts to relay a signal.
type SendSignalRequest struct {
	To      string          `json:"to" binding:"required"`
	Type    SignalType      `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}
