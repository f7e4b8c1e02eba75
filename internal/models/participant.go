package models

import "time"

// Participant is a user's row in a room's call roster. Identity is
// (RoomID, UserID); a user who leaves and rejoins reuses the same row.
type Participant struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId"`
	Username  string     `json:"username"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	IsMuted   bool       `json:"isMuted"`
	IsActive  bool       `json:"isActive"`
	JoinedAt  time.Time  `json:"joinedAt"`
	LeftAt    *time.Time `json:"leftAt,omitempty"`
}

// RosterEventKind mirrors the row change that produced the event.
type RosterEventKind string

const (
	RosterInserted RosterEventKind = "insert"
	RosterUpdated  RosterEventKind = "update"
)

// RosterEvent is delivered for every insert or update of a participant row.
type RosterEvent struct {
	Kind        RosterEventKind `json:"kind"`
	Participant Participant     `json:"participant"`
}

// EnrollRequest carries the profile fields copied onto a participant row.
type EnrollRequest struct {
	Username  string `json:"username" binding:"omitempty,max=64"`
	AvatarURL string `json:"avatarUrl" binding:"omitempty,url"`
}

// MuteRequest updates the caller's muted flag.
type MuteRequest struct {
	IsMuted *bool `json:"isMuted" binding:"required"`
}
