// Package store defines the participant and signal stores the call core
// consumes. Backends live in memstore, internal/redis and internal/postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/voice-call/internal/models"
)

var (
	ErrConflict = errors.New("participant row already exists")
	ErrNotFound = errors.New("participant row not found")
)

// ParticipantStore holds one row per (room, user).
type ParticipantStore interface {
	// Insert creates an active row. It returns ErrConflict when a row for
	// (RoomID, UserID) already exists.
	Insert(ctx context.Context, p *models.Participant) error
	// Reactivate flips an existing row back to active and unmuted and
	// refreshes its profile fields.
	Reactivate(ctx context.Context, p *models.Participant) error
	SetMuted(ctx context.Context, roomID, userID string, muted bool) error
	Deactivate(ctx context.Context, roomID, userID string, leftAt time.Time) error
	Get(ctx context.Context, roomID, userID string) (*models.Participant, error)
	ListActive(ctx context.Context, roomID string) ([]models.Participant, error)
	// WatchRoster delivers every insert and update for roomID until ctx is
	// cancelled. The subscription is established before WatchRoster returns.
	WatchRoster(ctx context.Context, roomID string) (<-chan models.RosterEvent, error)
}

// SignalStore relays signals between peers of a room.
type SignalStore interface {
	Insert(ctx context.Context, s *models.Signal) error
	// WatchInbound delivers signals addressed to userID in roomID until ctx is
	// cancelled. A delivered signal is consumed. The subscription is
	// established before WatchInbound returns.
	WatchInbound(ctx context.Context, roomID, userID string) (<-chan models.Signal, error)
	// DeleteForUser removes every signal userID sent or was sent in roomID.
	DeleteForUser(ctx context.Context, roomID, userID string) (int64, error)
}

// Store bundles both stores and the backend's lifecycle.
type Store interface {
	Participants() ParticipantStore
	Signals() SignalStore
	Close() error
}

// Enroll inserts p as an active participant, turning a uniqueness conflict
// into a reactivation of the existing row. It returns the stored row.
func Enroll(ctx context.Context, ps ParticipantStore, p *models.Participant) (*models.Participant, error) {
	p.IsActive = true
	p.IsMuted = false
	p.LeftAt = nil
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}

	err := ps.Insert(ctx, p)
	if errors.Is(err, ErrConflict) {
		err = ps.Reactivate(ctx, p)
	}
	if err != nil {
		return nil, fmt.Errorf("enroll %s in %s: %w", p.UserID, p.RoomID, err)
	}

	row, err := ps.Get(ctx, p.RoomID, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("enroll %s in %s: %w", p.UserID, p.RoomID, err)
	}
	return row, nil
}
