package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store"
)

const uniqueViolation = "23505"

const participantColumns = `id, room_id, user_id, username, avatar_url, is_muted, is_active, joined_at, left_at`

type ParticipantRepository struct {
	db     *pgxpool.Pool
	notify *DB
}

func (r *ParticipantRepository) Insert(ctx context.Context, p *models.Participant) error {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO call_participants (id, room_id, user_id, username, avatar_url, is_muted, is_active, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, p.RoomID, p.UserID, p.Username, p.AvatarURL, p.IsMuted, p.IsActive, p.JoinedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrConflict
	}
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (r *ParticipantRepository) Reactivate(ctx context.Context, p *models.Participant) error {
	return r.exec(ctx, `
		UPDATE call_participants
		SET is_active = true, is_muted = false, left_at = NULL,
		    username = $3, avatar_url = $4, joined_at = $5
		WHERE room_id = $1 AND user_id = $2`,
		p.RoomID, p.UserID, p.Username, p.AvatarURL, p.JoinedAt)
}

func (r *ParticipantRepository) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	return r.exec(ctx,
		`UPDATE call_participants SET is_muted = $3 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID, muted)
}

func (r *ParticipantRepository) Deactivate(ctx context.Context, roomID, userID string, leftAt time.Time) error {
	return r.exec(ctx,
		`UPDATE call_participants SET is_active = false, left_at = $3 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID, leftAt)
}

func (r *ParticipantRepository) exec(ctx context.Context, sql string, args ...any) error {
	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ParticipantRepository) Get(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM call_participants WHERE room_id = $1 AND user_id = $2`,
		roomID, userID)

	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ParticipantRepository) ListActive(ctx context.Context, roomID string) ([]models.Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+participantColumns+` FROM call_participants
		 WHERE room_id = $1 AND is_active
		 ORDER BY joined_at ASC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (r *ParticipantRepository) WatchRoster(ctx context.Context, roomID string) (<-chan models.RosterEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	feed := store.NewFeed[models.RosterEvent](ctx, nil)
	err := r.notify.watch(ctx, rosterChannel, func(payload string) {
		var ev models.RosterEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return
		}
		if ev.Participant.RoomID == roomID {
			feed.Push(ev)
		}
	}, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	return feed.Out(), nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	if err := row.Scan(&p.ID, &p.RoomID, &p.UserID, &p.Username, &p.AvatarURL,
		&p.IsMuted, &p.IsActive, &p.JoinedAt, &p.LeftAt); err != nil {
		return nil, err
	}
	return &p, nil
}
