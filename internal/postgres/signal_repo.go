package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store"
)

type SignalRepository struct {
	db     *pgxpool.Pool
	notify *DB
}

type signalNotice struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	ToUserID string `json:"toUserId"`
}

func (r *SignalRepository) Insert(ctx context.Context, sig *models.Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO call_signals (id, room_id, from_user_id, to_user_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sig.ID, sig.RoomID, sig.FromUserID, sig.ToUserID, string(sig.Type), []byte(sig.Payload), sig.CreatedAt)
	return err
}

// take deletes the signal and returns it. A signal already purged by a leave
// is reported as missing.
func (r *SignalRepository) take(ctx context.Context, id string) (models.Signal, bool) {
	var (
		sig     models.Signal
		typ     string
		payload []byte
	)
	err := r.db.QueryRow(ctx, `
		DELETE FROM call_signals WHERE id = $1
		RETURNING id, room_id, from_user_id, to_user_id, type, payload, created_at`, id).
		Scan(&sig.ID, &sig.RoomID, &sig.FromUserID, &sig.ToUserID, &typ, &payload, &sig.CreatedAt)
	if err != nil {
		return models.Signal{}, false
	}
	sig.Type = models.SignalType(typ)
	sig.Payload = json.RawMessage(payload)
	return sig, true
}

func (r *SignalRepository) WatchInbound(ctx context.Context, roomID, userID string) (<-chan models.Signal, error) {
	ctx, cancel := context.WithCancel(ctx)
	feed := store.NewFeed[models.Signal](ctx, func(s models.Signal) (models.Signal, bool) {
		return r.take(ctx, s.ID)
	})
	err := r.notify.watch(ctx, signalsChannel, func(payload string) {
		var n signalNotice
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			return
		}
		if n.RoomID == roomID && n.ToUserID == userID {
			feed.Push(models.Signal{ID: n.ID})
		}
	ctx, cancel := context.WithCancel(ctx)
	feed := store.NewFeed[models.Signal](ctx, func(s models.Signal) (models.Signal, bool) {
		return r.take(ctx, s.ID)
	})
	err := r.notify.watch(ctx, signalsChannel, func(payload string) {

func (r *SignalRepository) DeleteForUser(ctx context.Context, roomID, userID string) (int64, error) {
	cmd, err := r.db.Exec(ctx,
		`DELETE FROM call_signals WHERE room_id = $1 AND (from_user_id = $2 OR to_user_id = $2)`,
		roomID, userID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
