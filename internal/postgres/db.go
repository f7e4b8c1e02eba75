package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossy-p/voice-call/internal/store"
)

//go:embed schema.sql
var schema string

const (
	rosterChannel  = "call_roster"
	signalsChannel = "call_signals"
)

// DB keeps participant rows and signals in Postgres. Change feeds are
// delivered with LISTEN/NOTIFY from row triggers, one listening connection
// per channel for the whole process.
type DB struct {
	Pool *pgxpool.Pool

	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[string]*listener
}

var _ store.Store = (*DB)(nil)

func New(ctx context.Context, dsn string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	return &DB{
		Pool:      pool,
		log:       log.With("component", "postgres"),
		ctx:       lctx,
		cancel:    cancel,
		listeners: make(map[string]*listener),
	}, nil
}

// Migrate creates the tables and notify triggers. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	db.cancel()
	db.Pool.Close()
	return nil
}

func (db *DB) Participants() store.ParticipantStore {
	return &ParticipantRepository{db: db.Pool, notify: db}
}

func (db *DB) Signals() store.SignalStore { return &SignalRepository{db: db.Pool, notify: db} }
