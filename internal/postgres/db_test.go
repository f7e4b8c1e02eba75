package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/voice-call/internal/logger"
	"github.com/mossy-p/voice-call/internal/store"
	"github.com/mossy-p/voice-call/internal/store/storetest"
)

// Set TEST_POSTGRES_DSN to run against a disposable database.
func openDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := New(ctx, dsn, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openDB(t) })
}

func TestMigrateIdempotent(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}
