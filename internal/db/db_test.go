package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	req := require.New(t)

	unique := &pgconn.PgError{Code: "23505"}
	req.True(IsUniqueViolation(unique))
	req.True(IsUniqueViolation(fmt.Errorf("insert conversation: %w", unique)))
	req.False(IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	req.False(IsUniqueViolation(errors.New("boom")))
	req.False(IsUniqueViolation(nil))
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping: TEST_DB_DSN not set")
	}
	req := require.New(t)
	ctx := context.Background()

	database, err := NewDatabase(ctx, dsn)
	req.NoError(err)
	defer database.Close()

	req.NoError(database.AutoMigrate(ctx))
	req.NoError(database.AutoMigrate(ctx))
}
