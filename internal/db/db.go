package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema if it does not exist yet. Every statement is idempotent.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            display_name VARCHAR(100) NOT NULL DEFAULT '',
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		// pair_key is the canonical, order-independent key of a direct conversation.
		// Its unique constraint is what makes first contact race-free.
		`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            type VARCHAR(10) NOT NULL CHECK (type IN ('private', 'group')) DEFAULT 'private',
            pair_key VARCHAR(128) UNIQUE NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender VARCHAR(50) NOT NULL REFERENCES users(username) ON DELETE CASCADE,
            content TEXT NOT NULL,
            message_type VARCHAR(10) NOT NULL CHECK (message_type IN ('TEXT', 'IMAGE', 'FILE', 'AUDIO')) DEFAULT 'TEXT',
            file_url TEXT,
            file_name TEXT,
            file_size BIGINT,
            self_destruct_seconds INT,
            expires_at TIMESTAMPTZ,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            sent_at TIMESTAMPTZ NOT NULL,
            edited_at TIMESTAMPTZ
        )`,

		`CREATE INDEX IF NOT EXISTS idx_messages_history
            ON messages (conversation_id, sent_at DESC, id DESC) WHERE NOT is_deleted`,

		`CREATE INDEX IF NOT EXISTS idx_messages_expiry
            ON messages (expires_at) WHERE expires_at IS NOT NULL AND NOT is_deleted`,
	}

	for _, query := range queries {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
