package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"spark-chat/internal/db"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
	q  querier
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := r.q.(*sql.Tx); inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Repository{db: r.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Repository) FindConversation(ctx context.Context, pairKey string) (*Conversation, error) {
	c := &Conversation{PairKey: pairKey}
	query := "SELECT id, created_at FROM conversations WHERE pair_key = $1"

	err := r.q.QueryRowContext(ctx, query, pairKey).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// CreateConversation never aborts the surrounding transaction on a duplicate:
// ON CONFLICT turns the race into an empty result.
func (r *Repository) CreateConversation(ctx context.Context, pairKey string) (*Conversation, error) {
	c := &Conversation{PairKey: pairKey}
	query := `INSERT INTO conversations (type, pair_key) VALUES ('private', $1)
              ON CONFLICT (pair_key) DO NOTHING
              RETURNING id, created_at`

	err := r.q.QueryRowContext(ctx, query, pairKey).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || db.IsUniqueViolation(err) {
			return nil, ErrConversationExists
		}
		return nil, err
	}
	return c, nil
}

func (r *Repository) SaveMessage(ctx context.Context, m *Message) (*Message, error) {
	query := `INSERT INTO messages (conversation_id, sender, content, message_type, file_url, file_name,
                  file_size, self_destruct_seconds, expires_at, sent_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
              RETURNING id`

	saved := *m
	err := r.q.QueryRowContext(ctx, query,
		m.ConversationID, m.Sender, m.Content, m.Kind.String(),
		nullString(m.FileURL), nullString(m.FileName), m.FileSize,
		m.SelfDestructSeconds, m.ExpiresAt, m.SentAt,
	).Scan(&saved.ID)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &saved, nil
}

const messageColumns = `id, conversation_id, sender, content, message_type, file_url, file_name,
    file_size, self_destruct_seconds, expires_at, sent_at, edited_at, is_deleted`

func (r *Repository) FindConversationHistory(ctx context.Context, conversationID int64, page, size int) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
              FROM messages
              WHERE conversation_id = $1 AND NOT is_deleted
              ORDER BY sent_at DESC, id DESC
              LIMIT $2 OFFSET $3`

	messages, err := r.queryMessages(ctx, query, conversationID, size, page*size)
	if err != nil {
		return nil, err
	}
	// Newest first from the index, oldest first for the client.
	return lo.Reverse(messages), nil
}

func (r *Repository) FindExpired(ctx context.Context, now time.Time) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
              FROM messages
              WHERE expires_at IS NOT NULL AND expires_at <= $1 AND NOT is_deleted
              ORDER BY expires_at`
	return r.queryMessages(ctx, query, now)
}

func (r *Repository) MarkDeleted(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.q.ExecContext(ctx,
		"UPDATE messages SET is_deleted = TRUE WHERE id = ANY($1) AND NOT is_deleted", ids)
	if err != nil {
		return 0, fmt.Errorf("mark deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m        Message
			kind     string
			fileURL  sql.NullString
			fileName sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &kind, &fileURL, &fileName,
			&m.FileSize, &m.SelfDestructSeconds, &m.ExpiresAt, &m.SentAt, &m.EditedAt, &m.Deleted); err != nil {
			return nil, err
		}
		m.Kind = ParseKind(kind)
		m.FileURL = fileURL.String
		m.FileName = fileName.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
