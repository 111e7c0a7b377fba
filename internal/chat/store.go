//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_chat_store.go -package=mocks -mock_names=Store=MockChatStore
package chat

import (
	"context"
	"time"

	"spark-chat/internal/user"
)

type ConversationStore interface {
	// FindConversation returns ErrConversationNotFound when the pair never talked.
	FindConversation(ctx context.Context, pairKey string) (*Conversation, error)
	// CreateConversation returns ErrConversationExists when the key is already taken.
	CreateConversation(ctx context.Context, pairKey string) (*Conversation, error)
}

type MessageStore interface {
	// SaveMessage assigns the message ID.
	SaveMessage(ctx context.Context, m *Message) (*Message, error)
	// FindConversationHistory skips deleted messages. Page 0 holds the most recent
	// messages; each page is ordered oldest to newest.
	FindConversationHistory(ctx context.Context, conversationID int64, page, size int) ([]Message, error)
	// FindExpired returns undeleted messages whose deadline is at or before now.
	FindExpired(ctx context.Context, now time.Time) ([]Message, error)
	// MarkDeleted soft-deletes ids and returns how many were not deleted yet.
	MarkDeleted(ctx context.Context, ids []int64) (int, error)
}

type Store interface {
	ConversationStore
	MessageStore
	// WithTx runs fn against a transactional view of the store. Nothing fn did
	// is kept when it returns an error.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Directory resolves identities to accounts.
type Directory interface {
	// GetUserByUsername returns user.ErrUserNotFound for unknown identities.
	GetUserByUsername(ctx context.Context, username string) (*user.User, error)
}

// Deliverer pushes a payload to every live session of recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, payload []byte) error
}
