package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"spark-chat/internal/user"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	store, err := NewBadgerStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		_ = db.Close()
	})
	return store
}

type memorySink struct {
	mu       sync.Mutex
	payloads [][]byte
	full     bool
	closed   bool
}

func (s *memorySink) Push(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return false
	}
	s.payloads = append(s.payloads, payload)
	return true
}

func (s *memorySink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *memorySink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type staticDirectory map[string]string

func (d staticDirectory) GetUserByUsername(_ context.Context, username string) (*user.User, error) {
	displayName, ok := d[username]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return &user.User{Username: username, DisplayName: displayName}, nil
}

type recordingDeliverer struct {
	mu         sync.Mutex
	recipients []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, recipient string, _ []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients = append(d.recipients, recipient)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestBadgerStore_Conversation_Created_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestBadgerStore(t)
	key := PairKey("alice", "bob")

	_, err := store.FindConversation(ctx, key)
	req.ErrorIs(err, ErrConversationNotFound)

	created, err := store.CreateConversation(ctx, key)
	req.NoError(err)
	req.Positive(created.ID)

	_, err = store.CreateConversation(ctx, key)
	req.ErrorIs(err, ErrConversationExists)

	found, err := store.FindConversation(ctx, key)
	req.NoError(err)
	req.Equal(created.ID, found.ID)
	req.Equal(key, found.PairKey)
}

func TestBadgerStore_WithTx_Discards_On_Error(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestBadgerStore(t)
	key := PairKey("alice", "bob")
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		conv, err := tx.CreateConversation(ctx, key)
		req.NoError(err)
		_, err = tx.SaveMessage(ctx, &Message{ConversationID: conv.ID, Sender: "alice", Content: "hi", SentAt: fixedNow})
		req.NoError(err)
		return boom
	})
	req.ErrorIs(err, boom)

	// Nothing survived the failed transaction
	_, err = store.FindConversation(ctx, key)
	req.ErrorIs(err, ErrConversationNotFound)
}

func TestBadgerStore_History_Pages_Newest_First(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestBadgerStore(t)
	conv, err := store.CreateConversation(ctx, PairKey("alice", "bob"))
	req.NoError(err)

	// Given five messages one second apart
	var ids []int64
	for i := range 5 {
		m, err := store.SaveMessage(ctx, &Message{
			ConversationID: conv.ID,
			Sender:         "alice",
			Content:        string(rune('a' + i)),
			SentAt:         fixedNow.Add(time.Duration(i) * time.Second),
		})
		req.NoError(err)
		ids = append(ids, m.ID)
	}

	// Then page 0 holds the newest two, oldest first
	page0, err := store.FindConversationHistory(ctx, conv.ID, 0, 2)
	req.NoError(err)
	req.Equal([]string{"d", "e"}, contents(page0))

	page1, err := store.FindConversationHistory(ctx, conv.ID, 1, 2)
	req.NoError(err)
	req.Equal([]string{"b", "c"}, contents(page1))

	page2, err := store.FindConversationHistory(ctx, conv.ID, 2, 2)
	req.NoError(err)
	req.Equal([]string{"a"}, contents(page2))

	// And deleted messages are skipped
	n, err := store.MarkDeleted(ctx, []int64{ids[4]})
	req.NoError(err)
	req.Equal(1, n)
	page0, err = store.FindConversationHistory(ctx, conv.ID, 0, 2)
	req.NoError(err)
	req.Equal([]string{"c", "d"}, contents(page0))
}

func TestBadgerStore_History_Isolated_Per_Conversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestBadgerStore(t)
	ab, err := store.CreateConversation(ctx, PairKey("alice", "bob"))
	req.NoError(err)
	ac, err := store.CreateConversation(ctx, PairKey("alice", "carol"))
	req.NoError(err)

	_, err = store.SaveMessage(ctx, &Message{ConversationID: ab.ID, Sender: "alice", Content: "to bob", SentAt: fixedNow})
	req.NoError(err)
	_, err = store.SaveMessage(ctx, &Message{ConversationID: ac.ID, Sender: "alice", Content: "to carol", SentAt: fixedNow})
	req.NoError(err)

	history, err := store.FindConversationHistory(ctx, ab.ID, 0, 50)
	req.NoError(err)
	req.Equal([]string{"to bob"}, contents(history))
}

func TestBadgerStore_Expiry_Index(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestBadgerStore(t)
	conv, err := store.CreateConversation(ctx, PairKey("alice", "bob"))
	req.NoError(err)

	soon := fixedNow.Add(5 * time.Second)
	later := fixedNow.Add(time.Hour)
	m1, err := store.SaveMessage(ctx, &Message{ConversationID: conv.ID, Sender: "alice", Content: "soon", SentAt: fixedNow, ExpiresAt: &soon})
	req.NoError(err)
	_, err = store.SaveMessage(ctx, &Message{ConversationID: conv.ID, Sender: "alice", Content: "later", SentAt: fixedNow, ExpiresAt: &later})
	req.NoError(err)
	_, err = store.SaveMessage(ctx, &Message{ConversationID: conv.ID, Sender: "alice", Content: "forever", SentAt: fixedNow})
	req.NoError(err)

	expired, err := store.FindExpired(ctx, fixedNow)
	req.NoError(err)
	req.Empty(expired)

	// A deadline equal to now is expired
	expired, err = store.FindExpired(ctx, soon)
	req.NoError(err)
	req.Len(expired, 1)
	req.Equal(m1.ID, expired[0].ID)

	n, err := store.MarkDeleted(ctx, []int64{m1.ID, 9999})
	req.NoError(err)
	req.Equal(1, n)

	n, err = store.MarkDeleted(ctx, []int64{m1.ID})
	req.NoError(err)
	req.Zero(n)

	expired, err = store.FindExpired(ctx, soon)
	req.NoError(err)
	req.Empty(expired)
}

func contents(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Content)
	}
	return out
}
