package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

const (
	sequenceBandwidth = 100
	maxTxnAttempts    = 5
)

// Key layout, all numbers zero padded to 19 digits so keys sort like the numbers:
//
//	conv:{pair_key}                      -> Conversation
//	msg:{conversation}:{sent_at}:{id}    -> Message
//	mid:{id}                             -> msg key
//	exp:{expires_at}:{id}                -> msg key, only while not deleted
func conversationKey(pairKey string) []byte { return []byte("conv:" + pairKey) }

func messagePrefix(conversationID int64) []byte {
	return []byte(fmt.Sprintf("msg:%019d:", conversationID))
}

func messageKey(m *Message) []byte {
	return []byte(fmt.Sprintf("msg:%019d:%019d:%019d", m.ConversationID, m.SentAt.UnixNano(), m.ID))
}

func messageIDKey(id int64) []byte { return []byte(fmt.Sprintf("mid:%019d", id)) }

func expiryKey(expiresAt time.Time, id int64) []byte {
	return []byte(fmt.Sprintf("exp:%019d:%019d", expiresAt.UnixNano(), id))
}

var expiryPrefix = []byte("exp:")

// BadgerStore is the embedded Store, for single-node deployments and tests.
type BadgerStore struct {
	db          *badger.DB
	txn         *badger.Txn
	convSeq     *badger.Sequence
	messageSeq  *badger.Sequence
	maxAttempts int
}

func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	convSeq, err := db.GetSequence([]byte("seq:conversations"), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("conversation sequence: %w", err)
	}
	messageSeq, err := db.GetSequence([]byte("seq:messages"), sequenceBandwidth)
	if err != nil {
		_ = convSeq.Release()
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &BadgerStore{db: db, convSeq: convSeq, messageSeq: messageSeq, maxAttempts: maxTxnAttempts}, nil
}

// Close releases the leased IDs. It does not close the database.
func (s *BadgerStore) Close() error {
	return errors.Join(s.convSeq.Release(), s.messageSeq.Release())
}

// WithTx retries fn when the commit loses against a concurrent transaction, so
// two first contacts of the same pair end up in one conversation.
func (s *BadgerStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.txn != nil {
		return fn(s)
	}

	var err error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.runTx(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", s.maxAttempts, err)
}

func (s *BadgerStore) runTx(fn func(tx Store) error) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	scoped := *s
	scoped.txn = txn
	if err := fn(&scoped); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	return s.db.Update(fn)
}

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	return s.db.View(fn)
}

func (s *BadgerStore) FindConversation(_ context.Context, pairKey string) (*Conversation, error) {
	var conv Conversation
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, conversationKey(pairKey), &conv)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.PairKey = pairKey
	return &conv, nil
}

func (s *BadgerStore) CreateConversation(_ context.Context, pairKey string) (*Conversation, error) {
	var conv *Conversation
	err := s.update(func(txn *badger.Txn) error {
		key := conversationKey(pairKey)
		if _, err := txn.Get(key); err == nil {
			return ErrConversationExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		id, err := s.convSeq.Next()
		if err != nil {
			return err
		}
		conv = &Conversation{ID: int64(id) + 1, PairKey: pairKey, CreatedAt: time.Now().UTC()}
		return setJSON(txn, key, conv)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Lost the race outside a transaction: the winner's row is there now.
		return nil, ErrConversationExists
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *BadgerStore) SaveMessage(_ context.Context, m *Message) (*Message, error) {
	id, err := s.messageSeq.Next()
	if err != nil {
		return nil, err
	}
	saved := *m
	saved.ID = int64(id) + 1

	err = s.update(func(txn *badger.Txn) error {
		key := messageKey(&saved)
		if err := setJSON(txn, key, &saved); err != nil {
			return err
		}
		if err := txn.Set(messageIDKey(saved.ID), key); err != nil {
			return err
		}
		if saved.ExpiresAt != nil {
			return txn.Set(expiryKey(*saved.ExpiresAt, saved.ID), key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return &saved, nil
}

func (s *BadgerStore) FindConversationHistory(_ context.Context, conversationID int64, page, size int) ([]Message, error) {
	skip := page * size
	var messages []Message

	err := s.view(func(txn *badger.Txn) error {
		prefix := messagePrefix(conversationID)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		// Newest first: start past the last possible key of the prefix.
		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix) && len(messages) < size; it.Next() {
			var m Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			if m.Deleted {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lo.Reverse(messages), nil
}

func (s *BadgerStore) FindExpired(_ context.Context, now time.Time) ([]Message, error) {
	deadline := now.UnixNano()
	var messages []Message

	err := s.view(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = expiryPrefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(expiryPrefix); it.ValidForPrefix(expiryPrefix); it.Next() {
			item := it.Item()
			expiresAt, err := strconv.ParseInt(string(item.Key()[len(expiryPrefix):len(expiryPrefix)+19]), 10, 64)
			if err != nil {
				return fmt.Errorf("malformed expiry key %q: %w", item.Key(), err)
			}
			if expiresAt > deadline {
				break
			}
			msgKey, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var m Message
			if err := getJSON(txn, msgKey, &m); err != nil {
				return err
			}
			if !m.Deleted {
				messages = append(messages, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *BadgerStore) MarkDeleted(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var changed int
	err := s.WithTx(ctx, func(tx Store) error {
		changed = 0
		txn := tx.(*BadgerStore).txn
		for _, id := range ids {
			item, err := txn.Get(messageIDKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			msgKey, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var m Message
			if err := getJSON(txn, msgKey, &m); err != nil {
				return err
			}
			if m.Deleted {
				continue
			}
			m.Deleted = true
			if err := setJSON(txn, msgKey, &m); err != nil {
				return err
			}
			if m.ExpiresAt != nil {
				if err := txn.Delete(expiryKey(*m.ExpiresAt, m.ID)); err != nil {
					return err
				}
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark deleted: %w", err)
	}
	return changed, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error { return json.Unmarshal(b, v) })
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}
