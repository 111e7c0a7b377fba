package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxResolveAttempts = 3

// PairKey canonicalises an unordered pair of identities. The length prefix
// keeps keys unambiguous whatever characters the identities contain.
func PairKey(a, b string) string {
	low, high := a, b
	if strings.Compare(low, high) > 0 {
		low, high = high, low
	}
	return fmt.Sprintf("dm:%d:%s:%s", len(low), low, high)
}

type Resolver struct {
	store ConversationStore
}

func NewResolver(store ConversationStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the conversation of the pair {a, b}, creating it on first contact.
// When a concurrent first contact wins the insert, the winner's row is re-selected.
func (r *Resolver) Resolve(ctx context.Context, a, b string) (int64, error) {
	key := PairKey(a, b)
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		conv, err := r.store.FindConversation(ctx, key)
		if err == nil {
			return conv.ID, nil
		}
		if !errors.Is(err, ErrConversationNotFound) {
			return 0, fmt.Errorf("find conversation: %w", err)
		}

		conv, err = r.store.CreateConversation(ctx, key)
		if err == nil {
			return conv.ID, nil
		}
		if !errors.Is(err, ErrConversationExists) {
			return 0, fmt.Errorf("create conversation: %w", err)
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrConversationContention, key)
}

// Find is the read-only variant of Resolve.
func (r *Resolver) Find(ctx context.Context, a, b string) (int64, error) {
	conv, err := r.store.FindConversation(ctx, PairKey(a, b))
	if err != nil {
		return 0, err
	}
	return conv.ID, nil
}
