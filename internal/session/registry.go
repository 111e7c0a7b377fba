package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

var (
	ErrUnboundSession   = errors.New("session has no identity")
	ErrIdentityConflict = errors.New("session already bound to another identity")
	ErrSessionNotFound  = errors.New("session not found")
)

// Sink is the outbound side of one live connection.
type Sink interface {
	// Push queues a payload without blocking. False means the sink can't keep up.
	Push(payload []byte) bool
	Close()
}

type Session struct {
	ID        string
	Identity  string
	CreatedAt time.Time
	sink      Sink
}

func (s *Session) Push(payload []byte) bool {
	return s.sink.Push(payload)
}

func (s *Session) Close() {
	s.sink.Close()
}

type Set map[string]struct{}

// Registry maps live sessions to the identity bound at handshake time.
// It is the single source of truth for whether an identity is reachable
// on this instance.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session // session id -> session
	identities map[string]Set      // identity -> session ids
	log        *slog.Logger
	now        func() time.Time
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		identities: make(map[string]Set),
		log:        log,
		now:        time.Now,
	}
}

// Register binds identity to the session. Registering the same pair twice is a no-op;
// a different identity on an already bound session is refused.
func (r *Registry) Register(id, identity string, sink Sink) error {
	if id == "" || identity == "" {
		return ErrUnboundSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		if existing.Identity == identity {
			return nil
		}
		r.log.Warn("Refused rebinding of a live session",
			"session", id, "bound", existing.Identity, "requested", identity)
		return ErrIdentityConflict
	}

	r.sessions[id] = &Session{ID: id, Identity: identity, CreatedAt: r.now(), sink: sink}
	if _, ok := r.identities[identity]; !ok {
		r.identities[identity] = make(Set)
	}
	r.identities[identity][id] = struct{}{}
	return nil
}

// Unregister removes the session. Unknown ids are ignored.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)

	if ids, ok := r.identities[s.Identity]; ok {
		delete(ids, id)
		// No empty sets left behind, identities come and go.
		if len(ids) == 0 {
			delete(r.identities, s.Identity)
		}
	}
	return true
}

func (r *Registry) IdentityOf(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.Identity, nil
}

// SessionsOf returns the ids of every live session of identity, sorted.
func (r *Registry) SessionsOf(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.identities[identity])
	sort.Strings(ids)
	return ids
}

// Lookup returns a snapshot of the live sessions of identity.
// Pushing to them happens outside the registry lock.
func (r *Registry) Lookup(identity string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.identities[identity]
	sessions := make([]*Session, 0, len(ids))
	for id := range ids {
		sessions = append(sessions, r.sessions[id])
	}
	return sessions
}

func (r *Registry) Online(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities[identity]) > 0
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
