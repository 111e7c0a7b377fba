package myMiddleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	calls  []string
	tokens map[string]string
}

func (s *stubVerifier) Verify(token string) (string, error) {
	s.calls = append(s.calls, token)
	if username, ok := s.tokens[token]; ok {
		return username, nil
	}
	return "", errors.New("invalid or expired token")
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"missing", "", "", ErrMissingCredential},
		{"basic scheme", "Basic YWxpY2U6cHc=", "", ErrMalformedCredential},
		{"lowercase scheme", "bearer abc", "", ErrMalformedCredential},
		{"no token", "Bearer ", "", ErrMalformedCredential},
		{"token only", "abc.def.ghi", "", ErrMalformedCredential},
		{"two tokens", "Bearer abc def", "", ErrMalformedCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			got, err := ExtractBearer(tt.header)
			if tt.wantErr != nil {
				req.ErrorIs(err, tt.wantErr)
				return
			}
			req.NoError(err)
			req.Equal(tt.want, got)
		})
	}
}

func TestAuthMiddleware_Handle(t *testing.T) {
	verifier := &stubVerifier{tokens: map[string]string{"good-token": "alice"}}
	am := NewAuthMiddleware(verifier, slog.Default())

	var reached string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, ok := UsernameFrom(r.Context())
		require.True(t, ok)
		reached = username
		w.WriteHeader(http.StatusNoContent)
	})
	handler := am.Handle(next)

	t.Run("should inject the verified username", func(t *testing.T) {
		req := require.New(t)
		reached = ""
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer good-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		req.Equal(http.StatusNoContent, w.Code)
		req.Equal("alice", reached)
	})

	t.Run("should reject malformed headers without calling the verifier", func(t *testing.T) {
		req := require.New(t)
		reached = ""
		verifier.calls = nil
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Token good-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		req.Equal(http.StatusUnauthorized, w.Code)
		req.Empty(reached)
		req.Empty(verifier.calls)
	})

	t.Run("should ignore query tokens and declared usernames", func(t *testing.T) {
		req := require.New(t)
		reached = ""
		r := httptest.NewRequest(http.MethodGet, "/ws?token=good-token&username=alice", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		req.Equal(http.StatusUnauthorized, w.Code)
		req.Empty(reached)
	})

	t.Run("should reject tokens that fail verification", func(t *testing.T) {
		req := require.New(t)
		reached = ""
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer forged-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		req.Equal(http.StatusUnauthorized, w.Code)
		req.Empty(reached)
	})
}

func TestUsernameFrom_Empty(t *testing.T) {
	_, ok := UsernameFrom(context.Background())
	require.False(t, ok)

	_, ok = UsernameFrom(context.WithValue(context.Background(), UsernameKey, ""))
	require.False(t, ok)
}
