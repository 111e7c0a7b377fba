package myMiddleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const UsernameKey contextKey = "username"

const bearerPrefix = "Bearer "

var (
	ErrMissingCredential   = errors.New("missing authentication token")
	ErrMalformedCredential = errors.New("malformed authentication token")
)

// TokenVerifier decouples 'middleware' from 'user'.
type TokenVerifier interface {
	// Verify returns the canonical username a token was issued to.
	Verify(tokenString string) (string, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
	log      *slog.Logger
}

func NewAuthMiddleware(v TokenVerifier, log *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: v, log: log}
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>" value.
// Anything else is rejected without looking at the token.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredential
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMalformedCredential
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrMalformedCredential
	}
	return token, nil
}

// Authenticate resolves the identity behind an Authorization header value.
func (am *AuthMiddleware) Authenticate(header string) (string, error) {
	token, err := ExtractBearer(header)
	if err != nil {
		return "", err
	}
	return am.verifier.Verify(token)
}

// Handle only lets a request through once its bearer token verified. The
// identity is taken from the token and nothing else; there is no fallback
// to a client-declared name.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, err := am.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			am.log.Debug("Handshake rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UsernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UsernameFrom returns the verified identity stored by Handle.
func UsernameFrom(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UsernameKey).(string)
	return username, ok && username != ""
}
