package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/anvil/pkg/contextkeys"
	"github.com/platinummonkey/anvil/pkg/document"
)

// UserLoader fetches a users document by id so the middleware can attach it
// to token principals. The pipeline's store-backed lookup implements it.
type UserLoader interface {
	LoadUser(ctx context.Context, id string) (document.Document, error)
}

// Middleware resolves the request principal. Resolution order: Authorization
// Bearer token, then X-Master-Key header, then anonymous.
type Middleware struct {
	tokens    *TokenManager
	masterKey func() string
	users     UserLoader
}

// NewMiddleware creates the authentication middleware. masterKey is a
// function so the admin security endpoint can rotate the key without a
// restart.
func NewMiddleware(tokens *TokenManager, masterKey func() string, users UserLoader) *Middleware {
	return &Middleware{tokens: tokens, masterKey: masterKey, users: users}
}

// Handler wraps next with principal resolution. A presented-but-invalid
// credential is rejected with 401; absent credentials proceed as anonymous.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.Resolve(r)
		if err != nil {
			unauthorizedResponse(w, err.Error())
			return
		}
		if principal != nil {
			r = r.WithContext(contextkeys.WithPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

// Resolve extracts the principal from request credentials. Returns
// (nil, nil) for anonymous requests.
func (m *Middleware) Resolve(r *http.Request) (*Principal, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, errInvalidHeader
		}
		return m.FromToken(r.Context(), parts[1])
	}
	if key := r.Header.Get("X-Master-Key"); key != "" {
		if !CheckMasterKey(m.masterKey(), key) {
			return nil, errBadMasterKey
		}
		return Root(), nil
	}
	return nil, nil
}

// FromToken validates a bearer token and builds its principal, loading the
// backing users document for non-root tokens. Also used by the realtime
// hub's auth frame.
func (m *Middleware) FromToken(ctx context.Context, token string) (*Principal, error) {
	claims, err := m.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	if claims.IsRoot {
		return Root(), nil
	}
	p := &Principal{UserID: claims.UserID, Username: claims.Username}
	if m.users != nil && claims.UserID != "" {
		user, err := m.users.LoadUser(ctx, claims.UserID)
		if err == nil {
			p.User = user
		}
		// A deleted user keeps a valid token until expiry; scripts see a
		// nil me in that window.
	}
	return p, nil
}

// PrincipalFrom extracts the resolved principal from a request context.
// Returns nil for anonymous requests.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errInvalidHeader authError = "invalid authorization header format"
	errBadMasterKey  authError = "invalid master key"
)

func unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
