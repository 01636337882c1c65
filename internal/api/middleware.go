package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// KeyStore resolves presented API keys. Satisfied by *postgres.APIKeyRepo.
type KeyStore interface {
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// UserContextKey is the context key under which the authenticated user ID
// is stored for downstream handlers.
type UserContextKey struct{}

// UserIDFromContext returns the authenticated user ID set by the auth
// middleware, or "" when the request was not authenticated.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(UserContextKey{}).(string); ok {
		return v
	}
	return ""
}

// DevUserID is the fixed identity assumed when dev mode disables auth.
const DevUserID = "dev-user"

// requireAPIKey authenticates requests by the SHA-256 hash of the bearer
// token. In dev mode every request runs as DevUserID.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.devMode {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey{}, DevUserID)))
			return
		}

		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		sum := sha256.Sum256([]byte(token))
		key, err := s.apiKeys.GetByHash(r.Context(), hex.EncodeToString(sum[:]))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				respondError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			respondDomainError(w, r, err)
			return
		}

		if err := s.apiKeys.TouchLastUsed(r.Context(), key.ID); err != nil {
			logger.Warn("touch api key failed", "key_id", key.ID, "error", err.Error())
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey{}, key.UserID)))
	})
}

// requireServiceKey guards the mailer callback with the shared service
// credential. Comparison is constant time. An unset credential fails closed.
func (s *Server) requireServiceKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if s.serviceKey == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceKey)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid service credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
