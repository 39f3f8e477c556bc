package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/taskflow/internal/audit"
	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/shared"
)

// authContextKey is the context key type for authenticated API key entries.
type authContextKey struct{}

// AuthMiddleware validates bearer tokens and records the key's name as the
// actor of the request.
type AuthMiddleware struct {
	mu      sync.RWMutex
	keys    map[string]config.APIKeyEntry
	enabled bool
	audit   *audit.Log
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{}
	am.Update(cfg)
	return am
}

// Update swaps the accepted key set. Requests already past the check are
// not affected.
func (am *AuthMiddleware) Update(cfg config.AuthConfig) {
	keys := make(map[string]config.APIKeyEntry, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[k.Key] = k
	}
	am.mu.Lock()
	am.keys = keys
	am.enabled = cfg.Enabled
	am.mu.Unlock()
}

// SetAudit records every rejected request to l.
func (am *AuthMiddleware) SetAudit(l *audit.Log) {
	am.mu.Lock()
	am.audit = l
	am.mu.Unlock()
}

func (am *AuthMiddleware) deny(r *http.Request, reason string) {
	am.mu.RLock()
	l := am.audit
	am.mu.RUnlock()
	l.Record(audit.Entry{
		Decision: audit.DecisionDeny,
		Action:   "api.access",
		Reason:   reason,
		Subject:  r.Method + " " + r.URL.Path,
		TraceID:  r.Header.Get(shared.TraceHeader),
	})
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		am.mu.RLock()
		enabled := am.enabled
		am.mu.RUnlock()
		if !enabled || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			am.deny(r, "missing API key")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			return
		}

		am.mu.RLock()
		entry, exists := am.lookupKey(key)
		am.mu.RUnlock()
		if !exists {
			am.deny(r, "invalid API key")
			writeError(w, http.StatusForbidden, "forbidden", "invalid API key", nil)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		if entry.Name != "" {
			ctx = shared.WithActor(ctx, entry.Name)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey checks, in order: Authorization: Bearer <key>, X-API-Key
// header, api_key query param (for websocket clients that cannot set headers).
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (config.APIKeyEntry, bool) {
	var (
		found config.APIKeyEntry
		ok    bool
	)
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			found, ok = entry, true
		}
	}
	return found, ok
}

// KeyEntryFromContext retrieves the authenticated API key entry from context.
func KeyEntryFromContext(ctx context.Context) (config.APIKeyEntry, bool) {
	entry, ok := ctx.Value(authContextKey{}).(config.APIKeyEntry)
	return entry, ok
}
