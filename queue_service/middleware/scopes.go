// Package middleware carries the HTTP cross-cutting concerns: scope
// extraction from the outer auth layer and CORS.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// ScopesKey is the context key for the caller's scope set.
	ScopesKey ContextKey = "scopes"

	// ScopesHeader carries the caller's satisfied scopes, resolved by the
	// fronting auth proxy. The queue trusts it: scope *verification*
	// happens upstream, the queue only checks coverage.
	ScopesHeader = "X-Queue-Scopes"
)

// ScopesMiddleware extracts the caller's scopes into the context. An
// absent header means an unauthenticated caller with no scopes; read
// endpoints still work.
func ScopesMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var scopes []string
		if header := r.Header.Get(ScopesHeader); header != "" {
			for _, s := range strings.Split(header, " ") {
				if s != "" {
					scopes = append(scopes, s)
				}
			}
		}
		ctx := context.WithValue(r.Context(), ScopesKey, scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ScopesFromContext returns the caller's scopes, or nil.
func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ScopesKey).([]string)
	return scopes
}

// Satisfies reports whether the held scopes cover required. A held scope
// ending in "*" covers any required scope sharing its prefix.
func Satisfies(held []string, required string) bool {
	for _, scope := range held {
		if scope == required {
			return true
		}
		if strings.HasSuffix(scope, "*") && strings.HasPrefix(required, scope[:len(scope)-1]) {
			return true
		}
	}
	return false
}

// SatisfiesAll reports whether every required scope is covered.
func SatisfiesAll(held []string, required ...string) bool {
	for _, r := range required {
		if !Satisfies(held, r) {
			return false
		}
	}
	return true
}
