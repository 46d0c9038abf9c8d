// Package auth guards the SSE transport of the search server.
package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/sha1n/osem/internal/config"
)

// APIKeyHeader carries the key checked by the apikey scheme.
const APIKeyHeader = "X-API-Key"

// Realm is announced to basic auth clients.
const Realm = "osem"

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Option customizes the middleware.
type Option func(*options)

type options struct {
	public map[string]bool
}

// WithPublicPaths lets requests to paths through unauthenticated.
func WithPublicPaths(paths ...string) Option {
	return func(o *options) {
		for _, p := range paths {
			o.public[p] = true
		}
	}
}

type checker func(r *http.Request) bool

// NewMiddleware returns the middleware enforcing the scheme of settings.
// /health is always public.
func NewMiddleware(settings config.AuthSettings, opts ...Option) (Middleware, error) {
	o := options{public: map[string]bool{"/health": true}}
	for _, opt := range opts {
		opt(&o)
	}

	var check checker
	switch settings.Type {
	case config.AuthTypeNone, "":
		return func(next http.Handler) http.Handler { return next }, nil
	case config.AuthTypeBasic:
		if settings.Basic.Username == "" || settings.Basic.Password == "" {
			return nil, fmt.Errorf("basic auth requires non-empty username and password")
		}
		check = basicChecker(settings.Basic)
	case config.AuthTypeAPIKey:
		if len(settings.APIKeys) == 0 {
			return nil, fmt.Errorf("apikey auth requires at least one API key")
		}
		check = apiKeyChecker(settings.APIKeys)
	default:
		return nil, fmt.Errorf("unknown auth type: %s", settings.Type)
	}

	scheme := settings.Type
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.public[r.URL.Path] || check(r) {
				next.ServeHTTP(w, r)
				return
			}
			slog.Debug("Rejected unauthenticated request", "scheme", scheme, "path", r.URL.Path, "remote", r.RemoteAddr)
			if scheme == config.AuthTypeBasic {
				w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`"`)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}, nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func basicChecker(creds config.BasicAuthSettings) checker {
	return func(r *http.Request) bool {
		user, pass, ok := r.BasicAuth()
		// both comparisons always run
		userOK := equal(user, creds.Username)
		passOK := equal(pass, creds.Password)
		return ok && userOK && passOK
	}
}

func apiKeyChecker(keys []string) checker {
	return func(r *http.Request) bool {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			return false
		}
		return slices.ContainsFunc(keys, func(k string) bool { return equal(key, k) })
	}
}
