package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/keithlinneman/slidegate/internal/httpmw"
)

// APIKeyHeader carries a caller's api key. It is only honored by the KeyFunc
// returned from APIKeys.
const APIKeyHeader = "X-Api-Key"

// KeyFunc derives the identity to rate-limit from a request.
type KeyFunc func(r *http.Request) string

// DefaultKey charges the client IP resolved by httpmw.ClientIP, as "ip:<addr>".
// A request that never passed through ClientIP is charged as "ip:".
func DefaultKey(r *http.Request) string {
	return "ip:" + httpmw.ClientIPFromContext(r.Context())
}

// APIKeys returns a KeyFunc that charges a request to its api key when the
// header holds one of keys, and to DefaultKey otherwise. Unknown keys never
// create an identity of their own. The key itself is not part of the
// identity; a short sha256 fingerprint is, so identities are safe to log.
func APIKeys(keys ...string) KeyFunc {
	known := make(map[string]string, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			known[k] = "key:" + keyFingerprint(k)
		}
	}
	if len(known) == 0 {
		return DefaultKey
	}
	return func(r *http.Request) string {
		if id, ok := known[strings.TrimSpace(r.Header.Get(APIKeyHeader))]; ok {
			return id
		}
		return DefaultKey(r)
	}
}

func keyFingerprint(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

// Middleware gates an http.Handler with a string-keyed Limiter.
type Middleware struct {
	limiter *Limiter[string]
	key     KeyFunc

	// OnDenied is called on every denied request after the decision is made,
	// outside any limiter lock.
	OnDenied func(identity string, d Decision)
	// OnAllowed is called on every admitted request.
	OnAllowed func(identity string, d Decision)
}

type MiddlewareOption func(*Middleware)

// WithKeyFunc replaces DefaultKey.
func WithKeyFunc(fn KeyFunc) MiddlewareOption {
	return func(m *Middleware) {
		m.key = fn
	}
}

// WithOnDenied sets a callback for every denied request, used for metrics and logging.
func WithOnDenied(fn func(identity string, d Decision)) MiddlewareOption {
	return func(m *Middleware) {
		m.OnDenied = fn
	}
}

// WithOnAllowed sets a callback for every admitted request.
func WithOnAllowed(fn func(identity string, d Decision)) MiddlewareOption {
	return func(m *Middleware) {
		m.OnAllowed = fn
	}
}

func NewMiddleware(l *Limiter[string], opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		limiter: l,
		key:     DefaultKey,
	}
	for _, o := range opts {
		o(m)
	}
	if m.key == nil {
		m.key = DefaultKey
	}
	return m
}

// Identity returns the identity the middleware would charge for r.
func (m *Middleware) Identity(r *http.Request) string {
	return m.key(r)
}

// Limiter returns the underlying limiter.
func (m *Middleware) Limiter() *Limiter[string] {
	return m.limiter
}

// Handler rejects requests over the identity's window quota with 429 and a
// Retry-After computed from the oldest admission still in the window.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.key(r)
		d := m.limiter.Allow(id)
		SetHeaders(w.Header(), d)

		if !d.Allowed {
			if m.OnDenied != nil {
				m.OnDenied(id, d)
			}
			secs := strconv.FormatInt(d.RetryAfterSeconds(), 10)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", secs)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests","retry_after_seconds":` + secs + `}`))
			return
		}

		if m.OnAllowed != nil {
			m.OnAllowed(id, d)
		}
		next.ServeHTTP(w, r)
	})
}

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}
