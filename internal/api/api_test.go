package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/slidegate/internal/httpmw"
	"github.com/keithlinneman/slidegate/internal/ratelimit"
	"github.com/keithlinneman/slidegate/internal/retry"
	"github.com/keithlinneman/slidegate/internal/textstats"
	"github.com/keithlinneman/slidegate/internal/upstream"
)

// stubFetcher implements DocumentFetcher for tests.
type stubFetcher struct {
	docs  map[string]string
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, key string) (upstream.Document, error) {
	s.calls++
	if s.err != nil {
		return upstream.Document{}, s.err
	}
	body, ok := s.docs[key]
	if !ok {
		return upstream.Document{}, retry.Permanent(upstream.ErrNotFound)
	}
	return upstream.Document{Key: key, Body: []byte(body)}, nil
}

func newTestRouter(t *testing.T, limit int, f DocumentFetcher) (http.Handler, *ratelimit.Middleware) {
	t.Helper()
	var mw *ratelimit.Middleware
	if limit > 0 {
		l, err := ratelimit.New[string](limit, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		mw = ratelimit.NewMiddleware(l)
	}
	r := chi.NewRouter()
	New(Options{Limit: mw, Fetcher: f}).RegisterRoutes(r)
	return r, mw
}

func do(h http.Handler, method, target, body, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// analyze

func TestAnalyze_ReturnsStats(t *testing.T) {
	h, _ := newTestRouter(t, 5, nil)

	w := do(h, http.MethodPost, "/api/v1/analyze", "Hello, hello world!", "203.0.113.1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	res := decode[textstats.Result](t, w)
	if res.WordCount != 3 || res.WordFrequency["hello"] != 2 {
		t.Fatalf("result = %+v", res)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining = %q, want 4", got)
	}
}

func TestAnalyze_BodyTooLarge(t *testing.T) {
	l, _ := ratelimit.New[string](5, time.Minute)
	r := chi.NewRouter()
	New(Options{Limit: ratelimit.NewMiddleware(l), MaxBodyBytes: 8}).RegisterRoutes(r)

	w := do(r, http.MethodPost, "/api/v1/analyze", "this body is longer than eight bytes", "203.0.113.1")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestAnalyze_DeniedAfterLimit(t *testing.T) {
	h, _ := newTestRouter(t, 2, nil)

	for i := 0; i < 2; i++ {
		if w := do(h, http.MethodPost, "/api/v1/analyze", "a b", "203.0.113.1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, w.Code)
		}
	}
	w := do(h, http.MethodPost, "/api/v1/analyze", "a b", "203.0.113.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	// another caller is unaffected
	if w := do(h, http.MethodPost, "/api/v1/analyze", "a b", "198.51.100.7"); w.Code != http.StatusOK {
		t.Fatalf("other identity: %d", w.Code)
	}
}

func TestAnalyze_NoLimiter(t *testing.T) {
	h, _ := newTestRouter(t, 0, nil)
	for i := 0; i < 10; i++ {
		if w := do(h, http.MethodPost, "/api/v1/analyze", "x", "203.0.113.1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, w.Code)
		}
	}
}

// document stats

func TestDocumentStats_OK(t *testing.T) {
	f := &stubFetcher{docs: map[string]string{"2025/notes.txt": "alpha beta alpha"}}
	h, _ := newTestRouter(t, 5, f)

	w := do(h, http.MethodGet, "/api/v1/documents/2025/notes.txt/stats", "", "203.0.113.1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	resp := decode[DocumentStatsResponse](t, w)
	if resp.Key != "2025/notes.txt" || resp.Stats.WordCount != 3 || resp.Stats.WordFrequency["alpha"] != 2 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDocumentStats_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid key", errors.Join(upstream.ErrInvalidKey, errors.New("dot segment")), http.StatusBadRequest},
		{"not found", upstream.ErrNotFound, http.StatusNotFound},
		{"too large", upstream.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{"exhausted", &retry.ExhaustedError{Attempts: 3, Last: errors.New("502")}, http.StatusBadGateway},
		{"deferred", &retry.DeferredError{Attempts: 1, After: time.Hour, Last: errors.New("429")}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestRouter(t, 5, &stubFetcher{err: tt.err})
			w := do(h, http.MethodGet, "/api/v1/documents/k/stats", "", "203.0.113.1")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestDocumentStats_ExhaustedMessage(t *testing.T) {
	h, _ := newTestRouter(t, 5, &stubFetcher{err: &retry.ExhaustedError{Attempts: 3, Last: errors.New("upstream error (status 503)")}})
	w := do(h, http.MethodGet, "/api/v1/documents/k/stats", "", "203.0.113.1")
	resp := decode[errorResponse](t, w)
	if !strings.HasPrefix(resp.Error, "all retries failed after 3 attempts") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestDocumentStats_DeferredSetsRetryAfter(t *testing.T) {
	err := &retry.DeferredError{Attempts: 1, After: 90*time.Second + time.Millisecond, Last: errors.New("upstream throttled (status 429)")}
	h, _ := newTestRouter(t, 5, &stubFetcher{err: err})
	w := do(h, http.MethodGet, "/api/v1/documents/k/stats", "", "203.0.113.1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "91" {
		t.Errorf("Retry-After = %q, want 91", got)
	}
}

func TestDocumentStats_NoUpstream(t *testing.T) {
	h, _ := newTestRouter(t, 5, nil)
	w := do(h, http.MethodGet, "/api/v1/documents/k/stats", "", "203.0.113.1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestDocumentStats_MissingSuffix(t *testing.T) {
	f := &stubFetcher{}
	h, _ := newTestRouter(t, 5, f)
	w := do(h, http.MethodGet, "/api/v1/documents/k", "", "203.0.113.1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if f.calls != 0 {
		t.Errorf("fetcher called %d times", f.calls)
	}
}

func TestDocumentStats_DeniedBeforeFetch(t *testing.T) {
	f := &stubFetcher{docs: map[string]string{"k": "x"}}
	h, _ := newTestRouter(t, 1, f)

	do(h, http.MethodGet, "/api/v1/documents/k/stats", "", "203.0.113.1")
	w := do(h, http.MethodGet, "/api/v1/documents/k/stats", "", "203.0.113.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if f.calls != 1 {
		t.Fatalf("fetcher calls = %d, want 1", f.calls)
	}
}

// quota

func TestQuota_NotCharged(t *testing.T) {
	h, mw := newTestRouter(t, 2, nil)

	for i := 0; i < 5; i++ {
		w := do(h, http.MethodGet, "/api/v1/quota", "", "203.0.113.1")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		q := decode[QuotaResponse](t, w)
		if q.Remaining != 2 || q.Limit != 2 || q.WindowSeconds != 60 || q.Identity != "ip:203.0.113.1" {
			t.Fatalf("quota = %+v", q)
		}
	}
	if mw.Limiter().Len() != 0 {
		t.Fatal("quota lookups must not create limiter state")
	}
}

func TestQuota_ReflectsUsageAndDenial(t *testing.T) {
	h, _ := newTestRouter(t, 2, nil)

	do(h, http.MethodPost, "/api/v1/analyze", "a", "203.0.113.1")
	q := decode[QuotaResponse](t, do(h, http.MethodGet, "/api/v1/quota", "", "203.0.113.1"))
	if q.Remaining != 1 || q.RetryAfterSeconds != 0 {
		t.Fatalf("after one request: %+v", q)
	}

	do(h, http.MethodPost, "/api/v1/analyze", "a", "203.0.113.1")
	w := do(h, http.MethodGet, "/api/v1/quota", "", "203.0.113.1")
	if w.Code != http.StatusOK {
		t.Fatalf("quota must be reachable while throttled, got %d", w.Code)
	}
	q = decode[QuotaResponse](t, w)
	if q.Remaining != 0 || q.RetryAfterSeconds < 59 || q.RetryAfterSeconds > 60 {
		t.Fatalf("when full: %+v", q)
	}
}

func TestQuota_NoLimiter(t *testing.T) {
	h, _ := newTestRouter(t, 0, nil)
	if w := do(h, http.MethodGet, "/api/v1/quota", "", "203.0.113.1"); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
