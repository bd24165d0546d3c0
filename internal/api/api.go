// Package api serves the rate-limited text analysis endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/slidegate/internal/httpmw"
	"github.com/keithlinneman/slidegate/internal/log"
	"github.com/keithlinneman/slidegate/internal/ratelimit"
	"github.com/keithlinneman/slidegate/internal/retry"
	"github.com/keithlinneman/slidegate/internal/textstats"
	"github.com/keithlinneman/slidegate/internal/upstream"
)

// DefaultMaxBodyBytes caps POST /api/v1/analyze bodies.
const DefaultMaxBodyBytes = 64 << 10

// DocumentFetcher is satisfied by *upstream.Fetcher.
type DocumentFetcher interface {
	Fetch(ctx context.Context, key string) (upstream.Document, error)
}

type Options struct {
	Logger log.Logger
	// Limit gates analyze and document routes. Nil disables admission control.
	Limit *ratelimit.Middleware
	// Fetcher backs the document stats route. Nil answers 503.
	Fetcher      DocumentFetcher
	MaxBodyBytes int64
}

// API implements the /api/v1 endpoints
type API struct {
	logger  log.Logger
	limit   *ratelimit.Middleware
	fetcher DocumentFetcher
	maxBody int64
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &API{
		logger:  opts.Logger,
		limit:   opts.Limit,
		fetcher: opts.Fetcher,
		maxBody: opts.MaxBodyBytes,
	}
}

// RegisterRoutes attaches the API to r. The quota route is not charged
// against the caller's window.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("quota")).Get("/api/v1/quota", api.HandleQuota)

	r.Group(func(r chi.Router) {
		if api.limit != nil {
			r.Use(api.limit.Handler)
		}
		r.With(httpmw.Scope("analyze")).Post("/api/v1/analyze", api.HandleAnalyze)
		r.With(httpmw.Scope("document_stats")).Get("/api/v1/documents/*", api.HandleDocumentStats)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

// QuotaResponse reports the caller's standing without recording a request.
type QuotaResponse struct {
	Identity          string `json:"identity"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
	WindowSeconds     int64  `json:"window_seconds"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

// DocumentStatsResponse is textstats output for a fetched document.
type DocumentStatsResponse struct {
	Key   string           `json:"key"`
	Stats textstats.Result `json:"stats"`
}

// HandleAnalyze returns text statistics for the request body.
func (api *API) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "could not read request body"})
		return
	}

	res := textstats.Analyze(string(body))
	log.FromContext(ctx).Debug(ctx, "analyzed text", "bytes", len(body), "words", res.WordCount)
	api.writeJSON(ctx, w, http.StatusOK, res)
}

// HandleDocumentStats serves GET /api/v1/documents/{key}/stats.
func (api *API) HandleDocumentStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, ok := strings.CutSuffix(chi.URLParam(r, "*"), "/stats")
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}
	if api.fetcher == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no upstream configured"})
		return
	}

	doc, err := api.fetcher.Fetch(ctx, key)
	if err != nil {
		status, msg := fetchErrorStatus(err)
		var deferred *retry.DeferredError
		if errors.As(err, &deferred) {
			w.Header().Set("Retry-After", strconv.FormatInt(int64((deferred.After+time.Second-1)/time.Second), 10))
		}
		L := log.FromContext(ctx)
		if status >= 500 {
			L.Error(ctx, err, "document fetch failed", "key", key)
		} else {
			L.Debug(ctx, "document fetch rejected", "key", key, "status", status, "err", err)
		}
		api.writeJSON(ctx, w, status, errorResponse{Error: msg})
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, DocumentStatsResponse{
		Key:   doc.Key,
		Stats: textstats.Analyze(string(doc.Body)),
	})
}

func fetchErrorStatus(err error) (int, string) {
	var exhausted *retry.ExhaustedError
	var deferred *retry.DeferredError
	switch {
	case errors.Is(err, upstream.ErrInvalidKey):
		return http.StatusBadRequest, "invalid document key"
	case errors.Is(err, upstream.ErrNotFound):
		return http.StatusNotFound, "document not found"
	case errors.Is(err, upstream.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "document too large"
	case errors.As(err, &deferred):
		return http.StatusServiceUnavailable, "upstream asked to retry later"
	case errors.As(err, &exhausted):
		return http.StatusBadGateway, exhausted.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream fetch did not complete"
	default:
		return http.StatusBadGateway, "upstream fetch failed"
	}
}

// HandleQuota reports the caller's remaining admissions.
func (api *API) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if api.limit == nil {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "rate limiting disabled"})
		return
	}

	id := api.limit.Identity(r)
	l := api.limit.Limiter()
	d := l.Peek(id)
	ratelimit.SetHeaders(w.Header(), d)

	api.writeJSON(ctx, w, http.StatusOK, QuotaResponse{
		Identity:          id,
		Limit:             d.Limit,
		Remaining:         d.Remaining,
		WindowSeconds:     int64(l.Window() / time.Second),
		RetryAfterSeconds: d.RetryAfterSeconds(),
	})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
