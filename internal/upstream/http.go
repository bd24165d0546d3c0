package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/slidegate/internal/retry"
	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// HTTPSource fetches {base}/{key} over HTTP.
type HTTPSource struct {
	base     *url.URL
	client   *http.Client
	maxBytes int64
}

type HTTPOptions struct {
	// BaseURL is the origin, e.g. https://docs.internal/v1/objects
	BaseURL string
	// Timeout bounds one attempt. Default 5s.
	Timeout time.Duration
	// MaxBytes caps the response body. Default DefaultMaxBytes.
	MaxBytes int64
	// Transport overrides the base round tripper (wrapped with otelhttp).
	Transport http.RoundTripper
}

func NewHTTPSource(opts HTTPOptions) (*HTTPSource, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream url %q", opts.BaseURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Newf("upstream url must be http(s)://host[/path] (got %q)", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &HTTPSource{
		base: u,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: otelhttp.NewTransport(base,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "upstream " + r.Method
				}),
			),
		},
		maxBytes: opts.MaxBytes,
	}, nil
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) url(key string) string {
	u := *s.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + key
	u.RawPath = ""
	return u.String()
}

// Fetch performs one GET. 404 and oversize bodies are permanent, 429 honours
// Retry-After, 5xx and transport failures are retryable.
func (s *HTTPSource) Fetch(ctx context.Context, key string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(key), nil)
	if err != nil {
		return Document{}, retry.Permanent(xerrors.Wrap(err, "build upstream request"))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Document{}, xerrors.Wrapf(err, "upstream get %s", key)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Document{}, retry.Permanent(xerrors.Wrapf(ErrNotFound, "upstream key %s", key))
	case resp.StatusCode == http.StatusTooManyRequests:
		err := xerrors.Newf("upstream throttled (status %d)", resp.StatusCode)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return Document{}, retry.After(err, d)
		}
		return Document{}, err
	case resp.StatusCode >= 500:
		return Document{}, xerrors.Newf("upstream error (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Document{}, retry.Permanent(xerrors.Newf("unexpected upstream status %d", resp.StatusCode))
	}

	body, err := readCapped(resp.Body, s.maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Document{}, retry.Permanent(err)
		}
		return Document{}, err
	}
	return Document{
		Key:         key,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now(),
	}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
