// Package upstream fetches documents from an HTTP origin or an S3 bucket
// with bounded, fixed-delay retries and outbound pacing.
package upstream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// DefaultMaxBytes caps a fetched document body.
const DefaultMaxBytes = 1 << 20

var (
	// ErrNotFound means the origin has no document for the key. Not retried.
	ErrNotFound = errors.New("document not found")
	// ErrTooLarge means the document exceeds the configured size cap. Not retried.
	ErrTooLarge = errors.New("document too large")
)

// Document is one fetched object.
type Document struct {
	Key         string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// Source fetches a single document by key. One call is one attempt.
type Source interface {
	Fetch(ctx context.Context, key string) (Document, error)
	Name() string
}

// readCapped reads at most max bytes, failing with ErrTooLarge past the cap.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read body")
	}
	if int64(len(body)) > max {
		return nil, xerrors.Wrapf(ErrTooLarge, "over %d bytes", max)
	}
	return body, nil
}
