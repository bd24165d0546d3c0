package upstream

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/slidegate/internal/retry"
	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// S3GetObjectAPI is the subset of *s3.Client used by S3Source.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source fetches s3://{bucket}/{prefix}/{key}.
type S3Source struct {
	client   S3GetObjectAPI
	bucket   string
	prefix   string
	maxBytes int64
}

type S3Options struct {
	Client   S3GetObjectAPI
	Bucket   string
	Prefix   string
	MaxBytes int64
}

func NewS3Source(opts S3Options) (*S3Source, error) {
	if opts.Client == nil {
		return nil, xerrors.New("S3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("S3 bucket is required")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &S3Source{
		client:   opts.Client,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		maxBytes: opts.MaxBytes,
	}, nil
}

func (s *S3Source) Name() string { return "s3" }

func (s *S3Source) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Fetch performs one GetObject. NoSuchKey and oversize objects are permanent.
func (s *S3Source) Fetch(ctx context.Context, key string) (Document, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Document{}, retry.Permanent(xerrors.Wrapf(ErrNotFound, "s3://%s/%s", s.bucket, objKey))
		}
		return Document{}, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, objKey)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > s.maxBytes {
		return Document{}, retry.Permanent(xerrors.Wrapf(ErrTooLarge, "s3://%s/%s is %d bytes", s.bucket, objKey, *out.ContentLength))
	}
	body, err := readCapped(out.Body, s.maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Document{}, retry.Permanent(err)
		}
		return Document{}, err
	}
	return Document{
		Key:         key,
		Body:        body,
		ContentType: aws.ToString(out.ContentType),
		FetchedAt:   time.Now(),
	}, nil
}
