package admission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/pkg/circuitbreaker"
	"github.com/migadu/soramail/pkg/retry"
)

// ObjectStorage is the subset of storage.S3Storage the S3 byte store uses.
type ObjectStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// S3Store keeps attachments in an S3 bucket. Writes and deletes are retried
// with backoff. All calls pass through an optional circuit breaker.
type S3Store struct {
	objects ObjectStorage
	backoff retry.BackoffConfig
	breaker *circuitbreaker.Breaker
}

// NewS3Store returns an S3 byte store. breaker may be nil.
func NewS3Store(objects ObjectStorage, backoff retry.BackoffConfig, breaker *circuitbreaker.Breaker) *S3Store {
	return &S3Store{objects: objects, backoff: backoff, breaker: breaker}
}

// permanent stops retries for errors another attempt cannot fix.
func permanent(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || circuitbreaker.Rejected(err) {
		return retry.Stop(err)
	}
	return err
}

// guard runs fn through the breaker. A missing object is an answer from a
// healthy backend and does not count as a failure.
func (s *S3Store) guard(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	var notFound error
	err := s.breaker.Do(func() error {
		err := fn()
		if errors.Is(err, consts.ErrNotFound) {
			notFound = err
			return nil
		}
		return err
	})
	if notFound != nil {
		return notFound
	}
	return err
}

func (s *S3Store) Write(ctx context.Context, id, mimeType string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read upload: %w", err)
	}
	key := helpers.NewAttachmentKey(id)
	err = retry.Do(ctx, s.backoff, func() error {
		return permanent(s.guard(func() error {
			return s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType)
		}))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload attachment %s: %w", id, err)
	}
	return int64(len(data)), nil
}

func (s *S3Store) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.guard(func() (err error) {
		rc, err = s.objects.Get(ctx, helpers.NewAttachmentKey(id))
		return err
	})
	if err != nil {
		if errors.Is(err, consts.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to fetch attachment %s: %w", id, err)
	}
	return rc, nil
}

func (s *S3Store) Exists(ctx context.Context, id string) (ok bool, err error) {
	err = s.guard(func() (err error) {
		ok, err = s.objects.Exists(ctx, helpers.NewAttachmentKey(id))
		return err
	})
	return ok, err
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	key := helpers.NewAttachmentKey(id)
	return retry.Do(ctx, s.backoff, func() error {
		return permanent(s.guard(func() error { return s.objects.Delete(ctx, key) }))
	})
}
