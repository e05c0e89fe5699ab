// Package storage provides S3-compatible object storage for attachment
// bytes.
//
// Objects can be sealed client-side by a Codec before upload (the same
// ContentCodec implementations the mailbox store uses), in which case Get
// returns the opened plaintext.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/soramail/config"
	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Codec seals objects before upload and opens them after download.
type Codec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// S3Storage stores objects in a single bucket.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
	codec      Codec
}

// New builds a client for cfg. It does not contact the endpoint; use
// CheckBucket for that.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("STORAGE: cannot create S3 client", "endpoint", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize S3 client for %s: %w", cfg.Endpoint, err)
	}
	if cfg.GetDebug() {
		client.TraceOn(os.Stdout)
	}
	return &S3Storage{Client: client, BucketName: cfg.Bucket}, nil
}

// CheckBucket fails unless the bucket exists and is reachable within timeout.
func (s *S3Storage) CheckBucket(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

// SetCodec enables client-side sealing of every object.
func (s *S3Storage) SetCodec(c Codec) {
	s.codec = c
	logger.Info("STORAGE: Client-side encryption enabled", "bucket", s.BucketName)
}

func record(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		metrics.StorageOperationErrors.WithLabelValues(op, classifyS3Error(err)).Inc()
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

// Exists reports whether key is present in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads size bytes from body under key.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (err error) {
	start := time.Now()
	defer func() { record("PUT", start, err) }()

	if s.codec != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}
		sealed, err := s.codec.Encode(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		body, size = bytes.NewReader(sealed), int64(len(sealed))
		contentType = "application/octet-stream"
	}

	_, err = s.Client.PutObject(ctx, s.BucketName, key, body, size, minio.PutObjectOptions{
		ContentType:    contentType,
		SendContentMd5: true,
	})
	return err
}

// Get downloads key. A missing object yields an error wrapping
// consts.ErrNotFound.
func (s *S3Storage) Get(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { record("GET", start, err) }()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := object.Stat(); err != nil {
		object.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: object %s", consts.ErrNotFound, key)
		}
		return nil, err
	}

	if s.codec == nil {
		return object, nil
	}

	sealed, err := io.ReadAll(object)
	if cerr := object.Close(); cerr != nil {
		logger.Warn("STORAGE: Failed to close S3 object", "key", key, "error", cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted data: %w", err)
	}
	plain, err := s.codec.Decode(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// Delete removes key. Deleting a missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { record("DELETE", start, err) }()

	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		logger.Debug("STORAGE: Object does not exist in S3 - skipping deletion", "key", key)
		return nil
	}
	return err
}

// classifyS3Error buckets err into a metrics label. S3 error codes are
// checked first, then transport failures.
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	var resp minio.ErrorResponse
	errors.As(err, &resp)
	switch resp.Code {
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return "access_denied"
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return "not_found"
	case "SlowDown", "RequestLimitExceeded", "TooManyRequests":
		return "throttled"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "network_error"
	}

	msg := err.Error()
	for _, c := range fallbackClasses {
		for _, n := range c.needles {
			if strings.Contains(msg, n) {
				return c.label
			}
		}
	}
	return "unknown"
}

// fallbackClasses matches errors that lost their type on the way up.
var fallbackClasses = []struct {
	label   string
	needles []string
}{
	{"access_denied", []string{"AccessDenied", "Forbidden"}},
	{"not_found", []string{"NoSuchKey"}},
	{"throttled", []string{"SlowDown", "RequestLimitExceeded"}},
	{"network_error", []string{"connection refused", "no such host"}},
	{"encryption_error", []string{"encrypt", "decrypt"}},
}
