package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/migadu/soramail/config"
	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("put: %w", context.Canceled), "canceled"},
		{minio.ErrorResponse{Code: "SignatureDoesNotMatch"}, "access_denied"},
		{fmt.Errorf("get: %w", minio.ErrorResponse{Code: "NoSuchBucket"}), "not_found"},
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, "network_error"},
		{errors.New("AccessDenied: nope"), "access_denied"},
		{errors.New("NoSuchKey"), "not_found"},
		{errors.New("SlowDown please"), "throttled"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("failed to encrypt data"), "encryption_error"},
		{errors.New("weird"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyS3Error(tt.err))
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: 404}))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(minio.ErrorResponse{StatusCode: 500, Code: "InternalError"}))
}

func TestNewDoesNotDial(t *testing.T) {
	s, err := New(config.S3Config{Endpoint: "localhost:9000", AccessKey: "key", SecretKey: "secret", Bucket: "attachments", DisableTLS: true})
	require.NoError(t, err)
	assert.Equal(t, "attachments", s.BucketName)
	assert.Nil(t, s.codec)
}

func TestRecordCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(metrics.StorageOperationErrors.WithLabelValues("GET", "throttled"))
	record("GET", time.Now(), errors.New("SlowDown"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.StorageOperationErrors.WithLabelValues("GET", "throttled")))
}

func TestGetUnreachableEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed local port")
	}
	s, err := New(config.S3Config{Endpoint: "127.0.0.1:1", AccessKey: "key", SecretKey: "secret", Bucket: "attachments", DisableTLS: true})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Get(ctx, "attachments/missing")
	require.Error(t, err)
	assert.NotErrorIs(t, err, consts.ErrNotFound)
}

func TestCheckBucketUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed local port")
	}
	s, err := New(config.S3Config{Endpoint: "127.0.0.1:1", AccessKey: "key", SecretKey: "secret", Bucket: "attachments", DisableTLS: true})
	require.NoError(t, err)
	err = s.CheckBucket(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attachments")
}
