package admission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/storage"
)

// ByteStore holds attachment bytes keyed by attachment id.
type ByteStore interface {
	Write(ctx context.Context, id, mimeType string, r io.Reader) (int64, error)
	Read(ctx context.Context, id string) (io.ReadCloser, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// LocalStore keeps attachments as files under a base directory using the
// same key layout as the S3 backend.
type LocalStore struct {
	baseDir string
	codec   storage.Codec
}

// NewLocalStore creates baseDir if needed. codec may be nil.
func NewLocalStore(baseDir string, codec storage.Codec) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir, codec: codec}, nil
}

func (l *LocalStore) path(id string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(helpers.NewAttachmentKey(id)))
}

func (l *LocalStore) Write(ctx context.Context, id, mimeType string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read upload: %w", err)
	}
	stored := data
	if l.codec != nil {
		if stored, err = l.codec.Encode(data); err != nil {
			return 0, fmt.Errorf("failed to encrypt attachment: %w", err)
		}
	}

	path := l.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(stored); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to store attachment: %w", err)
	}
	return int64(len(data)), nil
}

func (l *LocalStore) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	if l.codec == nil {
		f, err := os.Open(l.path(id))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: attachment %s", consts.ErrNotFound, id)
		}
		return f, err
	}

	stored, err := os.ReadFile(l.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: attachment %s", consts.ErrNotFound, id)
		}
		return nil, err
	}
	plain, err := l.codec.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt attachment %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

func (l *LocalStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(l.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat attachment %s: %w", id, err)
}

func (l *LocalStore) Delete(ctx context.Context, id string) error {
	if err := os.Remove(l.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete attachment %s: %w", id, err)
	}
	return nil
}
