package cleaner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMailboxes struct {
	mock.Mock
}

func (m *mockMailboxes) Owners(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	owners, _ := args.Get(0).([]string)
	return owners, args.Error(1)
}

func (m *mockMailboxes) PurgeTrashOlderThan(ctx context.Context, owner string, retention time.Duration) (int, error) {
	args := m.Called(ctx, owner, retention)
	return args.Int(0), args.Error(1)
}

const retention = 30 * 24 * time.Hour

func TestRunOncePurgesEveryOwner(t *testing.T) {
	m := new(mockMailboxes)
	ctx := context.Background()
	m.On("Owners", ctx).Return([]string{"alice", "bob", "carol"}, nil)
	m.On("PurgeTrashOlderThan", ctx, "alice", retention).Return(2, nil)
	m.On("PurgeTrashOlderThan", ctx, "bob", retention).Return(1, errors.New("disk error"))
	m.On("PurgeTrashOlderThan", ctx, "carol", retention).Return(3, nil)

	w := New(m, time.Hour, retention)
	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Owners)
	assert.Equal(t, 6, report.Purged)
	assert.Equal(t, 1, report.Failures)
	m.AssertExpectations(t)
}

func TestRunOnceFailsWhenOwnersUnavailable(t *testing.T) {
	m := new(mockMailboxes)
	m.On("Owners", mock.Anything).Return(nil, errors.New("unreadable root"))

	w := New(m, time.Hour, retention)
	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)
	m.AssertNotCalled(t, "PurgeTrashOlderThan", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOnceStopsOnCanceledContext(t *testing.T) {
	m := new(mockMailboxes)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.On("Owners", ctx).Return([]string{"alice"}, nil)

	w := New(m, time.Hour, retention)
	_, err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	m.AssertNotCalled(t, "PurgeTrashOlderThan", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	m := new(mockMailboxes)
	release := make(chan struct{})
	m.On("Owners", mock.Anything).Run(func(mock.Arguments) { <-release }).Return([]string{}, nil)

	w := New(m, time.Hour, retention)
	done := make(chan error)
	go func() {
		_, err := w.RunOnce(context.Background())
		done <- err
	}()

	assert.Eventually(t, func() bool { return w.running.Load() }, time.Second, time.Millisecond)
	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	assert.NoError(t, <-done)
}

func TestMinimumInterval(t *testing.T) {
	w := New(new(mockMailboxes), time.Second, retention)
	assert.Equal(t, time.Minute, w.interval)
	w.Stop()
	w.Stop()
}
