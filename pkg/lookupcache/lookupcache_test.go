package lookupcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource wraps a static directory and counts lookups.
type countingSource struct {
	dir   *directory.StaticDirectory
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *countingSource) Lookup(ctx context.Context, name string) (directory.User, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return directory.User{}, s.err
	}
	return s.dir.Lookup(ctx, name)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, src Source, opts Options) (*LookupCache, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(src, opts)
	c.Now = clock.Now
	t.Cleanup(c.Stop)
	return c, clock
}

func TestPositiveEntriesAreCached(t *testing.T) {
	src := &countingSource{dir: directory.NewStatic("example.com", "alice")}
	c, clock := newTestCache(t, src, Options{PositiveTTL: time.Minute})
	ctx := context.Background()

	u, err := c.Lookup(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	// The address resolves from the same entry.
	u, err = c.Lookup(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.EqualValues(t, 1, src.calls.Load())

	clock.advance(time.Minute)
	_, err = c.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestNegativeEntriesExpireSooner(t *testing.T) {
	src := &countingSource{dir: directory.NewStatic("example.com")}
	c, clock := newTestCache(t, src, Options{PositiveTTL: time.Hour, NegativeTTL: 10 * time.Second})
	ctx := context.Background()

	_, err := c.Lookup(ctx, "mallory")
	assert.ErrorIs(t, err, consts.ErrNotFound)
	ok, err := c.Exists(ctx, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 1, src.calls.Load())

	require.NoError(t, src.dir.Add(ctx, "mallory", ""))
	clock.advance(10 * time.Second)
	ok, err = c.Exists(ctx, "mallory")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBackendErrorsAreNotCached(t *testing.T) {
	src := &countingSource{dir: directory.NewStatic("example.com", "alice"), err: errors.New("db locked")}
	c, _ := newTestCache(t, src, Options{})
	ctx := context.Background()

	_, err := c.Lookup(ctx, "alice")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, consts.ErrNotFound)

	src.err = nil
	_, err = c.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestInvalidate(t *testing.T) {
	src := &countingSource{dir: directory.NewStatic("example.com")}
	c, _ := newTestCache(t, src, Options{})
	ctx := context.Background()

	_, _ = c.Lookup(ctx, "bob")
	require.NoError(t, src.dir.Add(ctx, "bob", ""))
	c.Invalidate("BOB")

	u, err := c.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", u.Address)
}

func TestConcurrentMissesShareOneLookup(t *testing.T) {
	src := &countingSource{dir: directory.NewStatic("example.com", "carol"), delay: 50 * time.Millisecond}
	c, _ := newTestCache(t, src, Options{})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			u, err := c.Lookup(context.Background(), "carol")
			assert.NoError(t, err)
			assert.Equal(t, "carol", u.Username)
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, src.calls.Load(), int32(2))
}

func TestMaxSizeEvictsOldest(t *testing.T) {
	src := &countingSource{dir: directory.NewStatic("example.com")}
	c, clock := newTestCache(t, src, Options{MaxSize: 2, NegativeTTL: time.Hour})
	ctx := context.Background()

	_, _ = c.Lookup(ctx, "a")
	clock.advance(time.Second)
	_, _ = c.Lookup(ctx, "b")
	clock.advance(time.Second)
	_, _ = c.Lookup(ctx, "c")
	assert.Equal(t, 2, c.Len())

	_, _ = c.Lookup(ctx, "a")
	assert.EqualValues(t, 4, src.calls.Load())
}

func TestCleanupRemovesExpired(t *testing.T) {
	src := &countingSource{dir: directory.NewStatic("example.com", "dave")}
	c, clock := newTestCache(t, src, Options{PositiveTTL: time.Minute})

	_, err := c.Lookup(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	clock.advance(2 * time.Minute)
	assert.Equal(t, 2, c.cleanup())
	assert.Zero(t, c.Len())
}
