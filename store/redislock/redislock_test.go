package redislock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a live Redis. Set SLICE_TEST_REDIS_ADDR to run them.
func newTestLocker(t *testing.T, ttl time.Duration) *Locker {
	t.Helper()
	addr := os.Getenv("SLICE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SLICE_TEST_REDIS_ADDR not set")
	}
	client, err := NewClient(context.Background(), addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return New(client, Options{
		Prefix: "slice:test:" + uuid.NewString() + ":",
		TTL:    ttl,
	})
}

func TestLocker_MutualExclusion(t *testing.T) {
	l := newTestLocker(t, 5*time.Second)
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "user-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
}

func TestLocker_ContextCancelledWhileWaiting(t *testing.T) {
	l := newTestLocker(t, 5*time.Second)

	unlock, err := l.Lock(context.Background(), "user-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "user-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	l := newTestLocker(t, 100*time.Millisecond)
	ctx := context.Background()

	// GIVEN: holder A's lease expires and B acquires the key
	unlockA, err := l.Lock(ctx, "user-1")
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	unlockB, err := l.Lock(ctx, "user-1")
	require.NoError(t, err)
	defer unlockB()

	// WHEN: A releases late
	unlockA()

	// THEN: B still holds the key
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "user-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
