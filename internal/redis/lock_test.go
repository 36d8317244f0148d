package redisclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, 2*time.Second), mr
}

func TestRedisLockerRunsCriticalSection(t *testing.T) {
	locker, mr := newTestLocker(t)

	ran := false
	err := locker.WithLock(context.Background(), "queue:prov-1", func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:queue:prov-1"), "lock key held during fn")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:queue:prov-1"), "lock released after fn returns")
}

func TestRedisLockerRejectsHeldLock(t *testing.T) {
	locker, _ := newTestLocker(t)

	release := make(chan struct{})
	held := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = locker.WithLock(context.Background(), "queue:prov-1", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	err := locker.WithLock(context.Background(), "queue:prov-1", func(ctx context.Context) error {
		t.Error("second holder must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// A different key does not contend.
	err = locker.WithLock(context.Background(), "queue:prov-2", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)

	close(release)
	wg.Wait()
}

func TestRedisLockerDoesNotReleaseForeignToken(t *testing.T) {
	locker, mr := newTestLocker(t)

	// Simulate the TTL firing mid-section and another holder taking over:
	// the first holder's deferred release must not delete the new token.
	err := locker.WithLock(context.Background(), "queue:prov-1", func(ctx context.Context) error {
		mr.Set("lock:queue:prov-1", "someone-else")
		return nil
	})
	require.NoError(t, err)

	got, err := mr.Get("lock:queue:prov-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()

	const workers = 20
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "queue:prov-1", func(ctx context.Context) error {
				// Unsynchronized on purpose; the lock is the only guard.
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
}

func TestLocalLockerHonoursCancelledContext(t *testing.T) {
	locker := NewLocalLocker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := locker.WithLock(ctx, "queue:prov-1", func(ctx context.Context) error {
		t.Error("fn must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
