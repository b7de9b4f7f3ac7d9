package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-pricing/internal/lock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithLockSerialisesHolders(t *testing.T) {
	_, client := newRedis(t)
	locker := lock.Locker{Client: client, Prefix: "test:", RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu    sync.Mutex
		order []string
	)
	firstIn := make(chan struct{})
	releaseFirst := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := locker.WithLock(ctx, "tariff:retail", time.Second, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstIn)
			<-releaseFirst
			return nil
		})
		assert.NoError(t, err)
	}()
	<-firstIn

	go func() {
		defer wg.Done()
		err := locker.WithLock(ctx, "tariff:retail", time.Second, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"first"}, order)
	mu.Unlock()

	close(releaseFirst)
	wg.Wait()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockMaxWait(t *testing.T) {
	mr, client := newRedis(t)
	require.NoError(t, mr.Set("test:busy", "someone-else"))

	locker := lock.Locker{Client: client, Prefix: "test:", RetryBackoff: 2 * time.Millisecond, MaxWait: 20 * time.Millisecond}
	called := false
	err := locker.WithLock(context.Background(), "busy", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)
}

func TestWithLockReleasesOnErrorAndKeepsForeignLease(t *testing.T) {
	mr, client := newRedis(t)
	locker := lock.Locker{Client: client, RetryBackoff: 2 * time.Millisecond}
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("k"))

	err = locker.WithLock(context.Background(), "k", time.Second, func(context.Context) error {
		// the lease expired and another owner took over
		mr.Del("k")
		require.NoError(t, mr.Set("k", "other-owner"))
		return nil
	})
	require.NoError(t, err)
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "other-owner", got)
}
