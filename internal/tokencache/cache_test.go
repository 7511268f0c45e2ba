package tokencache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrValidateCachesResult(t *testing.T) {
	c := New(10, time.Minute)
	var calls int32

	validator := func(ctx context.Context, token string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"read"}, nil
	}

	perms, err := c.GetOrValidate(context.Background(), "tok", validator)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms)

	perms, err = c.GetOrValidate(context.Background(), "tok", validator)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrValidateSingleFlight(t *testing.T) {
	c := New(10, time.Minute)
	var calls int32
	release := make(chan struct{})

	validator := func(ctx context.Context, token string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []string{"read"}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([][]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrValidate(context.Background(), "shared-token", validator)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"read"}, results[i])
	}
}

func TestGetOrValidateFailureDoesNotPoisonKey(t *testing.T) {
	c := New(10, time.Minute)
	boom := errors.New("auth unreachable")
	calls := 0

	failThenSucceed := func(ctx context.Context, token string) ([]string, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return []string{"read"}, nil
	}

	_, err := c.GetOrValidate(context.Background(), "tok", failThenSucceed)
	assert.ErrorIs(t, err, boom)

	perms, err := c.GetOrValidate(context.Background(), "tok", failThenSucceed)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms)
	assert.Equal(t, 2, calls)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(10, time.Millisecond)
	calls := 0

	validator := func(ctx context.Context, token string) ([]string, error) {
		calls++
		return []string{"read"}, nil
	}

	_, err := c.GetOrValidate(context.Background(), "tok", validator)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = c.GetOrValidate(context.Background(), "tok", validator)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCacheIsBoundedByCapacity(t *testing.T) {
	c := New(3, time.Minute)
	validator := func(ctx context.Context, token string) ([]string, error) {
		return []string{"read"}, nil
	}

	for i := 0; i < 10; i++ {
		_, err := c.GetOrValidate(context.Background(), string(rune('a'+i)), validator)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, c.Len(), 3)
}
