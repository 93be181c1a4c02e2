package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
	"github.com/AlexKimmel/Cascade/internal/testutil"
)

func incr(cur ratelimit.State, _ bool) ratelimit.State {
	cur.Count++
	return cur
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateCreatesAndMutates(t *testing.T) {
	s := New()
	ctx := context.Background()

	var sawExists []bool
	fn := func(cur ratelimit.State, exists bool) ratelimit.State {
		sawExists = append(sawExists, exists)
		return incr(cur, exists)
	}

	st, err := s.Update(ctx, "k", fn)
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Count)

	st, err = s.Update(ctx, "k", fn)
	require.NoError(t, err)
	assert.Equal(t, 2.0, st.Count)
	assert.Equal(t, []bool{false, true}, sawExists)

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, got)
}

func TestUpdateIsAtomicPerKey(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(context.Background(), "hot", incr)
		}()
	}
	wg.Wait()

	st, ok, err := s.Get(context.Background(), "hot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, st.Count)
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	s := New(WithClock(clock), WithTTL(time.Minute))
	ctx := context.Background()

	_, err := s.Update(ctx, "idle", incr)
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	_, err = s.Update(ctx, "busy", incr)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())

	_, ok, _ := s.Get(ctx, "idle")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "busy")
	assert.True(t, ok)

	// a swept key starts from scratch
	st, err := s.Update(ctx, "idle", incr)
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Count)
}

func TestSweepKeepsLockedBuckets(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	s := New(WithClock(clock), WithTTL(time.Minute))
	ctx := context.Background()

	_, err := s.Update(ctx, "locked", func(cur ratelimit.State, _ bool) ratelimit.State {
		cur.LockedUntil = clock.Now().Add(10 * time.Minute)
		return cur
	})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	assert.Zero(t, s.Sweep())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Zero(t, s.Len())
}

func TestUpdateHonoursContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Update(ctx, "k", incr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
}

func TestJanitor(t *testing.T) {
	s := New(WithTTL(time.Millisecond), WithSweepEvery(time.Second))
	_, err := s.Update(context.Background(), "k", incr)
	require.NoError(t, err)

	require.NoError(t, s.StartJanitor())
	require.NoError(t, s.StartJanitor())

	assert.Eventually(t, func() bool { return s.Len() == 0 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
