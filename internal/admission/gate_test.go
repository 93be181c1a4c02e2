package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
	"github.com/AlexKimmel/Cascade/internal/ratelimit/memory"
	"github.com/AlexKimmel/Cascade/internal/resolver"
	"github.com/AlexKimmel/Cascade/internal/testutil"
)

type countingRecorder struct {
	mu       sync.Mutex
	admitted int
	denied   map[string]int
	errors   int
	observed int
}

func (r *countingRecorder) Admitted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admitted++
}

func (r *countingRecorder) Denied(_, dim string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied == nil {
		r.denied = map[string]int{}
	}
	r.denied[dim]++
}

func (r *countingRecorder) StoreError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func (r *countingRecorder) ObserveEvaluation(string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed++
}

type fixture struct {
	gate  *Gate
	lim   *ratelimit.Limiter
	clock *testutil.MockClock
	store *testutil.FlakyStore
	rec   *countingRecorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := testutil.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewFlakyStore(memory.New(memory.WithClock(clock)))
	lim := ratelimit.New(store, ratelimit.WithClock(clock))
	rec := &countingRecorder{}

	cfg.Limiter = lim
	cfg.Recorder = rec
	cfg.Logger = zerolog.Nop()
	g, err := New(cfg)
	require.NoError(t, err)
	return &fixture{gate: g, lim: lim, clock: clock, store: store, rec: rec}
}

func (f *fixture) count(t *testing.T, key string, p ratelimit.Policy) (ratelimit.State, bool) {
	t.Helper()
	st, ok, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	if ok {
		st = ratelimit.Settle(st, p, f.clock.Now())
	}
	return st, ok
}

func (f *fixture) fill(t *testing.T, key string, p ratelimit.Policy, n int) {
	t.Helper()
	b, err := f.lim.Configure(key, p)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := b.Hit(context.Background())
		require.NoError(t, err)
	}
}

func abc(p ratelimit.Policy) []resolver.ResolvedKey {
	return []resolver.ResolvedKey{
		{Dimension: "a", Key: "a:1", Policy: p},
		{Dimension: "b", Key: "b:1", Policy: p},
		{Dimension: "c", Key: "c:1", Policy: p},
	}
}

func TestNewRequiresLimiter(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ratelimit.ErrConfiguration)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeAcquire, ModeCheckThenHit, ModeAllOrNothing} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("yolo")
	assert.ErrorIs(t, err, ratelimit.ErrConfiguration)

	f, err := ParseFailurePolicy("OPEN")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, f)
	_, err = ParseFailurePolicy("sometimes")
	assert.Error(t, err)
}

func TestGateMode(t *testing.T) {
	assert.Equal(t, ModeAcquire, newFixture(t, Config{}).gate.Mode())
	assert.Equal(t, ModeAllOrNothing, newFixture(t, Config{Mode: ModeAllOrNothing}).gate.Mode())
}

func TestAllowReportsEveryDimension(t *testing.T) {
	f := newFixture(t, Config{})
	p := ratelimit.Policy{Max: 5, RatePerSecond: 1}

	v, err := f.gate.Run(context.Background(), "test", abc(p))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, "c", v.Dimension)
	assert.Equal(t, 5, v.Limit)
	assert.Equal(t, 4, v.Remaining)
	require.Len(t, v.Dimensions, 3)
	for _, d := range v.Dimensions {
		assert.Equal(t, 4, d.Remaining)
	}
	assert.NoError(t, v.Err())
	assert.Equal(t, 1, f.rec.admitted)
	assert.Equal(t, 1, f.rec.observed)
}

func TestCascadeStopsAtFirstDenial(t *testing.T) {
	for _, mode := range []Mode{ModeAcquire, ModeCheckThenHit} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, Config{Mode: mode})
			p := ratelimit.Policy{Max: 5, LockoutMinutes: 1}
			f.fill(t, "b:1", p, 5)

			v, err := f.gate.Run(context.Background(), "test", abc(p))
			require.NoError(t, err)
			assert.False(t, v.Allowed)
			assert.Equal(t, "b", v.Dimension)
			assert.Equal(t, "b:1", v.Key)
			assert.Zero(t, v.Remaining)
			assert.Equal(t, time.Minute, v.Backoff)
			assert.Len(t, v.Dimensions, 2)

			a, _ := f.count(t, "a:1", p)
			assert.Equal(t, 1.0, a.Count, "earlier dimension keeps its hit")

			b, _ := f.count(t, "b:1", p)
			assert.True(t, b.Locked(f.clock.Now()))

			_, touched := f.count(t, "c:1", p)
			assert.False(t, touched, "later dimension is never evaluated")

			assert.Equal(t, 1, f.rec.denied["b"])
		})
	}
}

func TestAllOrNothingChargesNothingOnDenial(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeAllOrNothing})
	p := ratelimit.Policy{Max: 5, LockoutMinutes: 1}
	f.fill(t, "b:1", p, 5)

	v, err := f.gate.Run(context.Background(), "test", abc(p))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "b", v.Dimension)

	a, _ := f.count(t, "a:1", p)
	assert.Zero(t, a.Count)

	b, _ := f.count(t, "b:1", p)
	assert.True(t, b.Locked(f.clock.Now()))

	_, touched := f.count(t, "c:1", p)
	assert.False(t, touched)
}

func TestAllOrNothingChargesEveryDimension(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeAllOrNothing})
	p := ratelimit.Policy{Max: 2}

	for i := 0; i < 2; i++ {
		v, err := f.gate.Run(context.Background(), "test", abc(p))
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}
	for _, k := range []string{"a:1", "b:1", "c:1"} {
		st, _ := f.count(t, k, p)
		assert.Equal(t, 2.0, st.Count, k)
	}

	v, err := f.gate.Run(context.Background(), "test", abc(p))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "a", v.Dimension)
}

func TestDenialWithoutLockoutReportsLeakBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	p := ratelimit.Policy{Max: 2, RatePerSecond: 1}
	keys := []resolver.ResolvedKey{{Dimension: "ip", Key: "ip:1", Policy: p}}

	for i := 0; i < 2; i++ {
		v, err := f.gate.Run(context.Background(), "test", keys)
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}
	v, err := f.gate.Run(context.Background(), "test", keys)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, time.Second, v.Backoff)

	st, _ := f.count(t, "ip:1", p)
	assert.False(t, st.Locked(f.clock.Now()))
}

func TestEndToEndAddressLimit(t *testing.T) {
	f := newFixture(t, Config{})
	p := ratelimit.Policy{Max: 60, RatePerSecond: 1, LockoutMinutes: 10}
	keys := []resolver.ResolvedKey{{Dimension: "ip", Key: "ip:1.2.3.4", Policy: p}}

	for i := 0; i < 60; i++ {
		v, err := f.gate.Run(context.Background(), "address", keys)
		require.NoError(t, err)
		require.True(t, v.Allowed, "request %d", i+1)
		assert.Equal(t, 59-i, v.Remaining)
	}

	v, err := f.gate.Run(context.Background(), "address", keys)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, 429, v.StatusCode())
	assert.Zero(t, v.Remaining)
	assert.Equal(t, 10*time.Minute, v.Backoff)
	assert.Equal(t, 600, v.RetryAfterSeconds())
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), v.ResetAt(f.clock.Now()))
	assert.ErrorIs(t, v.Err(), ratelimit.ErrRateLimited)
	assert.Contains(t, v.Err().Error(), "ip over limit 60")
}

func TestConfigurationErrorBeforeStoreAccess(t *testing.T) {
	f := newFixture(t, Config{})
	good := ratelimit.Policy{Max: 1}
	keys := []resolver.ResolvedKey{
		{Dimension: "ip", Key: "ip:1", Policy: good},
		{Dimension: "email", Key: "email:1", Policy: ratelimit.Policy{Max: 0}},
	}

	_, err := f.gate.Run(context.Background(), "test", keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrConfiguration)
	assert.Contains(t, err.Error(), "dimension email")
	assert.Zero(t, f.store.Calls())

	_, err = f.gate.Run(context.Background(), "test", nil)
	assert.ErrorIs(t, err, ratelimit.ErrConfiguration)
}

func TestFailurePolicy(t *testing.T) {
	keys := []resolver.ResolvedKey{{Dimension: "ip", Key: "ip:1", Policy: ratelimit.Policy{Max: 10}}}

	t.Run("closed", func(t *testing.T) {
		f := newFixture(t, Config{RetryAfter: 2 * time.Second})
		f.store.SetDown(true)

		v, err := f.gate.Run(context.Background(), "test", keys)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ratelimit.ErrStoreUnavailable))
		assert.True(t, v.Degraded)
		assert.False(t, v.Allowed)
		assert.Equal(t, 2*time.Second, v.Backoff)
		assert.Equal(t, 1, f.rec.errors)
	})

	t.Run("open", func(t *testing.T) {
		f := newFixture(t, Config{Failure: FailOpen})
		f.store.SetDown(true)

		for i := 0; i < 5; i++ {
			v, err := f.gate.Run(context.Background(), "test", keys)
			assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
			assert.True(t, v.Allowed)
			assert.True(t, v.Degraded)
		}
	})

	t.Run("open with fallback", func(t *testing.T) {
		f := newFixture(t, Config{Failure: FailOpen, Fallback: rate.NewLimiter(rate.Every(time.Hour), 2)})
		f.store.SetDown(true)

		var allowed int
		for i := 0; i < 5; i++ {
			v, _ := f.gate.Run(context.Background(), "test", keys)
			if v.Allowed {
				allowed++
			} else {
				assert.Equal(t, time.Second, v.Backoff)
			}
		}
		assert.Equal(t, 2, allowed)
	})

	t.Run("recovers", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.store.SetDown(true)
		_, err := f.gate.Run(context.Background(), "test", keys)
		require.Error(t, err)

		f.store.SetDown(false)
		v, err := f.gate.Run(context.Background(), "test", keys)
		require.NoError(t, err)
		assert.True(t, v.Allowed)
		assert.False(t, v.Degraded)
	})
}

func TestConcurrentAdmissionsAreExact(t *testing.T) {
	for _, mode := range []Mode{ModeAcquire, ModeAllOrNothing} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, Config{Mode: mode})
			keys := []resolver.ResolvedKey{{Dimension: "ip", Key: "ip:hot", Policy: ratelimit.Policy{Max: 30}}}

			var (
				wg       sync.WaitGroup
				admitted atomic.Int64
			)
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := f.gate.Run(context.Background(), "test", keys)
					if err == nil && v.Allowed {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()

			if mode == ModeAcquire {
				assert.Equal(t, int64(30), admitted.Load())
			} else {
				assert.GreaterOrEqual(t, admitted.Load(), int64(30))
			}
		})
	}
}
