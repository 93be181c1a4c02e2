// Package testutil holds fakes shared by the limiter, store and gate tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
)

// MockClock is a ratelimit.Clock whose time only moves when told to.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock starts at start, or at the current time when start is zero.
func NewMockClock(start time.Time) *MockClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// ErrStoreDown is the cause wrapped by FlakyStore while it is down.
var ErrStoreDown = errors.New("store down")

// FlakyStore wraps a store and fails every call while down.
type FlakyStore struct {
	ratelimit.Store
	down  atomic.Bool
	calls atomic.Int64
}

func NewFlakyStore(inner ratelimit.Store) *FlakyStore {
	return &FlakyStore{Store: inner}
}

// SetDown switches failure mode on or off.
func (f *FlakyStore) SetDown(down bool) { f.down.Store(down) }

// Calls counts Get and Update calls, failed ones included.
func (f *FlakyStore) Calls() int64 { return f.calls.Load() }

func (f *FlakyStore) Get(ctx context.Context, key string) (ratelimit.State, bool, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return ratelimit.State{}, false, &ratelimit.StoreError{Op: "get", Key: key, Err: ErrStoreDown}
	}
	return f.Store.Get(ctx, key)
}

func (f *FlakyStore) Update(ctx context.Context, key string, fn ratelimit.Mutation) (ratelimit.State, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return ratelimit.State{}, &ratelimit.StoreError{Op: "update", Key: key, Err: ErrStoreDown}
	}
	return f.Store.Update(ctx, key, fn)
}
