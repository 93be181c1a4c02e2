package memory

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
)

const (
	defaultTTL        = 30 * time.Minute
	defaultSweepEvery = time.Minute
)

type bucket struct {
	mu       sync.Mutex
	state    ratelimit.State
	exists   bool
	lastSeen time.Time
	dead     bool // swept; writers must pick a fresh entry
}

// Store keeps bucket state in process memory. It is only atomic within one
// process.
type Store struct {
	now        func() time.Time
	ttl        time.Duration
	sweepEvery time.Duration
	logger     zerolog.Logger

	bucket sync.Map

	cronMu sync.Mutex
	cron   *cron.Cron
}

type Option func(*Store)

// WithClock sets the time source used for idle expiry.
func WithClock(c ratelimit.Clock) Option {
	return func(s *Store) { s.now = c.Now }
}

// WithTTL sets how long an untouched bucket is kept.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithSweepEvery sets the janitor interval.
func WithSweepEvery(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepEvery = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		ttl:        defaultTTL,
		sweepEvery: defaultSweepEvery,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) (ratelimit.State, bool, error) {
	v, ok := s.bucket.Load(key)
	if !ok {
		return ratelimit.State{}, false, nil
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead || !b.exists {
		return ratelimit.State{}, false, nil
	}
	return b.state, true, nil
}

func (s *Store) Update(ctx context.Context, key string, fn ratelimit.Mutation) (ratelimit.State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ratelimit.State{}, &ratelimit.StoreError{Op: "update", Key: key, Err: err}
		}

		v, _ := s.bucket.LoadOrStore(key, &bucket{})
		b := v.(*bucket)

		b.mu.Lock()
		if b.dead {
			// lost a race with the janitor
			b.mu.Unlock()
			continue
		}
		b.state = fn(b.state, b.exists)
		b.exists = true
		b.lastSeen = s.now()
		st := b.state
		b.mu.Unlock()
		return st, nil
	}
}

// Sweep drops buckets that were idle for longer than the TTL. Locked buckets
// are kept until their lockout has passed.
func (s *Store) Sweep() int {
	now := s.now()
	cutoff := now.Add(-s.ttl)
	removed := 0

	s.bucket.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if b.lastSeen.Before(cutoff) && !b.state.Locked(now) {
			b.dead = true
			s.bucket.CompareAndDelete(k, v)
			removed++
		}
		b.mu.Unlock()
		return true
	})

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("swept idle buckets")
	}
	return removed
}

// Len returns the number of live buckets.
func (s *Store) Len() int {
	n := 0
	s.bucket.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// StartJanitor schedules Sweep every sweepEvery until Close.
func (s *Store) StartJanitor() error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+s.sweepEvery.String(), func() { s.Sweep() }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Store) Close() error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	return nil
}
