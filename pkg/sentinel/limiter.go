package sentinel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiters hands out one token bucket per producer source. A nil set
// admits everything.
type sourceLimiters struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	lim       *rate.Limiter
	throttled bool // a denial has been reported since the last admitted event
}

func newSourceLimiters(perSecond float64, burst int) *sourceLimiters {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &sourceLimiters{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// allow consumes a token for source at now. When the event is denied, first
// reports whether this is the first denial of the current throttled burst.
func (s *sourceLimiters) allow(source string, now time.Time) (ok, first bool) {
	if s == nil {
		return true, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[source]
	if !exists {
		b = &bucket{lim: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[source] = b
	}
	if b.lim.AllowN(now, 1) {
		b.throttled = false
		return true, false
	}
	first = !b.throttled
	b.throttled = true
	return false, first
}

// prune drops buckets that have refilled completely, so idle sources do not
// accumulate. It returns the number of buckets left.
func (s *sourceLimiters) prune(now time.Time) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for source, b := range s.buckets {
		if b.lim.TokensAt(now) >= float64(s.burst) {
			delete(s.buckets, source)
		}
	}
	return len(s.buckets)
}
