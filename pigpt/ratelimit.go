package pigpt

import (
	"golang.org/x/time/rate"
	"sync"
	"time"
)

// rateLimitEntry tracks a single user's admission state
type rateLimitEntry struct {
	limiter      *rate.Limiter
	lastAdmitted time.Time
}

// RateLimiter enforces a minimum interval between admitted requests for
// each user. It's a spacing rule, not a budget: with
// maxRequestsPerSecond=1, a user is admitted at most once per second.
//
// All users share a single map and mutex, so Admit is atomic across
// concurrent calls for the same or different users. Nothing is queued
// here; callers decide what to do with a request that isn't admitted.
type RateLimiter struct {
	limit   rate.Limit
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	now     func() time.Time
}

func NewRateLimiter(maxRequestsPerSecond float64) *RateLimiter {
	if maxRequestsPerSecond <= 0 {
		maxRequestsPerSecond = DefaultRateLimitMaxRequestsPerSecond
	}
	return &RateLimiter{
		limit:   rate.Limit(maxRequestsPerSecond),
		entries: map[string]*rateLimitEntry{},
		now:     time.Now,
	}
}

// Admit returns true, recording the current time for the user, if the
// user has no prior request or at least Interval has passed since their
// last admitted request. Otherwise, it returns false and leaves the
// user's state unchanged.
func (r *RateLimiter) Admit(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.entries[user]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(r.limit, 1)}
		r.entries[user] = entry
	}
	if !entry.limiter.AllowN(now, 1) {
		return false
	}
	entry.lastAdmitted = now
	return true
}

// Interval is the minimum time between admitted requests for a user
func (r *RateLimiter) Interval() time.Duration {
	return time.Duration(float64(time.Second) / float64(r.limit))
}

// Len returns the number of users currently tracked
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes entries for users who haven't been admitted in at least
// idle, returning the number removed. An entry idle for longer than
// Interval carries no state (the user would be admitted anyway), so
// removing it doesn't change admission.
func (r *RateLimiter) Sweep(idle time.Duration) int {
	if idle < r.Interval() {
		idle = r.Interval()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	removed := 0
	for user, entry := range r.entries {
		if !entry.lastAdmitted.After(cutoff) {
			delete(r.entries, user)
			removed++
		}
	}
	return removed
}
