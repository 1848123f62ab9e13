package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// failureLimiter tracks codec failures per client IP and applies exponential
// backoff once a client keeps sending values the relay cannot open.
type failureLimiter struct {
	mu          sync.Mutex
	now         func() time.Time
	maxFailures int
	attempts    map[string]*attemptRecord
	recorded    int
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 30 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
	// sweepEvery is how many recorded failures trigger a sweep.
	sweepEvery = 256
)

func newFailureLimiter(maxFailures int, now func() time.Time) *failureLimiter {
	return &failureLimiter{
		now:         now,
		maxFailures: maxFailures,
		attempts:    make(map[string]*attemptRecord),
	}
}

// check reports whether ip is locked out and for how long.
func (rl *failureLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[ip]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, ip)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *failureLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rec, ok := rl.attempts[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[ip] = rec
	}
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.maxFailures {
		// baseLockout * 2^(failures - maxFailures)
		shift := rec.failures - rl.maxFailures
		lockout := baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}

	rl.recorded++
	if rl.recorded%sweepEvery == 0 {
		rl.sweepLocked(now)
	}
}

// recordSuccess forgets ip once it sends something the relay can open.
func (rl *failureLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

func (rl *failureLimiter) sweepLocked(now time.Time) {
	for ip, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, ip)
		}
	}
}

// Throttle rejects requests from clients that are locked out for repeated
// codec failures. It is a no-op unless the limiter is enabled.
func (a *API) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if blocked, retryAfter := a.limiter.check(a.clientIP(r)); blocked {
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) recordDecodeSuccess(r *http.Request) {
	if a.limiter != nil {
		a.limiter.recordSuccess(a.clientIP(r))
	}
}

func (a *API) recordDecodeFailure(r *http.Request) {
	if a.limiter != nil {
		a.limiter.recordFailure(a.clientIP(r))
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many unreadable requests; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
