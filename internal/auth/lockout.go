package auth

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const maxTrackedUsers = 1000

type attempts struct {
	count        int
	blockedUntil time.Time
}

// Lockout counts failed logins per user. Reaching the limit blocks the user
// for the block duration. Counts expire after the same duration.
type Lockout struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, attempts]
	limit int
	block time.Duration
	now   func() time.Time
}

// NewLockout creates a lockout. A nil now uses time.Now.
func NewLockout(limit int, block time.Duration, now func() time.Time) *Lockout {
	if now == nil {
		now = time.Now
	}
	return &Lockout{
		cache: ttlcache.New[string, attempts](
			ttlcache.WithTTL[string, attempts](block),
			ttlcache.WithCapacity[string, attempts](maxTrackedUsers),
			ttlcache.WithDisableTouchOnHit[string, attempts](),
		),
		limit: limit,
		block: block,
		now:   now,
	}
}

// Blocked reports whether username is blocked and for how much longer
func (l *Lockout) Blocked(username string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item := l.cache.Get(username)
	if item == nil {
		return false, 0
	}
	remaining := item.Value().blockedUntil.Sub(l.now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// Fail records a failed login and reports the attempt number and whether
// the user is now blocked
func (l *Lockout) Fail(username string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.DeleteExpired()

	var a attempts
	if item := l.cache.Get(username); item != nil {
		a = item.Value()
	}
	if !a.blockedUntil.IsZero() && !l.now().Before(a.blockedUntil) {
		// block served, start over
		a = attempts{}
	}
	a.count++
	if a.count >= l.limit {
		a.blockedUntil = l.now().Add(l.block)
	}
	l.cache.Set(username, a, ttlcache.DefaultTTL)
	return a.count, !a.blockedUntil.IsZero()
}

// Reset forgets the failures of username
func (l *Lockout) Reset(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Delete(username)
}
