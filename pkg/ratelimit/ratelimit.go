// Package ratelimit implements the request pipeline's per-client rate
// limit stage: a map of per-client token buckets guarded by a mutex,
// with golang.org/x/time/rate as the per-key bucket implementation.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-client token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*entry
	rps      rate.Limit
	burst    int
	proxyCnt int
	idleTTL  time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New constructs a Limiter allowing requestsPerWindow over window per
// client key. proxyCount is stored on the Limiter but Allow does not
// consult it; callers derive the key with ClientKey.
func New(requestsPerWindow int, window time.Duration, proxyCount int) *Limiter {
	rps := rate.Limit(float64(requestsPerWindow) / window.Seconds())
	return &Limiter{
		buckets:  make(map[string]*entry),
		rps:      rps,
		burst:    requestsPerWindow,
		proxyCnt: proxyCount,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether the given client key may proceed, refilling its
// bucket lazily on access.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeen = time.Now()
	l.evictStaleLocked()
	return e.limiter.Allow()
}

func (l *Limiter) evictStaleLocked() {
	if len(l.buckets) < 1024 {
		return
	}
	cutoff := time.Now().Add(-l.idleTTL)
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// ClientKey derives the rate-limit key from a request. When proxyCount
// is zero the peer address is authoritative; forwarding headers are
// client-controlled and ignored. With a trusted hop count configured,
// the key is the proxyCount-th X-Forwarded-For entry from the right.
func ClientKey(r *http.Request, proxyCount int) string {
	if proxyCount > 0 {
		forwarded := r.Header.Get("X-Forwarded-For")
		if forwarded != "" {
			parts := strings.Split(forwarded, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			idx := len(parts) - proxyCount
			if idx < 0 {
				idx = 0
			}
			return parts[idx]
		}
	}

	addr := r.RemoteAddr
	if colonIdx := strings.LastIndex(addr, ":"); colonIdx != -1 {
		return addr[:colonIdx]
	}
	return addr
}
