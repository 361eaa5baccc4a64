package api

import (
	"sync"
	"sync/atomic"
	"time"
)

// ipLimiter is a sliding-window per-IP rate limiter for the
// unauthenticated creation endpoint. Timestamps per IP, pruned on check
// and by a background sweep so one-shot clients don't accumulate forever.
type ipLimiter struct {
	count  int
	window time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func newIPLimiter(count int, window time.Duration) *ipLimiter {
	if count <= 0 {
		count = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &ipLimiter{
		count:    count,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// allow records the attempt and reports whether it is within the window
// quota. Denied attempts are not recorded, so a throttled client does not
// push its own window forward.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.attempts[ip][:0]
	for _, t := range l.attempts[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.count {
		l.attempts[ip] = kept
		return false
	}
	l.attempts[ip] = append(kept, now)
	return true
}

func (l *ipLimiter) startCleanup() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

// stopCleanup is a no-op when the sweep goroutine never ran, so Stop is
// safe on a server that was never started.
func (l *ipLimiter) stopCleanup() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	close(l.stop)
	<-l.done
}

func (l *ipLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for ip, times := range l.attempts {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(l.attempts, ip)
		} else {
			l.attempts[ip] = kept
		}
	}
}

// roundRobin hands out successive indexes into whatever list length the
// caller has at the moment. Domain lists are re-read per request, so the
// counter only has to spread load, not stay aligned with a fixed list.
type roundRobin struct {
	n atomic.Uint64
}

func (r *roundRobin) next(size int) int {
	if size <= 0 {
		return 0
	}
	return int((r.n.Add(1) - 1) % uint64(size))
}
