package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserLimiter throttles requests per caller. Callers are keyed by user id,
// falling back to the remote address for anonymous requests.
type UserLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	callers map[string]*callerLimiter
	stop    chan struct{}
	once    sync.Once
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserLimiter allows perMinute requests per caller with an equal burst.
// Limiters unused for ten minutes are dropped.
func NewUserLimiter(perMinute int) *UserLimiter {
	l := &UserLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idle:    10 * time.Minute,
		callers: make(map[string]*callerLimiter),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Close stops the cleanup goroutine.
func (l *UserLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *UserLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for key, c := range l.callers {
				if now.Sub(c.lastSeen) > l.idle {
					delete(l.callers, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Allow consumes one token for key.
func (l *UserLimiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.callers[key]
	if !ok {
		c = &callerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()
	return c.limiter.Allow()
}

// Middleware rejects callers over their budget with 429.
func (l *UserLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := string(actorFrom(r.Context()).UserID)
		if key == "" {
			key = r.RemoteAddr
		}
		if !l.Allow(key) {
			retry := time.Duration(float64(time.Second) / float64(l.limit))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
