package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spendguard/spendguard/pkg/api/httperr"
)

// ThrottlePolicy defines rate limits for one actor.
type ThrottlePolicy struct {
	PerSec float64
	Burst  int
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether the actor may perform an action costing
	// 'cost' tokens.
	Allow(ctx context.Context, actorID string, policy ThrottlePolicy, cost int) (bool, error)
}

// InMemoryLimiterStore keeps per-actor token buckets in process memory.
// For single-instance deployments; multi-instance sites use the Redis
// store so limits hold across replicas.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *InMemoryLimiterStore) Allow(_ context.Context, actorID string, policy ThrottlePolicy, cost int) (bool, error) {
	s.mu.Lock()
	l, ok := s.limiters[actorID]
	if !ok {
		perSec := policy.PerSec
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(perSec), burst)
		s.limiters[actorID] = l
	}
	s.mu.Unlock()

	return l.AllowN(time.Now(), cost), nil
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP
// layer. The actor is the authenticated caller, falling back to the
// remote address for unauthenticated paths. Exceeding the limit returns
// 429 with a Retry-After header.
func RateLimitMiddleware(store LimiterStore, policy ThrottlePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if caller, err := GetCaller(r.Context()); err == nil {
				actorID = caller.String()
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 1
				if policy.PerSec > 0 && policy.PerSec < 1 {
					retryAfter = int(1 / policy.PerSec)
				}
				httperr.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
