package mid

import (
	"context"
	"net/http"
)

// Lock is a context-aware mutex. Handlers that mutate shared stores
// run one at a time behind it; waiting requests give up when the
// client disconnects.
type Lock chan struct{}

// NewLock returns an unlocked Lock.
func NewLock() Lock { return make(Lock, 1) }

// Acquire blocks until the lock is held or ctx ends.
func (l Lock) Acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock. Calling Release without holding it blocks;
// pair every Acquire with exactly one Release.
func (l Lock) Release() { <-l }

// Exclusive serializes the wrapped handler behind l. Requests whose
// context ends while queued are answered with 503.
func Exclusive(l Lock) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.Acquire(r.Context()); err != nil {
				http.Error(w, "server busy", http.StatusServiceUnavailable)
				return
			}
			defer l.Release()
			next.ServeHTTP(w, r)
		})
	}
}
