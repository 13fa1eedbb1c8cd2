// Package admission gates export creation with a per-client tumbling window.
//
// A window opens on a client's first request and lasts for the configured
// length; up to max requests are admitted inside it. Because windows are
// anchored rather than sliding, a client can land up to 2×max requests
// around a window boundary.
package admission

import (
	"context"
	"time"

	"renderexport/logger"
)

// Window is the counter state for one client key.
type Window struct {
	Key     string
	Count   int64
	ResetAt time.Time
}

// Store records a hit for key and returns the window after the increment.
// Implementations must make the reset-check-increment step atomic.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (Window, error)
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is a hint only; it is not a guarantee of admission.
	RetryAfter time.Duration
}

type Limiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time
	log    *logger.Logger
}

func NewLimiter(store Store, max int, window time.Duration, log *logger.Logger) *Limiter {
	return &Limiter{
		store:  store,
		max:    max,
		window: window,
		now:    time.Now,
		log:    log.WithComponent("admission"),
	}
}

// Admit counts one request for clientKey. Store failures admit the request.
func (l *Limiter) Admit(ctx context.Context, clientKey string) Decision {
	w, err := l.store.Hit(ctx, clientKey, l.window)
	if err != nil {
		l.log.FromContext(ctx).Warn("rate limit store unavailable, admitting request",
			"client", clientKey, "error", err.Error())
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max}
	}

	remaining := l.max - int(w.Count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   w.Count <= int64(l.max),
		Limit:     l.max,
		Remaining: remaining,
	}
	if !d.Allowed {
		d.RetryAfter = w.ResetAt.Sub(l.now())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

// Start runs the store's janitor, if it has one, until ctx is done.
func (l *Limiter) Start(ctx context.Context) {
	s, ok := l.store.(interface{ Sweep() int })
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					l.log.Debug("swept expired rate limit windows", "count", n)
				}
			}
		}
	}()
}
