// Package ratelimit implements the per API key sliding window. There is no
// counter state: each check counts the records the key stored during the
// trailing window.
//
// The count and the following insert are not one transaction, so
// concurrent requests can briefly push a key past its limit.
package ratelimit

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
)

const (
	DefaultLimit  = 1000
	DefaultWindow = time.Minute
)

// Counter is the store query the limiter needs.
type Counter interface {
	CountEventsSince(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, since time.Time) (int64, error)
}

// Status is reported to callers whether or not the request is allowed.
type Status struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	counter Counter
	clock   quartz.Clock
	limit   int
	window  time.Duration
}

// New returns a limiter. Non-positive limit or window fall back to the
// defaults; a nil clock uses the real clock.
func New(counter Counter, clock quartz.Clock, limit int, window time.Duration) *Limiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{counter: counter, clock: clock, limit: limit, window: window}
}

// Check counts the key's events in the trailing window. A request is
// rejected once the count has reached the limit; a batch that starts under
// the limit is accepted whole. Remaining accounts for the incoming events.
func (l *Limiter) Check(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, incoming int) (Status, error) {
	now := l.clock.Now()
	count, err := l.counter.CountEventsSince(ctx, plane, apiKey, now.Add(-l.window))
	if err != nil {
		return Status{}, xerrors.Errorf("count window: %w", err)
	}
	st := Status{
		Limit:   l.limit,
		ResetAt: now.Add(l.window),
	}
	if count >= int64(l.limit) {
		return st, nil
	}
	st.Allowed = true
	st.Remaining = max(0, l.limit-int(count)-incoming)
	return st, nil
}
