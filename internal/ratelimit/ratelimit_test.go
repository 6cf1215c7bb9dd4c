package ratelimit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/ratelimit"
	"example.com/beacon/internal/storage/memstore"
)

type fixedCounter struct {
	count int64
	err   error
	since time.Time
}

func (c *fixedCounter) CountEventsSince(_ context.Context, _ domain.DataPlane, _ uuid.UUID, since time.Time) (int64, error) {
	c.since = since
	return c.count, c.err
}

func TestCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		count     int64
		incoming  int
		allowed   bool
		remaining int
	}{
		{name: "Empty", count: 0, incoming: 1, allowed: true, remaining: 999},
		{name: "Batch", count: 10, incoming: 5, allowed: true, remaining: 985},
		{name: "BatchCrossesLimit", count: 998, incoming: 5, allowed: true, remaining: 0},
		{name: "AtLimit", count: 1000, incoming: 1, allowed: false, remaining: 0},
		{name: "OverLimit", count: 1200, incoming: 1, allowed: false, remaining: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := quartz.NewMock(t)
			counter := &fixedCounter{count: tt.count}
			l := ratelimit.New(counter, clock, 0, 0)

			st, err := l.Check(context.Background(), domain.DataPlaneProduction, uuid.New(), tt.incoming)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, st.Allowed)
			assert.Equal(t, tt.remaining, st.Remaining)
			assert.Equal(t, ratelimit.DefaultLimit, st.Limit)
			assert.Equal(t, clock.Now().Add(time.Minute), st.ResetAt)
			assert.Equal(t, clock.Now().Add(-time.Minute), counter.since)
		})
	}
}

func TestCheckCounterError(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(&fixedCounter{err: assert.AnError}, quartz.NewMock(t), 10, time.Second)
	_, err := l.Check(context.Background(), domain.DataPlaneTest, uuid.New(), 1)
	require.ErrorIs(t, err, assert.AnError)
}

// The window slides: events older than the window stop counting.
func TestCheckSlidingWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := quartz.NewMock(t)
	store := memstore.New()
	key := uuid.New()
	plane := domain.DataPlaneProduction

	records := make([]domain.Record, 0, 1000)
	for i := range 1000 {
		records = append(records, domain.Record{
			ID:         uuid.New(),
			DedupeKey:  fmt.Sprintf("k%d", i),
			APIKey:     key,
			IdentifyID: "install",
			Type:       domain.KindAction,
			Date:       clock.Now(),
			CreatedAt:  clock.Now(),
		})
	}
	_, err := store.InsertEvents(ctx, plane, records)
	require.NoError(t, err)

	l := ratelimit.New(store, clock, 1000, time.Minute)
	st, err := l.Check(ctx, plane, key, 1)
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.Zero(t, st.Remaining)

	// Another key is unaffected.
	st, err = l.Check(ctx, plane, uuid.New(), 1)
	require.NoError(t, err)
	assert.True(t, st.Allowed)

	clock.Advance(time.Minute)
	st, err = l.Check(ctx, plane, key, 1)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, 999, st.Remaining)
}
