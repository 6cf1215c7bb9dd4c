package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/metrics"
	"example.com/beacon/internal/reconcile"
	"example.com/beacon/internal/storage/memstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seed(t *testing.T, store *memstore.Store, plane domain.DataPlane, apiKey uuid.UUID, identifyID, userID string, n int, createdAt time.Time) {
	t.Helper()
	records := make([]domain.Record, 0, n)
	for range n {
		r := domain.Record{
			ID:         uuid.New(),
			DedupeKey:  uuid.NewString(),
			APIKey:     apiKey,
			IdentifyID: identifyID,
			Type:       domain.KindNavigation,
			Date:       createdAt,
			CreatedAt:  createdAt,
		}
		if userID != "" {
			r.UserID = &userID
		}
		records = append(records, r)
	}
	_, err := store.InsertEvents(context.Background(), plane, records)
	require.NoError(t, err)
}

func identifyIDs(store *memstore.Store, plane domain.DataPlane) map[string]int {
	out := map[string]int{}
	for _, r := range store.Records(plane) {
		out[r.IdentifyID]++
	}
	return out
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key := uuid.New()
	plane := domain.DataPlaneProduction

	store := memstore.New()
	// Anonymous history on installation A, then the user identifies on A.
	seed(t, store, plane, key, "A", "", 3, now)
	seed(t, store, plane, key, "A", "u1", 2, now.Add(time.Minute))
	// The same user later identifies on installation B.
	seed(t, store, plane, key, "B", "u1", 1, now.Add(2*time.Minute))
	// Unrelated installation.
	seed(t, store, plane, key, "C", "u2", 1, now)

	r := reconcile.New(store, reconcile.Options{Logger: slogtest.Make(t, nil)})
	job := reconcile.Job{Plane: plane, APIKey: key, UserID: "u1", IdentifyID: "B"}

	n, err := r.Reconcile(ctx, job)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, map[string]int{"B": 6, "C": 1}, identifyIDs(store, plane))

	// Running the same job again writes nothing.
	n, err = r.Reconcile(ctx, job)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, map[string]int{"B": 6, "C": 1}, identifyIDs(store, plane))
}

func TestReconcileNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := uuid.New()
	plane := domain.DataPlaneTest

	store := memstore.New()
	seed(t, store, plane, key, "A", "u1", 2, time.Now())
	r := reconcile.New(store, reconcile.Options{})

	// First identification of a user.
	n, err := r.Reconcile(ctx, reconcile.Job{Plane: plane, APIKey: key, UserID: "u1", IdentifyID: "A"})
	require.NoError(t, err)
	assert.Zero(t, n)

	// Other planes and keys are separate.
	n, err = r.Reconcile(ctx, reconcile.Job{Plane: domain.DataPlaneProduction, APIKey: key, UserID: "u1", IdentifyID: "B"})
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = r.Reconcile(ctx, reconcile.Job{Plane: plane, APIKey: uuid.New(), UserID: "u1", IdentifyID: "B"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.Reconcile(ctx, reconcile.Job{Plane: plane, APIKey: key, IdentifyID: "B"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, map[string]int{"A": 2}, identifyIDs(store, plane))
}

type failingStore struct{}

func (failingStore) LatestIdentifyID(context.Context, domain.DataPlane, uuid.UUID, string, string) (string, error) {
	return "", assert.AnError
}

func (failingStore) RelabelIdentifyID(context.Context, domain.DataPlane, uuid.UUID, string, string) (int64, error) {
	return 0, assert.AnError
}

func TestReconcileError(t *testing.T) {
	t.Parallel()

	r := reconcile.New(failingStore{}, reconcile.Options{})
	_, err := r.Reconcile(context.Background(), reconcile.Job{Plane: domain.DataPlaneTest, APIKey: uuid.New(), UserID: "u", IdentifyID: "B"})
	require.ErrorIs(t, err, assert.AnError)
}

func TestWorkers(t *testing.T) {
	t.Parallel()
	key := uuid.New()
	plane := domain.DataPlaneProduction

	store := memstore.New()
	seed(t, store, plane, key, "A", "u1", 2, time.Now().Add(-time.Minute))
	seed(t, store, plane, key, "B", "u1", 1, time.Now())

	m := metrics.New()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	r := reconcile.New(store, reconcile.Options{Workers: 2, Logger: logger, Metrics: m})
	failing := reconcile.New(failingStore{}, reconcile.Options{Workers: 1, Logger: logger, Metrics: m})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	failing.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Wait()
		failing.Wait()
	})

	require.True(t, r.Enqueue(reconcile.Job{Plane: plane, APIKey: key, UserID: "u1", IdentifyID: "B"}))
	require.Eventually(t, func() bool {
		return identifyIDs(store, plane)["B"] == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Reconciliations.WithLabelValues("relabeled")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A failing job is logged and counted, never returned.
	require.True(t, failing.Enqueue(reconcile.Job{Plane: plane, APIKey: key, UserID: "u1", IdentifyID: "C"}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Reconciliations.WithLabelValues("error")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEnqueueFull(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	// Not started, so nothing drains the queue.
	r := reconcile.New(memstore.New(), reconcile.Options{QueueSize: 1, Metrics: m})
	job := reconcile.Job{Plane: domain.DataPlaneTest, APIKey: uuid.New(), UserID: "u", IdentifyID: "B"}
	assert.True(t, r.Enqueue(job))
	assert.False(t, r.Enqueue(job))
	assert.InDelta(t, 1, testutil.ToFloat64(m.Reconciliations.WithLabelValues("dropped")), 0)
}
