package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/storage"
	"example.com/beacon/internal/storage/memstore"
)

func record(apiKey uuid.UUID, identifyID, userID, dedupe string, createdAt time.Time) domain.Record {
	r := domain.Record{
		ID:         uuid.New(),
		DedupeKey:  dedupe,
		APIKey:     apiKey,
		IdentifyID: identifyID,
		Type:       domain.KindAction,
		Data:       map[string]any{"name": "click"},
		Date:       createdAt,
		CreatedAt:  createdAt,
	}
	if userID != "" {
		r.UserID = &userID
	}
	return r
}

func TestLookupAPIKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := memstore.New()
	appID, prod, test := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, s.InsertApp(ctx, appID, "shop", prod, test))
	// Same app again is a no-op; a clashing key is not.
	require.NoError(t, s.InsertApp(ctx, appID, "shop", prod, test))
	require.Error(t, s.InsertApp(ctx, uuid.New(), "other", test, uuid.New()))

	tenant, err := s.LookupAPIKey(ctx, prod)
	require.NoError(t, err)
	assert.Equal(t, appID, tenant.AppID)
	assert.Equal(t, domain.DataPlaneProduction, tenant.Plane)

	tenant, err = s.LookupAPIKey(ctx, test)
	require.NoError(t, err)
	assert.Equal(t, domain.DataPlaneTest, tenant.Plane)
	assert.Equal(t, test, tenant.APIKey)

	_, err = s.LookupAPIKey(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key := uuid.New()

	s := memstore.New()
	inserted, err := s.InsertEvents(ctx, domain.DataPlaneProduction, []domain.Record{
		record(key, "a", "", "k1", now.Add(-2*time.Minute)),
		record(key, "a", "", "k2", now.Add(-30*time.Second)),
		record(uuid.New(), "a", "", "k3", now),
	})
	require.NoError(t, err)
	assert.Len(t, inserted, 3)

	// Re-sent records are dropped.
	k4 := record(key, "a", "", "k4", now)
	inserted, err = s.InsertEvents(ctx, domain.DataPlaneProduction, []domain.Record{
		record(key, "a", "", "k2", now),
		k4,
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Record{k4}, inserted)

	count, err := s.CountEventsSince(ctx, domain.DataPlaneProduction, key, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	count, err = s.CountEventsSince(ctx, domain.DataPlaneTest, key, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, s.Records(domain.DataPlaneProduction), 4)
}

func TestIdentityQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key := uuid.New()
	plane := domain.DataPlaneTest

	s := memstore.New()
	_, err := s.InsertEvents(ctx, plane, []domain.Record{
		record(key, "old", "", "k1", now),
		record(key, "old", "u1", "k2", now.Add(time.Second)),
		record(key, "older", "u1", "k3", now.Add(-time.Hour)),
		record(key, "new", "u1", "k4", now.Add(2*time.Second)),
	})
	require.NoError(t, err)

	latest, err := s.LatestIdentifyID(ctx, plane, key, "u1", "new")
	require.NoError(t, err)
	assert.Equal(t, "old", latest)

	_, err = s.LatestIdentifyID(ctx, plane, key, "u2", "new")
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.RelabelIdentifyID(ctx, plane, key, "old", "new")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	latest, err = s.LatestIdentifyID(ctx, plane, key, "u1", "new")
	require.NoError(t, err)
	assert.Equal(t, "older", latest)
}

func TestInsertErr(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	s.InsertErr = assert.AnError
	_, err := s.InsertEvents(context.Background(), domain.DataPlaneProduction, []domain.Record{record(uuid.New(), "a", "", "k", time.Now())})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, s.Records(domain.DataPlaneProduction))
}

func TestInsertEventsWithoutDedupeKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key, other := uuid.New(), uuid.New()

	s := memstore.New()
	inserted, err := s.InsertEvents(ctx, domain.DataPlaneProduction, []domain.Record{
		record(key, "a", "", "", now),
		record(key, "a", "", "", now),
		record(key, "a", "", "k1", now),
		// Keys are scoped to the API key.
		record(other, "a", "", "k1", now),
	})
	require.NoError(t, err)
	assert.Len(t, inserted, 4)

	inserted, err = s.InsertEvents(ctx, domain.DataPlaneProduction, []domain.Record{record(key, "a", "", "", now)})
	require.NoError(t, err)
	assert.Len(t, inserted, 1)
	assert.Len(t, s.Records(domain.DataPlaneProduction), 5)
}
