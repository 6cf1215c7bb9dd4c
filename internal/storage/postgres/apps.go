package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/storage"
)

// LookupAPIKey matches key against either key column of apps.
func (db *DB) LookupAPIKey(ctx context.Context, key uuid.UUID) (domain.Tenant, error) {
	var (
		t      domain.Tenant
		isTest bool
	)
	err := db.Pool.QueryRow(ctx, `
SELECT id, name, test_api_key = $1
FROM apps
WHERE api_key = $1 OR test_api_key = $1
LIMIT 1`, key).Scan(&t.AppID, &t.Name, &isTest)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, xerrors.Errorf("lookup api key: %w", err)
	}
	t.APIKey = key
	t.Plane = domain.PlaneFor(isTest)
	return t, nil
}

// InsertApp registers an app with its two keys. Registering the same app
// id again is a no-op. App management is owned elsewhere; this exists for
// seeding and tests.
func (db *DB) InsertApp(ctx context.Context, id uuid.UUID, name string, apiKey, testAPIKey uuid.UUID) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO apps (id, name, api_key, test_api_key) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING",
		id, name, apiKey, testAPIKey)
	if err != nil {
		return xerrors.Errorf("insert app: %w", err)
	}
	return nil
}
