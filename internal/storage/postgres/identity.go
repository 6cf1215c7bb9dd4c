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

func (db *DB) LatestIdentifyID(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, userID, exclude string) (string, error) {
	table, err := eventsTable(plane)
	if err != nil {
		return "", err
	}
	sql := `
SELECT identify_id
FROM ` + table + `
WHERE api_key = $1 AND user_id = $2 AND identify_id <> $3
ORDER BY created_at DESC, date DESC
LIMIT 1`

	var identifyID string
	err = db.Pool.QueryRow(ctx, sql, apiKey, userID, exclude).Scan(&identifyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", xerrors.Errorf("query latest identify id: %w", err)
	}
	return identifyID, nil
}

// RelabelIdentifyID is a single bulk update keyed by the old identify id.
func (db *DB) RelabelIdentifyID(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, from, to string) (int64, error) {
	table, err := eventsTable(plane)
	if err != nil {
		return 0, err
	}
	ct, err := db.Pool.Exec(ctx,
		"UPDATE "+table+" SET identify_id = $3 WHERE api_key = $1 AND identify_id = $2",
		apiKey, from, to)
	if err != nil {
		return 0, xerrors.Errorf("relabel identify id: %w", err)
	}
	return ct.RowsAffected(), nil
}
