package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
)

// CountEventsSince counts the records stored for apiKey after since. It
// backs the sliding rate-limit window, so it runs once per push request
// and relies on events_api_key_created_at_idx.
func (db *DB) CountEventsSince(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, since time.Time) (int64, error) {
	table, err := eventsTable(plane)
	if err != nil {
		return 0, err
	}
	var count int64
	sql := "SELECT COUNT(*)::bigint FROM " + table + " WHERE api_key = $1 AND created_at > $2"
	if err := db.Pool.QueryRow(ctx, sql, apiKey, since).Scan(&count); err != nil {
		return 0, xerrors.Errorf("scan count: %w", err)
	}
	return count, nil
}
