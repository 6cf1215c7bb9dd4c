// Package storage defines the event store used by the ingestion pipeline.
// Implementations live in the postgres and memstore subpackages.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = xerrors.New("not found")

// Store is the full set of operations the server needs. Every event
// operation is scoped to one data plane.
type Store interface {
	// LookupAPIKey resolves a key against both the production and the test
	// key of every app. Returns ErrNotFound when no app owns the key.
	LookupAPIKey(ctx context.Context, key uuid.UUID) (domain.Tenant, error)
	// CountEventsSince counts records stored for apiKey after since.
	CountEventsSince(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, since time.Time) (int64, error)
	// InsertEvents stores all records or none. A record whose non-empty
	// dedupe key is already stored for the same API key is skipped. It
	// returns the records actually inserted, in input order.
	InsertEvents(ctx context.Context, plane domain.DataPlane, records []domain.Record) ([]domain.Record, error)
	// LatestIdentifyID returns the identify id of the most recently stored
	// record for userID whose identify id differs from exclude.
	// Returns ErrNotFound when there is none.
	LatestIdentifyID(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, userID, exclude string) (string, error)
	// RelabelIdentifyID rewrites identify_id from one value to another on
	// every matching record of apiKey.
	RelabelIdentifyID(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, from, to string) (int64, error)
	Ready(ctx context.Context) error
}
