// Package memstore is an in-memory storage.Store for tests and local
// development. All data is lost on exit.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/storage"
)

type app struct {
	id         uuid.UUID
	name       string
	apiKey     uuid.UUID
	testAPIKey uuid.UUID
}

type dedupeKey struct {
	apiKey uuid.UUID
	key    string
}

type Store struct {
	mu      sync.Mutex
	apps    []app
	records map[domain.DataPlane][]domain.Record
	dedupe  map[domain.DataPlane]map[dedupeKey]struct{}

	// InsertErr, when set, fails every InsertEvents call.
	InsertErr error
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: map[domain.DataPlane][]domain.Record{},
		dedupe:  map[domain.DataPlane]map[dedupeKey]struct{}{},
	}
}

func (s *Store) InsertApp(_ context.Context, id uuid.UUID, name string, apiKey, testAPIKey uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		if a.id == id {
			return nil
		}
		if a.apiKey == apiKey || a.testAPIKey == testAPIKey || a.apiKey == testAPIKey || a.testAPIKey == apiKey {
			return xerrors.New("api key already registered")
		}
	}
	s.apps = append(s.apps, app{id: id, name: name, apiKey: apiKey, testAPIKey: testAPIKey})
	return nil
}

func (s *Store) LookupAPIKey(_ context.Context, key uuid.UUID) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		switch key {
		case a.apiKey:
			return domain.Tenant{AppID: a.id, Name: a.name, APIKey: key, Plane: domain.DataPlaneProduction}, nil
		case a.testAPIKey:
			return domain.Tenant{AppID: a.id, Name: a.name, APIKey: key, Plane: domain.DataPlaneTest}, nil
		}
	}
	return domain.Tenant{}, storage.ErrNotFound
}

func (s *Store) CountEventsSince(_ context.Context, plane domain.DataPlane, apiKey uuid.UUID, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records[plane] {
		if r.APIKey == apiKey && r.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertEvents(_ context.Context, plane domain.DataPlane, records []domain.Record) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return nil, s.InsertErr
	}
	seen := s.dedupe[plane]
	if seen == nil {
		seen = map[dedupeKey]struct{}{}
		s.dedupe[plane] = seen
	}
	inserted := make([]domain.Record, 0, len(records))
	for _, r := range records {
		if r.DedupeKey != "" {
			k := dedupeKey{apiKey: r.APIKey, key: r.DedupeKey}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		s.records[plane] = append(s.records[plane], r)
		inserted = append(inserted, r)
	}
	return inserted, nil
}

func (s *Store) LatestIdentifyID(_ context.Context, plane domain.DataPlane, apiKey uuid.UUID, userID, exclude string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found  bool
		latest domain.Record
	)
	for _, r := range s.records[plane] {
		if r.APIKey != apiKey || r.UserID == nil || *r.UserID != userID || r.IdentifyID == exclude {
			continue
		}
		// Later inserts win ties, matching insertion order.
		if !found || !r.CreatedAt.Before(latest.CreatedAt) {
			latest, found = r, true
		}
	}
	if !found {
		return "", storage.ErrNotFound
	}
	return latest.IdentifyID, nil
}

func (s *Store) RelabelIdentifyID(_ context.Context, plane domain.DataPlane, apiKey uuid.UUID, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	recs := s.records[plane]
	for i := range recs {
		if recs[i].APIKey == apiKey && recs[i].IdentifyID == from {
			recs[i].IdentifyID = to
			n++
		}
	}
	return n, nil
}

func (*Store) Ready(context.Context) error { return nil }

// Records returns a copy of everything stored in plane.
func (s *Store) Records(plane domain.DataPlane) []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Record(nil), s.records[plane]...)
}
