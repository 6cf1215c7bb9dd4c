package postgres

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, xerrors.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, xerrors.Errorf("pgxpool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) Ready(ctx context.Context) error {
	var one int
	return db.Pool.QueryRow(ctx, "select 1").Scan(&one)
}

// RunMigrations executes every embedded SQL file in name order. The files
// only use IF NOT EXISTS statements, so running them again is harmless.
func (db *DB) RunMigrations(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return xerrors.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sqlBytes, err := migrations.ReadFile(name)
		if err != nil {
			return xerrors.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(sqlBytes)); err != nil {
			return xerrors.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

// eventsTable maps a data plane to its table. The two tables share one
// schema.
func eventsTable(plane domain.DataPlane) (string, error) {
	switch plane {
	case domain.DataPlaneProduction:
		return "events", nil
	case domain.DataPlaneTest:
		return "test_events", nil
	default:
		return "", xerrors.Errorf("unknown data plane %q", plane)
	}
}

// Store combines the query and write halves into a storage.Store.
type Store struct {
	*DB
	*Writer
}

func NewStore(db *DB) *Store {
	return &Store{DB: db, Writer: NewWriter(db)}
}
