package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
)

// Postgres caps a statement at 65535 bind parameters.
const maxRowsPerStatement = 5000

var insertCols = []string{"id", "dedupe_key", "api_key", "identify_id", "user_id", "type", "data", "info", "app_version", "date", "created_at"}

type Writer struct {
	db *DB
}

func NewWriter(db *DB) *Writer { return &Writer{db: db} }

// InsertEvents inserts records with ON CONFLICT DO NOTHING to drop re-sent
// events. Large batches are split into several statements inside one
// transaction, so the batch is still all-or-nothing.
func (w *Writer) InsertEvents(ctx context.Context, plane domain.DataPlane, records []domain.Record) ([]domain.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	table, err := eventsTable(plane)
	if err != nil {
		return nil, err
	}

	inserted := make(map[uuid.UUID]struct{}, len(records))
	err = pgx.BeginFunc(ctx, w.db.Pool, func(tx pgx.Tx) error {
		for start := 0; start < len(records); start += maxRowsPerStatement {
			end := min(start+maxRowsPerStatement, len(records))
			sql, args, err := buildInsert(table, records[start:end])
			if err != nil {
				return err
			}
			rows, err := tx.Query(ctx, sql, args...)
			if err != nil {
				return xerrors.Errorf("insert %s: %w", table, err)
			}
			ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
			if err != nil {
				return xerrors.Errorf("insert %s: %w", table, err)
			}
			for _, id := range ids {
				inserted[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Record, 0, len(inserted))
	for _, rec := range records {
		if _, ok := inserted[rec.ID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func buildInsert(table string, items []domain.Record) (string, []any, error) {
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*len(insertCols))

	argi := 1
	for _, rec := range items {
		ph := make([]string, 0, len(insertCols))
		next := func(v any, cast string) {
			args = append(args, v)
			ph = append(ph, fmt.Sprintf("$%d%s", argi, cast))
			argi++
		}

		next(rec.ID, "")
		if rec.DedupeKey == "" {
			next(nil, "")
		} else {
			next(rec.DedupeKey, "")
		}
		next(rec.APIKey, "")
		next(rec.IdentifyID, "")
		// optionals are bound as NULL
		if rec.UserID == nil {
			next(nil, "")
		} else {
			next(*rec.UserID, "")
		}
		next(string(rec.Type), "")

		data, err := json.Marshal(rec.Data)
		if err != nil {
			return "", nil, xerrors.Errorf("encode data: %w", err)
		}
		next(string(data), "::jsonb")

		if len(rec.Info) == 0 {
			next(nil, "::jsonb")
		} else {
			info, err := json.Marshal(rec.Info)
			if err != nil {
				return "", nil, xerrors.Errorf("encode info: %w", err)
			}
			next(string(info), "::jsonb")
		}

		if rec.AppVersion == nil {
			next(nil, "")
		} else {
			next(*rec.AppVersion, "")
		}
		next(rec.Date, "")
		next(rec.CreatedAt, "")

		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sql := "INSERT INTO " + table + " (" + strings.Join(insertCols, ",") + ") VALUES " +
		strings.Join(placeholders, ",") +
		" ON CONFLICT (api_key, dedupe_key) DO NOTHING RETURNING id"
	return sql, args, nil
}
