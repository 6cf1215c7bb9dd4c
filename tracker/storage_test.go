package tracker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3"
)

type captureSink struct {
	mu      sync.Mutex
	entries []slog.SinkEntry
}

func (s *captureSink) LogEntry(_ context.Context, e slog.SinkEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (*captureSink) Sync() {}

func (s *captureSink) messages(level slog.Level) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

type brokenStorage struct{}

func (brokenStorage) Get(context.Context, string) (string, error) { return "", assert.AnError }
func (brokenStorage) Set(context.Context, string, string) error   { return assert.AnError }

func TestMemoryStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewMemoryStorage()
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Set(ctx, "k", "v"))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestFileStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracker.json")

	s := NewFileStorage(path)
	_, err := s.Get(ctx, IdentifyIDKey)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Set(ctx, IdentifyIDKey, "id-1"))
	require.NoError(t, s.Set(ctx, "other", "x"))

	// A new instance reads what the first wrote.
	v, err := NewFileStorage(path).Get(ctx, IdentifyIDKey)
	require.NoError(t, err)
	assert.Equal(t, "id-1", v)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = s.Get(ctx, IdentifyIDKey)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestResolveStorage(t *testing.T) {
	t.Parallel()

	t.Run("File", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		sink := &captureSink{}
		s := resolveStorage(slog.Make(sink), "shop", func(rel string) (string, error) {
			return filepath.Join(dir, rel), nil
		})
		fs, ok := s.(*FileStorage)
		require.True(t, ok)
		assert.Equal(t, filepath.Join(dir, "shop", "tracker.json"), fs.Path())
		assert.Empty(t, sink.messages(slog.LevelWarn))
	})

	t.Run("Fallback", func(t *testing.T) {
		t.Parallel()
		sink := &captureSink{}
		s := resolveStorage(slog.Make(sink), "shop", func(string) (string, error) {
			return "", assert.AnError
		})
		_, ok := s.(*MemoryStorage)
		require.True(t, ok)
		assert.Equal(t, []string{"durable storage unavailable, using memory storage"}, sink.messages(slog.LevelWarn))
	})
}

func TestLoadIdentifyID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("CreatesAndPersists", func(t *testing.T) {
		t.Parallel()
		store := NewMemoryStorage()
		log := slog.Make(&captureSink{})

		id := loadIdentifyID(ctx, safeStorage{s: store, log: log}, log)
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())

		stored, err := store.Get(ctx, IdentifyIDKey)
		require.NoError(t, err)
		assert.Equal(t, id, stored)

		// Later sessions reuse it.
		assert.Equal(t, id, loadIdentifyID(ctx, safeStorage{s: store, log: log}, log))
	})

	t.Run("BrokenStorage", func(t *testing.T) {
		t.Parallel()
		sink := &captureSink{}
		log := slog.Make(sink)

		id := loadIdentifyID(ctx, safeStorage{s: brokenStorage{}, log: log}, log)
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"storage read failed",
			"storage write failed",
			"identify id not persisted, using it for this session only",
		}, sink.messages(slog.LevelWarn))
	})
}
