package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"github.com/natefinch/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// IdentifyIDKey is the storage key holding the installation's identify id.
const IdentifyIDKey = "beacon.identify_id"

// ErrNotFound is returned by Storage.Get for a missing key.
var ErrNotFound = xerrors.New("key not found")

// Storage is a small durable key-value store.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// MemoryStorage keeps values for the life of the process.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// FileStorage keeps all keys in one JSON file, replaced atomically on
// every write.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Path() string { return f.path }

func (f *FileStorage) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileStorage) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return err
	}
	values[key] = value
	data, err := json.Marshal(values)
	if err != nil {
		return xerrors.Errorf("encode %s: %w", f.path, err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return xerrors.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStorage) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", f.path, err)
	}
	values := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, xerrors.Errorf("decode %s: %w", f.path, err)
	}
	return values, nil
}

// ResolveStorage returns file storage under the user's XDG data directory
// for appName. If the directory cannot be created it logs and falls back
// to MemoryStorage, so the identify id lasts only for this process.
func ResolveStorage(log slog.Logger, appName string) Storage {
	return resolveStorage(log, appName, xdg.DataFile)
}

func resolveStorage(log slog.Logger, appName string, locate func(relPath string) (string, error)) Storage {
	path, err := locate(filepath.Join(appName, "tracker.json"))
	if err != nil {
		log.Warn(context.Background(), "durable storage unavailable, using memory storage",
			slog.F("app", appName),
			slog.Error(err),
		)
		return NewMemoryStorage()
	}
	return NewFileStorage(path)
}

// safeStorage logs storage failures and reports them as a missing key or
// a dropped write.
type safeStorage struct {
	s   Storage
	log slog.Logger
}

func (s safeStorage) get(ctx context.Context, key string) (string, bool) {
	v, err := s.s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false
	}
	if err != nil {
		s.log.Warn(ctx, "storage read failed", slog.F("key", key), slog.Error(err))
		return "", false
	}
	return v, v != ""
}

func (s safeStorage) set(ctx context.Context, key, value string) bool {
	if err := s.s.Set(ctx, key, value); err != nil {
		s.log.Warn(ctx, "storage write failed", slog.F("key", key), slog.Error(err))
		return false
	}
	return true
}
