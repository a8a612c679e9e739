package syncstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"savesync/internal/save"
)

// MemoryStore is an in-memory implementation of the Store interface,
// useful for testing. It is safe for concurrent use within one process.
type MemoryStore struct {
	mu        sync.Mutex
	manifests map[save.Key][]byte
	archives  map[string][]byte // "emu:game/name" -> bytes
	locked    map[save.Key]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: make(map[save.Key][]byte),
		archives:  make(map[string][]byte),
		locked:    make(map[save.Key]bool),
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func archiveKey(key save.Key, name string) string { return key.String() + "/" + name }

func (m *MemoryStore) Lock(ctx context.Context, key save.Key) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[key] {
		return nil, fmt.Errorf("acquire lock for %s: already held", key)
	}
	m.locked[key] = true
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locked, key)
		return nil
	}, nil
}

func (m *MemoryStore) GetManifest(ctx context.Context, key save.Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.manifests[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrManifestNotFound)
	}
	return bytes.Clone(data), nil
}

func (m *MemoryStore) PutManifest(ctx context.Context, key save.Key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[key] = bytes.Clone(data)
	return nil
}

func (m *MemoryStore) GetArchive(ctx context.Context, key save.Key, name string, w io.Writer) error {
	m.mu.Lock()
	data, ok := m.archives[archiveKey(key, name)]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("shared archive %s/%s not found", key, name)
	}
	_, err := w.Write(data)
	return err
}

func (m *MemoryStore) PutArchive(ctx context.Context, key save.Key, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[archiveKey(key, name)] = data
	return nil
}

func (m *MemoryStore) DeleteArchive(ctx context.Context, key save.Key, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, archiveKey(key, name))
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context) ([]save.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]save.Key, 0, len(m.manifests))
	for k := range m.manifests {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
