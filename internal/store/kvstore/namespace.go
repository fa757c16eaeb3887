package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonpkg "roamii/internal/pkg/json"
)

var (
	// ErrKeyNotFound is returned by Namespace.Get for an absent key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrVersionMismatch is returned by Namespace.PutIfVersion when the
	// stored version is not the expected one.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Entry is a stored value with its metadata and write version.
type Entry struct {
	Value []byte
	// Metadata holds values as decoded from JSON, see DecodeMetadata.
	Metadata map[string]any
	// Version starts at 1 and increases on every write.
	Version int64
}

// Namespace is a flat key-value namespace with versioned writes.
type Namespace interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes value unconditionally and returns the new version.
	Put(ctx context.Context, key string, value []byte, metadata map[string]any) (int64, error)
	// PutIfVersion writes value only if the stored version equals version.
	// Version 0 means the key must not exist yet.
	PutIfVersion(ctx context.Context, key string, value []byte, metadata map[string]any, version int64) (int64, error)
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryNamespace is an in-process Namespace.
type MemoryNamespace struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Namespace = (*MemoryNamespace)(nil)

func NewMemoryNamespace() *MemoryNamespace {
	return &MemoryNamespace{entries: map[string]Entry{}}
}

func (m *MemoryNamespace) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryNamespace) Put(_ context.Context, key string, value []byte, metadata map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, value, metadata)
}

func (m *MemoryNamespace) PutIfVersion(_ context.Context, key string, value []byte, metadata map[string]any, version int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key].Version != version {
		return 0, ErrVersionMismatch
	}
	return m.putLocked(key, value, metadata)
}

func (m *MemoryNamespace) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryNamespace) putLocked(key string, value []byte, metadata map[string]any) (int64, error) {
	md, err := DecodeMetadata(metadata)
	if err != nil {
		return 0, err
	}
	e := Entry{Value: append([]byte(nil), value...), Metadata: md, Version: m.entries[key].Version + 1}
	m.entries[key] = e
	return e.Version, nil
}

// DecodeMetadata returns md the way it reads back from JSON storage:
// integers as int64, other numbers as float64, nested objects as
// map[string]any. Every Namespace returns metadata in this form.
func DecodeMetadata(md map[string]any) (map[string]any, error) {
	if md == nil {
		return nil, nil
	}
	data, err := jsonpkg.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var out map[string]any
	if err := jsonpkg.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}

func copyEntry(e Entry) Entry {
	out := Entry{Value: append([]byte(nil), e.Value...), Version: e.Version}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
