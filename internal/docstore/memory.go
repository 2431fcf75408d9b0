package docstore

import (
	"context"
	"sync"
)

// MemoryStore is a versioned in-process document tree.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]memoryDoc
}

type memoryDoc struct {
	value   []byte
	version int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]memoryDoc)}
}

func (s *MemoryStore) Read(ctx context.Context, path string) ([]byte, error) {
	b, version, err := s.ReadVersion(ctx, path)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("write", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.docs[path]
	s.docs[path] = memoryDoc{value: clone(value), version: prev.version + 1}
	return nil
}

func (s *MemoryStore) ReadVersion(ctx context.Context, path string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, unavailable("read", path, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, 0, nil
	}
	return clone(doc.value), doc.version, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, path string, value []byte, version int64) error {
	if err := ctx.Err(); err != nil {
		return unavailable("write", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[path].version != version {
		return ErrConflict
	}
	s.docs[path] = memoryDoc{value: clone(value), version: version + 1}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

var _ Versioned = (*MemoryStore)(nil)
