package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps the whole tree in one JSON file. The file is re-read on
// every call so several processes may share it, but writes are blind
// overwrites: FileStore does not implement Versioned.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store file path is required")
	}
	s := &FileStore{path: path}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("read", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, err := s.load()
	if err != nil {
		return nil, unavailable("read", path, err)
	}
	raw, ok := tree[path]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(raw), nil
}

func (s *FileStore) Write(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("write", path, err)
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s: value is not valid JSON", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, err := s.load()
	if err != nil {
		return unavailable("write", path, err)
	}
	tree[path] = json.RawMessage(clone(value))
	if err := s.persist(tree); err != nil {
		return unavailable("write", path, err)
	}
	return nil
}

func (s *FileStore) load() (map[string]json.RawMessage, error) {
	tree := make(map[string]json.RawMessage)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return tree, nil
		}
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if len(b) == 0 {
		return tree, nil
	}
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("decode store file: %w", err)
	}
	return tree, nil
}

func (s *FileStore) persist(tree map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
