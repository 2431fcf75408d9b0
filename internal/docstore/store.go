// Package docstore is the port to the shared document tree. Values are JSON
// documents addressed by a slash-separated path. The tree offers no
// multi-key transactions; backends that can detect concurrent writers
// implement Versioned so that Update can compare-and-swap.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrConflict    = errors.New("document version conflict")
	ErrUnavailable = errors.New("document store unavailable")
	ErrCorrupt     = errors.New("document has unexpected shape")
)

// DefaultMaxAttempts bounds compare-and-swap retries in Update.
const DefaultMaxAttempts = 3

// Store reads and writes whole documents.
type Store interface {
	// Read returns the document at path or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write replaces the document at path.
	Write(ctx context.Context, path string, value []byte) error
}

// Versioned is implemented by stores that support conditional writes.
type Versioned interface {
	Store
	// ReadVersion returns the document and its version. An absent document
	// yields a nil value and version 0.
	ReadVersion(ctx context.Context, path string) ([]byte, int64, error)
	// CompareAndSwap writes value only if the stored version still equals
	// version, otherwise it returns ErrConflict.
	CompareAndSwap(ctx context.Context, path string, value []byte, version int64) error
}

// MutateFunc computes the next document from the current one (nil when
// absent). Returning write=false leaves the store untouched. It may be
// called more than once when a conditional write loses a race, so it must
// derive everything it reports from current.
type MutateFunc func(current []byte) (next []byte, write bool, err error)

// Update runs one read-modify-write cycle against path.
//
// With a Versioned store the write is conditional and the cycle is retried
// on ErrConflict up to maxAttempts times. Otherwise the write is a blind
// overwrite: a writer that committed between our read and our write is
// silently lost.
func Update(ctx context.Context, s Store, path string, maxAttempts int, fn MutateFunc) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	v, ok := s.(Versioned)
	if !ok {
		current, err := s.Read(ctx, path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		next, write, err := fn(current)
		if err != nil || !write {
			return err
		}
		return s.Write(ctx, path, next)
	}

	for attempt := 1; ; attempt++ {
		current, version, err := v.ReadVersion(ctx, path)
		if err != nil {
			return err
		}
		next, write, err := fn(current)
		if err != nil || !write {
			return err
		}
		err = v.CompareAndSwap(ctx, path, next, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxAttempts {
			return fmt.Errorf("update %s after %d attempts: %w", path, attempt, err)
		}
	}
}

// DecodeJSON unmarshals a document into v. Empty input and JSON null leave v
// untouched; anything that does not fit v is reported as ErrCorrupt.
func DecodeJSON(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

func unavailable(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, path, err)
}
