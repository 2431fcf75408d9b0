package docstore

import (
	"context"
	"errors"
	"time"
)

// WithTimeout bounds every call on s by d unless the caller's context
// already carries an earlier deadline. The Versioned capability is kept.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	base := timeoutStore{next: s, timeout: d}
	if v, ok := s.(Versioned); ok {
		return &timeoutVersionedStore{timeoutStore: base, versioned: v}
	}
	return &base
}

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

func (s *timeoutStore) Read(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	b, err := s.next.Read(ctx, path)
	return b, classify("read", path, err)
}

func (s *timeoutStore) Write(ctx context.Context, path string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify("write", path, s.next.Write(ctx, path, value))
}

type timeoutVersionedStore struct {
	timeoutStore
	versioned Versioned
}

func (s *timeoutVersionedStore) ReadVersion(ctx context.Context, path string) ([]byte, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	b, version, err := s.versioned.ReadVersion(ctx, path)
	return b, version, classify("read", path, err)
}

func (s *timeoutVersionedStore) CompareAndSwap(ctx context.Context, path string, value []byte, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify("write", path, s.versioned.CompareAndSwap(ctx, path, value, version))
}

// classify makes sure a deadline or cancellation surfaces as ErrUnavailable.
func classify(op, path string, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return unavailable(op, path, err)
	}
	return err
}
