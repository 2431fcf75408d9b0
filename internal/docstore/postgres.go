package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const documentsTable = "documents"

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore keeps one row per document path with a version counter
// bumped on every write. The documents table is created by the migrations
// package.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Read(ctx context.Context, path string) ([]byte, error) {
	b, version, err := s.ReadVersion(ctx, path)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *PostgresStore) ReadVersion(ctx context.Context, path string) ([]byte, int64, error) {
	query, args, err := psq.Select("value", "version").
		From(documentsTable).
		Where(sq.Eq{"path": path}).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build select: %w", err)
	}

	var (
		value   []byte
		version int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable("read", path, err)
	}
	return value, version, nil
}

func (s *PostgresStore) Write(ctx context.Context, path string, value []byte) error {
	query, args, err := psq.Insert(documentsTable).
		Columns("path", "value", "version", "updated_at").
		Values(path, string(value), 1, sq.Expr("NOW()")).
		Suffix("ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, version = documents.version + 1, updated_at = NOW()").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return unavailable("write", path, err)
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, path string, value []byte, version int64) error {
	var (
		query string
		args  []any
		err   error
	)
	if version == 0 {
		query, args, err = psq.Insert(documentsTable).
			Columns("path", "value", "version", "updated_at").
			Values(path, string(value), 1, sq.Expr("NOW()")).
			Suffix("ON CONFLICT (path) DO NOTHING").
			ToSql()
	} else {
		query, args, err = psq.Update(documentsTable).
			Set("value", string(value)).
			Set("version", sq.Expr("version + 1")).
			Set("updated_at", sq.Expr("NOW()")).
			Where(sq.Eq{"path": path}).
			Where(sq.Eq{"version": version}).
			ToSql()
	}
	if err != nil {
		return fmt.Errorf("build conditional write: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("write", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("write", path, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", documentsTable, err)
	}
	return nil
}

var _ Versioned = (*PostgresStore)(nil)
