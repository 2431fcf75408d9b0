// Package migrations applies the SQL schema of the Postgres document store.
// Migration files are embedded in the binary and applied in name order, each
// in its own transaction.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embedded embed.FS

type FileInfo struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

type Status struct {
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	Applied   bool   `json:"applied"`
	AppliedAt string `json:"applied_at,omitempty"`
	// Drifted marks an applied migration whose file changed afterwards.
	Drifted bool `json:"drifted,omitempty"`
}

type appliedRecord struct {
	checksum  string
	appliedAt time.Time
}

type Service struct {
	db      *sql.DB
	files   fs.FS
	nowFunc func() time.Time
}

func NewService(db *sql.DB) (*Service, error) {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return newService(db, sub)
}

func newService(db *sql.DB, files fs.FS) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &Service{db: db, files: files, nowFunc: time.Now}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure schema_migrations schema: %w", err)
	}
	return nil
}

func (s *Service) List() ([]FileInfo, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	out := make([]FileInfo, 0)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := fs.ReadFile(s.files, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, FileInfo{Name: e.Name(), Checksum: checksum(b)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Service) Status(ctx context.Context) ([]Status, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}

	applied, err := s.loadApplied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(files))
	for _, f := range files {
		st := Status{Name: f.Name, Checksum: f.Checksum}
		if rec, ok := applied[f.Name]; ok {
			st.Applied = true
			st.AppliedAt = rec.appliedAt.UTC().Format(time.RFC3339)
			st.Drifted = rec.checksum != f.Checksum
		}
		out = append(out, st)
	}
	return out, nil
}

// Apply runs every pending migration and returns the names it applied. It
// refuses to run when an applied migration no longer matches its file.
func (s *Service) Apply(ctx context.Context) ([]string, error) {
	statuses, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.Drifted {
			return nil, fmt.Errorf("migration %s changed after it was applied", st.Name)
		}
	}

	var ran []string
	for _, st := range statuses {
		if st.Applied {
			continue
		}
		if err := s.apply(ctx, st.Name, st.Checksum); err != nil {
			return ran, err
		}
		ran = append(ran, st.Name)
	}
	return ran, nil
}

func (s *Service) apply(ctx context.Context, name, sum string) error {
	body, err := fs.ReadFile(s.files, name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("run migration %s: %w", name, err)
	}
	const q = `INSERT INTO schema_migrations (name, checksum, applied_at) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, q, name, sum, s.nowFunc().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func (s *Service) loadApplied(ctx context.Context) (map[string]appliedRecord, error) {
	const q = `SELECT name, checksum, applied_at FROM schema_migrations`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query migration state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]appliedRecord)
	for rows.Next() {
		var (
			name string
			rec  appliedRecord
		)
		if err := rows.Scan(&name, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration state: %w", err)
		}
		out[name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration state: %w", err)
	}
	return out, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
