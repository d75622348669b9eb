package module

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotCached reports a cache miss.
var ErrNotCached = errors.New("module not cached")

// Record describes one stored module.
type Record struct {
	Checksum string
	Name     string
	Dialect  string
	Arch     string
	Size     int
	Created  time.Time
}

// Store is durable module storage keyed by checksum, with a secondary
// index from request keys to the module last built for them.
type Store interface {
	Get(ctx context.Context, checksum string) ([]byte, error)
	Resolve(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, m *KernelModule, data []byte) error
	Delete(ctx context.Context, checksum string) error
	List(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
	Close() error
}

// SQLiteStore keeps modules in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Debugf("opened module store %s", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, checksum string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM modules WHERE checksum = ?", checksum).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", checksum, ErrNotCached)
	}
	if err != nil {
		return nil, fmt.Errorf("get module %s: %w", checksum, err)
	}
	return data, nil
}

func (s *SQLiteStore) Resolve(ctx context.Context, key string) (string, error) {
	var checksum string
	err := s.db.QueryRowContext(ctx, "SELECT checksum FROM requests WHERE key = ?", key).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("request %s: %w", key, ErrNotCached)
	}
	if err != nil {
		return "", fmt.Errorf("resolve request %s: %w", key, err)
	}
	return checksum, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, m *KernelModule, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sum := m.ChecksumHex()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO modules (checksum, name, dialect, arch, data, size, created) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(checksum) DO UPDATE SET data = excluded.data, size = excluded.size`,
		sum, m.Name, string(m.Dialect), m.Arch, data, len(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("store module %s: %w", m.Name, err)
	}
	if key != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO requests (key, checksum) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET checksum = excluded.checksum`, key, sum); err != nil {
			return fmt.Errorf("store request %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, checksum string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM modules WHERE checksum = ?", checksum); err != nil {
		return fmt.Errorf("delete module %s: %w", checksum, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT checksum, name, dialect, arch, size, created FROM modules ORDER BY created, checksum")
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.Checksum, &r.Name, &r.Dialect, &r.Arch, &r.Size, &created); err != nil {
			return nil, err
		}
		r.Created = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	for _, q := range []string{"DELETE FROM requests", "DELETE FROM modules"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	return nil
}
