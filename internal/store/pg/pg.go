package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store owns the PostgreSQL handle backing every persistence interface of
// the security core. Per-concern accessors return light facades sharing the
// pool.
type Store struct {
	db *sql.DB
}

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests use sqlmock here).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Sessions() *Sessions { return &Sessions{db: s.db} }
func (s *Store) Attempts() *Attempts { return &Attempts{db: s.db} }
func (s *Store) Audit() *Audit       { return &Audit{db: s.db} }
func (s *Store) Config() *Config     { return &Config{db: s.db} }
func (s *Store) Backups() *Backups   { return &Backups{db: s.db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
