package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinaxis.org/internal/backup"
)

// Backups implements backup.RecordStore.
type Backups struct {
	db *sql.DB
}

var _ backup.RecordStore = (*Backups)(nil)

func (s *Backups) Create(ctx context.Context, r *backup.Record) error {
	options, err := json.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("encode backup options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into backup_records(
			id, filename, size, checksum, encrypted, compressed, options, created_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.Filename, r.Size, r.Checksum, r.Encrypted, r.Compressed, options, r.CreatedAt)
	return err
}

func (s *Backups) Find(ctx context.Context, id string) (*backup.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, filename, size, checksum, encrypted, compressed, options, created_at
		from backup_records where id=$1
	`, id)
	record, err := scanBackupRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.ErrNotFound
	}
	return record, err
}

func (s *Backups) List(ctx context.Context) ([]backup.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, filename, size, checksum, encrypted, compressed, options, created_at
		from backup_records order by created_at desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backup.Record
	for rows.Next() {
		record, err := scanBackupRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

func (s *Backups) DeleteOlderThan(ctx context.Context, before time.Time) ([]backup.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		delete from backup_records where created_at < $1
		returning id, filename, size, checksum, encrypted, compressed, options, created_at
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backup.Record
	for rows.Next() {
		record, err := scanBackupRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

func scanBackupRecord(row rowScanner) (*backup.Record, error) {
	var record backup.Record
	var options []byte
	err := row.Scan(&record.ID, &record.Filename, &record.Size, &record.Checksum,
		&record.Encrypted, &record.Compressed, &options, &record.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &record.Options); err != nil {
			return nil, fmt.Errorf("decode backup options: %w", err)
		}
	}
	return &record, nil
}
