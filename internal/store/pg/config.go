package pg

import (
	"context"
	"database/sql"
	"errors"

	"clinaxis.org/internal/config"
)

// Config implements config.Store.
type Config struct {
	db *sql.DB
}

var _ config.Store = (*Config)(nil)

func (s *Config) Get(ctx context.Context, key string) (*config.Setting, error) {
	var setting config.Setting
	var updatedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select key, value, category, sensitive, updated_by, updated_at
		from security_config where key=$1
	`, key).Scan(&setting.Key, &setting.Value, &setting.Category,
		&setting.Sensitive, &updatedBy, &setting.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, config.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	setting.UpdatedBy = updatedBy.String
	return &setting, nil
}

func (s *Config) Upsert(ctx context.Context, setting *config.Setting) error {
	_, err := s.db.ExecContext(ctx, `
		insert into security_config(key, value, category, sensitive, updated_by, updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (key) do update
		set value=excluded.value, category=excluded.category,
		    sensitive=excluded.sensitive, updated_by=excluded.updated_by,
		    updated_at=excluded.updated_at
	`, setting.Key, setting.Value, setting.Category, setting.Sensitive,
		setting.UpdatedBy, setting.UpdatedAt)
	return err
}

func (s *Config) List(ctx context.Context, category string) ([]config.Setting, error) {
	query := `
		select key, value, category, sensitive, updated_by, updated_at
		from security_config`
	var args []any
	if category != "" {
		query += " where category=$1"
		args = append(args, category)
	}
	query += " order by key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []config.Setting
	for rows.Next() {
		var setting config.Setting
		var updatedBy sql.NullString
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.Category,
			&setting.Sensitive, &updatedBy, &setting.UpdatedAt); err != nil {
			return nil, err
		}
		setting.UpdatedBy = updatedBy.String
		out = append(out, setting)
	}
	return out, rows.Err()
}
