package pg

import (
	"context"
	"database/sql"

	"clinaxis.org/internal/backup"
)

// snapshotTables are always exported. Audit trails are large and only
// included on request.
var snapshotTables = []string{"sessions", "login_attempts", "security_config", "backup_records"}

var auditTables = []string{"security_events", "audit_log"}

// Snapshots implements backup.SnapshotProvider over the live schema.
type Snapshots struct {
	db *sql.DB
}

var _ backup.SnapshotProvider = (*Snapshots)(nil)

func (s *Store) Snapshots() *Snapshots { return &Snapshots{db: s.db} }

func (s *Snapshots) Snapshot(ctx context.Context, opts backup.Options) (backup.Tables, error) {
	tables := append([]string{}, snapshotTables...)
	if opts.IncludeAudit {
		tables = append(tables, auditTables...)
	}
	out := make(backup.Tables, len(tables))
	for _, table := range tables {
		rows, err := s.exportTable(ctx, table)
		if err != nil {
			return nil, err
		}
		out[table] = rows
	}
	return out, nil
}

// exportTable reads every row of a table into generic maps. Table names come
// from the fixed lists above, never from callers.
func (s *Snapshots) exportTable(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `select * from `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
