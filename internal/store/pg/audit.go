package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"clinaxis.org/internal/audit"
)

// Audit implements audit.Store.
type Audit struct {
	db *sql.DB
}

var _ audit.Store = (*Audit)(nil)

func (s *Audit) AppendEntry(ctx context.Context, entry *audit.Entry) error {
	oldValue, err := jsonOrNil(entry.OldValue)
	if err != nil {
		return err
	}
	newValue, err := jsonOrNil(entry.NewValue)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log(
			id, actor_id, action, resource, resource_id, method, endpoint, ip,
			old_value, new_value, severity, success, error, duration_ms, occurred_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, entry.ID, entry.ActorID, entry.Action, entry.Resource, entry.ResourceID,
		entry.Method, entry.Endpoint, entry.IP, oldValue, newValue,
		string(entry.Severity), entry.Success, entry.Error, entry.DurationMs, entry.OccurredAt)
	return err
}

func (s *Audit) AppendEvent(ctx context.Context, event *audit.SecurityEvent) error {
	metadata, err := jsonOrNil(event.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_events(
			id, type, severity, description, ip, user_agent, geo, metadata,
			resolved, occurred_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, event.ID, string(event.Type), string(event.Severity), event.Description,
		event.IP, event.UserAgent, event.Geo, metadata, event.Resolved, event.OccurredAt)
	return err
}

func (s *Audit) ResolveEvent(ctx context.Context, id, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update security_events
		set resolved=true, resolved_at=$2, resolved_by=$3
		where id=$1 and not resolved
	`, id, at, by)
	if err != nil {
		return err
	}
	return requireRow(res, audit.ErrNotFound)
}

func (s *Audit) ListEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error) {
	query := `
		select id, type, severity, description, ip, user_agent, geo, metadata,
		       resolved, resolved_at, resolved_by, occurred_at
		from security_events where 1=1`
	var args []any
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += " and type=$" + strconv.Itoa(len(args))
	}
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		query += " and resolved=$" + strconv.Itoa(len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += " and occurred_at >= $" + strconv.Itoa(len(args))
	}
	query += " order by occurred_at desc"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " limit $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.SecurityEvent
	for rows.Next() {
		var ev audit.SecurityEvent
		var ip, userAgent, geo, resolvedBy sql.NullString
		var metadata []byte
		var resolvedAt sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Severity, &ev.Description,
			&ip, &userAgent, &geo, &metadata, &ev.Resolved, &resolvedAt,
			&resolvedBy, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.IP = ip.String
		ev.UserAgent = userAgent.String
		ev.Geo = geo.String
		ev.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			ev.ResolvedAt = &t
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Audit) ListEntries(ctx context.Context, filter audit.EntryFilter) ([]audit.Entry, error) {
	query := `
		select id, actor_id, action, resource, resource_id, method, endpoint,
		       ip, old_value, new_value, severity, success, error, duration_ms,
		       occurred_at
		from audit_log where 1=1`
	var args []any
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		query += " and actor_id=$" + strconv.Itoa(len(args))
	}
	if filter.Resource != "" {
		args = append(args, filter.Resource)
		query += " and resource=$" + strconv.Itoa(len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += " and occurred_at >= $" + strconv.Itoa(len(args))
	}
	query += " order by occurred_at desc"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " limit $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var actorID, resourceID, method, endpoint, ip, errText sql.NullString
		var oldValue, newValue []byte
		if err := rows.Scan(&entry.ID, &actorID, &entry.Action, &entry.Resource,
			&resourceID, &method, &endpoint, &ip, &oldValue, &newValue,
			&entry.Severity, &entry.Success, &errText, &entry.DurationMs,
			&entry.OccurredAt); err != nil {
			return nil, err
		}
		entry.ActorID = actorID.String
		entry.ResourceID = resourceID.String
		entry.Method = method.String
		entry.Endpoint = endpoint.String
		entry.IP = ip.String
		entry.Error = errText.String
		if len(oldValue) > 0 {
			if err := json.Unmarshal(oldValue, &entry.OldValue); err != nil {
				return nil, fmt.Errorf("decode old value: %w", err)
			}
		}
		if len(newValue) > 0 {
			if err := json.Unmarshal(newValue, &entry.NewValue); err != nil {
				return nil, fmt.Errorf("decode new value: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func jsonOrNil(v any) ([]byte, error) {
	switch m := v.(type) {
	case map[string]string:
		if len(m) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return buf, nil
}
