package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinaxis.org/internal/session"
)

// Sessions implements session.Store.
type Sessions struct {
	db *sql.DB
}

var _ session.Store = (*Sessions)(nil)

const sessionColumns = `
	id, user_id, token_hash, refresh_token_hash, ip, user_agent,
	device_fingerprint, geo, login_method, trusted, created_at,
	last_activity, expires_at, is_active, terminated_at, terminated_by`

func (s *Sessions) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(
			id, user_id, token_hash, refresh_token_hash, ip, user_agent,
			device_fingerprint, geo, login_method, trusted, created_at,
			last_activity, expires_at, is_active
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.RefreshTokenHash, sess.IP,
		sess.UserAgent, sess.DeviceFingerprint, sess.Geo, sess.LoginMethod,
		sess.Trusted, sess.CreatedAt, sess.LastActivity, sess.ExpiresAt, sess.Active)
	return err
}

func (s *Sessions) Find(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id=$1`, id)
	return scanSession(row)
}

func (s *Sessions) FindByTokenHash(ctx context.Context, hash string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where token_hash=$1`, hash)
	return scanSession(row)
}

func (s *Sessions) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set last_activity=$2 where id=$1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *Sessions) UpdateTokens(ctx context.Context, id, tokenHash, refreshHash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set token_hash=$2, refresh_token_hash=$3, expires_at=$4
		where id=$1
	`, id, tokenHash, refreshHash, expiresAt)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *Sessions) Terminate(ctx context.Context, id string, at time.Time, by string) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set is_active=false, terminated_at=$2, terminated_by=$3
		where id=$1
	`, id, at, by)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *Sessions) TerminateAllForUser(ctx context.Context, userID, exceptID, by string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set is_active=false, terminated_at=$3, terminated_by=$4
		where user_id=$1 and is_active and id <> $2
	`, userID, exceptID, at, by)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Sessions) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from sessions where user_id=$1 and is_active`, userID).Scan(&n)
	return n, err
}

func (s *Sessions) ListActiveForUser(ctx context.Context, userID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where user_id=$1 and is_active
		order by last_activity desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Sessions) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from sessions where expires_at <= $1 or not is_active`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSession(row rowScanner) (*session.Session, error) {
	sess, err := scanSessionRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return sess, err
}

func scanSessionRows(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var geo, terminatedBy sql.NullString
	var terminatedAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.TokenHash, &sess.RefreshTokenHash,
		&sess.IP, &sess.UserAgent, &sess.DeviceFingerprint, &geo,
		&sess.LoginMethod, &sess.Trusted, &sess.CreatedAt, &sess.LastActivity,
		&sess.ExpiresAt, &sess.Active, &terminatedAt, &terminatedBy,
	)
	if err != nil {
		return nil, err
	}
	sess.Geo = geo.String
	sess.TerminatedBy = terminatedBy.String
	if terminatedAt.Valid {
		t := terminatedAt.Time
		sess.TerminatedAt = &t
	}
	return &sess, nil
}
