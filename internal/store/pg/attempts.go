package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinaxis.org/internal/bruteforce"
)

// Attempts implements bruteforce.AttemptStore.
type Attempts struct {
	db *sql.DB
}

var _ bruteforce.AttemptStore = (*Attempts)(nil)

func (s *Attempts) Append(ctx context.Context, attempt *bruteforce.LoginAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts(id, email, ip, success, failure_reason, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, attempt.ID, attempt.Email, attempt.IP, attempt.Success, attempt.FailureReason, attempt.CreatedAt)
	return err
}

func (s *Attempts) CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from login_attempts
		where email=$1 and not success and created_at >= $2
	`, email, since).Scan(&n)
	return n, err
}

func (s *Attempts) CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from login_attempts
		where ip=$1 and not success and created_at >= $2
	`, ip, since).Scan(&n)
	return n, err
}

func (s *Attempts) LastFailure(ctx context.Context, email, ip string, since time.Time) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select max(created_at) from login_attempts
		where (email=$1 or ip=$2) and not success and created_at >= $3
	`, email, ip, since).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !at.Valid) {
		return time.Time{}, nil
	}
	return at.Time, err
}
