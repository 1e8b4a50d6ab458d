package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"adfunds.io/internal/audit"
	"adfunds.io/internal/impersonation"
	"adfunds.io/internal/store"
)

var _ impersonation.Store = (*Store)(nil)

const sessionColumns = `id, admin_id, organization_id, reason, status, created_at, expires_at, ended_at, client_ip, user_agent`

func scanSession(row rowScanner) (impersonation.Session, error) {
	var (
		sess  impersonation.Session
		ended sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.AdminID, &sess.OrganizationID, &sess.Reason, &sess.Status,
		&sess.CreatedAt, &sess.ExpiresAt, &ended, &sess.ClientIP, &sess.UserAgent); err != nil {
		return impersonation.Session{}, err
	}
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess impersonation.Session, entry audit.Entry) error {
	return s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into impersonation_sessions (id, admin_id, organization_id, reason, status, created_at, expires_at, client_ip, user_agent)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, sess.ID, sess.AdminID, sess.OrganizationID, sess.Reason, string(sess.Status),
			sess.CreatedAt, sess.ExpiresAt, sess.ClientIP, sess.UserAgent); err != nil {
			return store.Unavailable(err)
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (impersonation.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		select `+sessionColumns+` from impersonation_sessions where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return impersonation.Session{}, impersonation.ErrSessionNotFound
	}
	if err != nil {
		return impersonation.Session{}, store.Unavailable(err)
	}
	return sess, nil
}

// TransitionSession is a compare-and-set on status = 'active'. The loser of a
// race between End and the sweeper sees ok=false and the winner's row.
func (s *Store) TransitionSession(ctx context.Context, id string, to impersonation.Status, at time.Time, entry audit.Entry) (impersonation.Session, bool, error) {
	var (
		sess impersonation.Session
		ok   bool
	)
	err := s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx, `
			update impersonation_sessions set status = $2, ended_at = $3
			where id = $1 and status = 'active'
			returning `+sessionColumns,
			id, string(to), at))
		if errors.Is(err, sql.ErrNoRows) {
			sess, err = scanSession(tx.QueryRowContext(ctx, `
				select `+sessionColumns+` from impersonation_sessions where id = $1
			`, id))
			if errors.Is(err, sql.ErrNoRows) {
				return impersonation.ErrSessionNotFound
			}
			if err != nil {
				return store.Unavailable(err)
			}
			return nil
		}
		if err != nil {
			return store.Unavailable(err)
		}
		ok = true
		return insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return impersonation.Session{}, false, err
	}
	return sess, ok, nil
}

func (s *Store) ListActiveSessions(ctx context.Context, adminID string) ([]impersonation.Session, error) {
	return s.querySessions(ctx, `
		select `+sessionColumns+` from impersonation_sessions
		where admin_id = $1 and status = 'active'
		order by created_at desc
	`, adminID)
}

func (s *Store) OverdueSessions(ctx context.Context, now time.Time, limit int) ([]impersonation.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySessions(ctx, `
		select `+sessionColumns+` from impersonation_sessions
		where status = 'active' and expires_at <= $1
		order by expires_at
		limit $2
	`, now, limit)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]impersonation.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	defer rows.Close()
	out := make([]impersonation.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, store.Unavailable(err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(err)
	}
	return out, nil
}
