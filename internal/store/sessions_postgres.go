package store

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"callsync/internal/calls"
	"callsync/pkg/utils"
)

// PostgresSessions stores sessions in Postgres through database/sql (driver "pgx").
//
// It assumes the tables from migrations/001_call_sessions.sql. Inserts take a
// transaction-scoped advisory lock per participant, so two concurrent calls
// involving the same user serialize and the one-live-session rule holds.
type PostgresSessions struct {
	db *sql.DB
}

var _ Sessions = (*PostgresSessions)(nil)

func NewPostgresSessions(db *sql.DB) *PostgresSessions {
	return &PostgresSessions{db: db}
}

const sessionColumns = `id, caller_id, receiver_id, room_name, call_type, status, created_at, updated_at`

const liveFilter = `status IN ('initiating', 'calling', 'active')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (calls.Session, error) {
	var s calls.Session
	err := r.Scan(
		&s.ID,
		&s.CallerID,
		&s.ReceiverID,
		&s.RoomName,
		&s.Type,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

func (p *PostgresSessions) Insert(ctx context.Context, s calls.Session) error {
	return utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		users := []string{s.CallerID, s.ReceiverID}
		slices.Sort(users)
		for _, u := range users {
			if err := utils.AdvisoryXactLock(ctx, tx, "call_user:"+u); err != nil {
				return err
			}
		}

		const check = `
SELECT COUNT(*)
FROM call_sessions
WHERE (caller_id = ANY(ARRAY[$1, $2]) OR receiver_id = ANY(ARRAY[$1, $2]))
  AND ` + liveFilter
		var n int
		if err := tx.QueryRowContext(ctx, check, s.CallerID, s.ReceiverID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}

		const q = `
INSERT INTO call_sessions (` + sessionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
		_, err := tx.ExecContext(ctx, q,
			s.ID,
			s.CallerID,
			s.ReceiverID,
			s.RoomName,
			s.Type,
			s.Status,
			s.CreatedAt,
			s.UpdatedAt,
		)
		return err
	})
}

func (p *PostgresSessions) Get(ctx context.Context, id string) (calls.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	return p.one(ctx, q, id)
}

func (p *PostgresSessions) GetByRoom(ctx context.Context, room string) (calls.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE room_name = $1`
	return p.one(ctx, q, room)
}

func (p *PostgresSessions) one(ctx context.Context, q string, arg any) (calls.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Session{}, ErrNotFound
		}
		return calls.Session{}, err
	}
	return s, nil
}

func (p *PostgresSessions) Transition(ctx context.Context, id string, from []calls.Status, to calls.Status, at time.Time) (calls.Session, error) {
	var out calls.Session
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const lock = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1 FOR UPDATE`
		s, err := scanSession(tx.QueryRowContext(ctx, lock, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !slices.Contains(from, s.Status) {
			out = s
			return ErrStale
		}

		const q = `UPDATE call_sessions SET status = $2, updated_at = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, q, id, to, at); err != nil {
			return err
		}
		s.Status = to
		s.UpdatedAt = at
		out = s
		return nil
	})
	return out, err
}

func (p *PostgresSessions) LiveForUser(ctx context.Context, userID string) ([]calls.Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM call_sessions
WHERE (caller_id = $1 OR receiver_id = $1) AND ` + liveFilter + `
ORDER BY created_at, id
`
	return p.list(ctx, q, userID)
}

func (p *PostgresSessions) ListForUser(ctx context.Context, userID string, from, to time.Time) ([]calls.Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM call_sessions
WHERE (caller_id = $1 OR receiver_id = $1) AND created_at >= $2 AND created_at < $3
ORDER BY created_at, id
`
	return p.list(ctx, q, userID, from, to)
}

func (p *PostgresSessions) list(ctx context.Context, q string, args ...any) ([]calls.Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresSessions) Block(ctx context.Context, blockerID, blockedID string) error {
	const q = `
INSERT INTO user_blocks (blocker_id, blocked_id, created_at)
VALUES ($1, $2, now())
ON CONFLICT (blocker_id, blocked_id) DO NOTHING
`
	_, err := p.db.ExecContext(ctx, q, blockerID, blockedID)
	return err
}

func (p *PostgresSessions) Blocked(ctx context.Context, a, b string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM user_blocks
  WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)
)
`
	var blocked bool
	if err := p.db.QueryRowContext(ctx, q, a, b).Scan(&blocked); err != nil {
		return false, err
	}
	return blocked, nil
}
