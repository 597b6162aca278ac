package call

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"callflow/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// PGStore is the durable Store implementation.
//
// NOTE: This store assumes the following tables exist:
// - call_sessions
// - call_busy (user_id PRIMARY KEY, session_id): busy claims for the
//   single-active-session invariant
// - call_queue (UNIQUE (caller, callee))
// - call_events (append-only, seq BIGSERIAL for stable ordering)
//
// Claim conflicts surface as unique violations and map to ErrAlreadyBusy;
// session rows are locked with SELECT ... FOR UPDATE so the expected-state
// compare and the write commit atomically.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *PGStore) CreateSession(ctx context.Context, s *Session, events []Event) error {
	return utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const claimQ = `INSERT INTO call_busy (user_id, session_id) VALUES ($1, $2)`
		for _, user := range []string{s.Caller, s.Callee} {
			if _, err := tx.ExecContext(ctx, claimQ, user, s.ID); err != nil {
				if isUniqueViolation(err) {
					return ErrAlreadyBusy
				}
				return err
			}
		}

		const q = `
INSERT INTO call_sessions (
  id, kind, state, caller, callee, moderator, room_ref, created_at,
  acknowledged_at, accepted_at, ended_at, end_reason,
  caller_heartbeat_at, callee_heartbeat_at,
  caller_backgrounded, callee_backgrounded, caller_left, callee_left
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)
`
		if _, err := tx.ExecContext(ctx, q,
			s.ID, s.Kind, s.State, s.Caller, s.Callee, s.Moderator, s.RoomRef, s.CreatedAt,
			nullTime(s.AcknowledgedAt), nullTime(s.AcceptedAt), nullTime(s.EndedAt), string(s.EndReason),
			nullMapTime(s.LastHeartbeat, s.Caller), nullMapTime(s.LastHeartbeat, s.Callee),
			s.Backgrounded[s.Caller], s.Backgrounded[s.Callee], s.Left[s.Caller], s.Left[s.Callee],
		); err != nil {
			return err
		}
		return insertEvents(ctx, tx, events)
	})
}

func (p *PGStore) GetSession(ctx context.Context, id string) (*Session, error) {
	const q = sessionSelect + ` WHERE id = $1`
	row := p.db.QueryRowContext(ctx, q, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (p *PGStore) UpdateSession(ctx context.Context, id string, expected State, mutate MutateFunc) (*Session, error) {
	var out *Session
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = sessionSelect + ` WHERE id = $1 FOR UPDATE`
		s, err := scanSession(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if expected == AnyActive {
			if s.State.IsTerminal() {
				return ErrInvalidTransition
			}
		} else if s.State != expected {
			return ErrInvalidTransition
		}

		prev := s.State
		events, err := mutate(s)
		if err != nil {
			return err
		}
		if s.State != prev && !prev.CanTransitionTo(s.State) {
			return ErrInvalidTransition
		}

		const upd = `
UPDATE call_sessions SET
  state = $2, acknowledged_at = $3, accepted_at = $4, ended_at = $5, end_reason = $6,
  caller_heartbeat_at = $7, callee_heartbeat_at = $8,
  caller_backgrounded = $9, callee_backgrounded = $10,
  caller_left = $11, callee_left = $12
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, upd,
			s.ID, s.State,
			nullTime(s.AcknowledgedAt), nullTime(s.AcceptedAt), nullTime(s.EndedAt), string(s.EndReason),
			nullMapTime(s.LastHeartbeat, s.Caller), nullMapTime(s.LastHeartbeat, s.Callee),
			s.Backgrounded[s.Caller], s.Backgrounded[s.Callee], s.Left[s.Caller], s.Left[s.Callee],
		); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		if s.State.IsTerminal() {
			const release = `DELETE FROM call_busy WHERE session_id = $1`
			if _, err := tx.ExecContext(ctx, release, s.ID); err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PGStore) ActiveSessionFor(ctx context.Context, user string) (*Session, bool, error) {
	const q = sessionSelect + `
 WHERE id = (SELECT session_id FROM call_busy WHERE user_id = $1)`
	s, err := scanSession(p.db.QueryRowContext(ctx, q, user))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return s, true, nil
}

func (p *PGStore) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	const q = sessionSelect + `
 WHERE state IN ('calling','ringing','accepted') ORDER BY created_at`
	return p.querySessions(ctx, q)
}

func (p *PGStore) SessionsEndedBetween(ctx context.Context, from, to time.Time) ([]*Session, error) {
	const q = sessionSelect + `
 WHERE ended_at IS NOT NULL AND ended_at >= $1 AND ended_at < $2 ORDER BY ended_at`
	return p.querySessions(ctx, q, from, to)
}

func (p *PGStore) querySessions(ctx context.Context, q string, args ...any) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PGStore) SessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	const q = `
SELECT id, session_id, type, actor, caller, callee, kind, state, status, recipients, metadata, created_at
FROM call_events
WHERE session_id = $1
ORDER BY seq
`
	rows, err := p.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var recipients string
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Type, &e.Actor, &e.Caller, &e.Callee,
			&e.Kind, &e.State, &e.Status, &recipients, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if recipients != "" {
			e.Recipients = strings.Split(recipients, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PGStore) CreateQueueEntry(ctx context.Context, e QueueEntry, events []Event) (QueueEntry, bool, error) {
	var out QueueEntry
	var created bool
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const existingQ = `
SELECT id, caller, callee, kind, created_at, expires_at
FROM call_queue
WHERE caller = $1 AND callee = $2
LIMIT 1
`
		var existing QueueEntry
		err := tx.QueryRowContext(ctx, existingQ, e.Caller, e.Callee).Scan(
			&existing.ID, &existing.Caller, &existing.Callee, &existing.Kind, &existing.CreatedAt, &existing.ExpiresAt,
		)
		if err == nil {
			if !existing.Expired(e.CreatedAt) {
				out = existing
				return nil
			}
			// A dead entry must not suppress a fresh attempt for the pair.
			if _, err := tx.ExecContext(ctx, `DELETE FROM call_queue WHERE id = $1`, existing.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		const q = `
INSERT INTO call_queue (id, caller, callee, kind, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
		if _, err := tx.ExecContext(ctx, q, e.ID, e.Caller, e.Callee, e.Kind, e.CreatedAt, e.ExpiresAt); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		out = e
		created = true
		return nil
	})
	if err != nil {
		return QueueEntry{}, false, err
	}
	return out, created, nil
}

func (p *PGStore) GetQueueEntry(ctx context.Context, id string) (QueueEntry, error) {
	const q = `
SELECT id, caller, callee, kind, created_at, expires_at
FROM call_queue
WHERE id = $1
`
	var e QueueEntry
	if err := p.db.QueryRowContext(ctx, q, id).Scan(&e.ID, &e.Caller, &e.Callee, &e.Kind, &e.CreatedAt, &e.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueEntry{}, ErrNotFound
		}
		return QueueEntry{}, err
	}
	return e, nil
}

func (p *PGStore) DeleteQueueEntry(ctx context.Context, id string) error {
	const q = `DELETE FROM call_queue WHERE id = $1`
	res, err := p.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) ListQueueFor(ctx context.Context, callee string) ([]QueueEntry, error) {
	const q = `
SELECT id, caller, callee, kind, created_at, expires_at
FROM call_queue
WHERE callee = $1
ORDER BY created_at
`
	return p.queryQueue(ctx, q, callee)
}

func (p *PGStore) ExpiredQueueEntries(ctx context.Context, now time.Time) ([]QueueEntry, error) {
	const q = `
SELECT id, caller, callee, kind, created_at, expires_at
FROM call_queue
WHERE expires_at <= $1
ORDER BY created_at
`
	return p.queryQueue(ctx, q, now)
}

func (p *PGStore) queryQueue(ctx context.Context, q string, args ...any) ([]QueueEntry, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]QueueEntry, 0)
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.Caller, &e.Callee, &e.Kind, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PGStore) QueueDepth(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM call_queue`
	var n int
	if err := p.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

const sessionSelect = `
SELECT id, kind, state, caller, callee, moderator, room_ref, created_at,
       acknowledged_at, accepted_at, ended_at, end_reason,
       caller_heartbeat_at, callee_heartbeat_at,
       caller_backgrounded, callee_backgrounded, caller_left, callee_left
FROM call_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var ackAt, accAt, endAt, callerHB, calleeHB sql.NullTime
	var reason sql.NullString
	var callerBG, calleeBG, callerLeft, calleeLeft bool

	if err := row.Scan(
		&s.ID, &s.Kind, &s.State, &s.Caller, &s.Callee, &s.Moderator, &s.RoomRef, &s.CreatedAt,
		&ackAt, &accAt, &endAt, &reason,
		&callerHB, &calleeHB, &callerBG, &calleeBG, &callerLeft, &calleeLeft,
	); err != nil {
		return nil, err
	}

	s.AcknowledgedAt = timePtr(ackAt)
	s.AcceptedAt = timePtr(accAt)
	s.EndedAt = timePtr(endAt)
	s.EndReason = EndReason(reason.String)

	s.LastHeartbeat = map[string]time.Time{}
	if callerHB.Valid {
		s.LastHeartbeat[s.Caller] = callerHB.Time
	}
	if calleeHB.Valid {
		s.LastHeartbeat[s.Callee] = calleeHB.Time
	}
	s.Backgrounded = map[string]bool{s.Caller: callerBG, s.Callee: calleeBG}
	s.Left = map[string]bool{}
	if callerLeft {
		s.Left[s.Caller] = true
	}
	if calleeLeft {
		s.Left[s.Callee] = true
	}
	return &s, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []Event) error {
	const q = `
INSERT INTO call_events (
  id, session_id, type, actor, caller, callee, kind, state, status, recipients, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, q,
			e.ID, e.SessionID, e.Type, e.Actor, e.Caller, e.Callee, e.Kind, e.State,
			string(e.Status), strings.Join(e.Recipients, ","), e.Metadata, e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullMapTime(m map[string]time.Time, key string) sql.NullTime {
	if t, ok := m[key]; ok {
		return sql.NullTime{Time: t, Valid: true}
	}
	return sql.NullTime{}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}
