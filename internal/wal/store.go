package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

// queryRetries bounds retries for read queries before surfacing the error.
const queryRetries = 3

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	SessionID string
	Revision  int64
	MachineID string
	UserID    string
	BackendID string
	Cwd       string
	State     string
	LastSeq   int64
	CreatedAt int64
	UpdatedAt int64
}

// Event is one row of the session_events table. AckedAt is nil until a
// subscriber confirms receipt. Timestamps are unix milliseconds.
type Event struct {
	ID        int64
	SessionID string
	Revision  int64
	Seq       int64
	Kind      string
	Payload   json.RawMessage
	AckedAt   *int64
	CreatedAt int64
}

// Stubbed reports whether the event's payload was replaced by a
// consolidation stub.
func (e Event) Stubbed() bool {
	return wire.IsStubPayload(e.Payload)
}

// Store provides the append-only WAL operations over a sqlite database.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore creates a Store over an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

// EnsureSessionParams describes the session row to create or load.
type EnsureSessionParams struct {
	SessionID string
	MachineID string
	UserID    string
	BackendID string
	Cwd       string
}

// EnsureSessionResult reports whether the session already existed and, if so,
// the revision and last sequence number to resume from.
type EnsureSessionResult struct {
	Fresh    bool
	Revision int64
	LastSeq  int64
}

// EnsureSession idempotently creates or loads the session metadata row. For
// an existing session the returned LastSeq seeds the sequence generator so a
// restarted CLI never reuses sequence numbers.
func (s *Store) EnsureSession(ctx context.Context, params EnsureSessionParams) (EnsureSessionResult, error) {
	var (
		revision int64
		lastSeq  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT revision, last_seq FROM sessions WHERE session_id = ?",
		params.SessionID,
	).Scan(&revision, &lastSeq)
	if err == nil {
		return EnsureSessionResult{Fresh: false, Revision: revision, LastSeq: lastSeq}, nil
	}
	if err != sql.ErrNoRows {
		return EnsureSessionResult{}, fmt.Errorf("failed to load session %s: %w", params.SessionID, err)
	}

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, revision, machine_id, user_id, backend_id, cwd, state, last_seq, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?, 'idle', 0, ?, ?)`,
		params.SessionID, params.MachineID, params.UserID, params.BackendID, params.Cwd, now, now,
	)
	if err != nil {
		return EnsureSessionResult{}, fmt.Errorf("failed to create session %s: %w", params.SessionID, err)
	}
	return EnsureSessionResult{Fresh: true, Revision: 1, LastSeq: 0}, nil
}

// BumpRevision increments the session's revision (reconnect/reload) and
// resets its last_seq. Returns the new revision.
func (s *Store) BumpRevision(ctx context.Context, sessionID string) (int64, error) {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET revision = revision + 1, last_seq = 0, updated_at = ? WHERE session_id = ?",
		now, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bump revision for %s: %w", sessionID, err)
	}

	var revision int64
	err = s.db.QueryRowContext(ctx,
		"SELECT revision FROM sessions WHERE session_id = ?", sessionID,
	).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("failed to read revision for %s: %w", sessionID, err)
	}
	return revision, nil
}

// UpdateSessionState records a session state transition.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID, state string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET state = ?, updated_at = ? WHERE session_id = ?",
		state, s.now().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update state for %s: %w", sessionID, err)
	}
	return nil
}

// AppendEventParams describes one event row to append.
type AppendEventParams struct {
	SessionID string
	Revision  int64
	Seq       int64
	Kind      string
	Payload   json.RawMessage
}

// AppendEvent durably inserts one event row. The write completing is the
// durability boundary: replay-on-reconnect only ever sees WAL contents.
// Storage errors are fatal to the event and must be surfaced by the caller.
func (s *Store) AppendEvent(ctx context.Context, params AppendEventParams) (Event, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, revision, seq, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		params.SessionID, params.Revision, params.Seq, params.Kind, string(params.Payload), now,
	)
	if err != nil {
		return Event{}, fmt.Errorf("failed to append event %s/%d/%d: %w",
			params.SessionID, params.Revision, params.Seq, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("failed to read event id: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE sessions SET last_seq = ?, updated_at = ? WHERE session_id = ? AND last_seq < ?",
		params.Seq, now, params.SessionID, params.Seq,
	)
	if err != nil {
		return Event{}, fmt.Errorf("failed to advance last_seq for %s: %w", params.SessionID, err)
	}

	return Event{
		ID:        id,
		SessionID: params.SessionID,
		Revision:  params.Revision,
		Seq:       params.Seq,
		Kind:      params.Kind,
		Payload:   params.Payload,
		CreatedAt: now,
	}, nil
}

// QueryEventsParams is a sequence range query. FromSeq is inclusive; ToSeq of
// zero means "to the end". Limit of zero means no limit.
type QueryEventsParams struct {
	SessionID string
	Revision  int64
	FromSeq   int64
	ToSeq     int64
	Limit     int64
}

// QueryEvents returns events ordered by seq. Stubbed rows are included so
// seq-based pagination never observes gaps; callers skip them via Stubbed().
// Read errors are retried a bounded number of times before surfacing.
func (s *Store) QueryEvents(ctx context.Context, params QueryEventsParams) ([]Event, error) {
	var (
		events []Event
		err    error
	)
	for attempt := 0; attempt < queryRetries; attempt++ {
		events, err = s.queryEventsOnce(ctx, params)
		if err == nil {
			return events, nil
		}
		logger.Warnf("wal: query events %s/%d attempt %d failed: %v",
			params.SessionID, params.Revision, attempt+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("failed to query events for %s/%d: %w", params.SessionID, params.Revision, err)
}

func (s *Store) queryEventsOnce(ctx context.Context, params QueryEventsParams) ([]Event, error) {
	query := `
		SELECT id, session_id, revision, seq, kind, payload, acked_at, created_at
		FROM session_events
		WHERE session_id = ? AND revision = ? AND seq >= ?`
	args := []any{params.SessionID, params.Revision, params.FromSeq}
	if params.ToSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, params.ToSeq)
	}
	query += " ORDER BY seq ASC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			payload string
			acked   sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Revision, &ev.Seq, &ev.Kind, &payload, &acked, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		if acked.Valid {
			ev.AckedAt = &acked.Int64
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpdateEventPayload replaces one event's payload in place. Used exclusively
// by the consolidator; the seq slot is never touched.
func (s *Store) UpdateEventPayload(ctx context.Context, id int64, payload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE session_events SET payload = ? WHERE id = ?",
		string(payload), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of event %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("event %d not found", id)
	}
	return nil
}

// StubEventPayloads replaces the payloads of consolidated rows with the stub
// placeholder, preserving their seq slots.
func (s *Store) StubEventPayloads(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stub transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE session_events SET payload = ? WHERE id = ?",
			string(wire.StubPayload), id,
		); err != nil {
			return fmt.Errorf("failed to stub event %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// AckEvents marks all events up to and including throughSeq as acknowledged.
// Already-acked rows keep their original timestamp.
func (s *Store) AckEvents(ctx context.Context, sessionID string, revision, throughSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_events SET acked_at = ?
		WHERE session_id = ? AND revision = ? AND seq <= ? AND acked_at IS NULL`,
		s.now().UnixMilli(), sessionID, revision, throughSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to ack events for %s/%d: %w", sessionID, revision, err)
	}
	return nil
}

// ListSessions enumerates all known sessions for background compaction sweeps.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, revision, machine_id, user_id, backend_id, cwd, state, last_seq, created_at, updated_at
		FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.Revision, &rec.MachineID, &rec.UserID,
			&rec.BackendID, &rec.Cwd, &rec.State, &rec.LastSeq, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// CountEvents returns the number of rows for a (session, revision) pair.
func (s *Store) CountEvents(ctx context.Context, sessionID string, revision int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_events WHERE session_id = ? AND revision = ?",
		sessionID, revision,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events for %s/%d: %w", sessionID, revision, err)
	}
	return count, nil
}

// ListRevisions returns all revisions with rows for a session, ascending.
func (s *Store) ListRevisions(ctx context.Context, sessionID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT revision FROM session_events WHERE session_id = ? ORDER BY revision ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var revisions []int64
	for rows.Next() {
		var rev int64
		if err := rows.Scan(&rev); err != nil {
			return nil, err
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}
