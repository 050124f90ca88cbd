package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mobvibe/mobvibe/pkg/logger"
)

// CompactorConfig controls the two retention rules.
type CompactorConfig struct {
	// KeepLatestRevisionsCount is how many recent revisions keep their rows.
	// Older revisions are purged outright.
	KeepLatestRevisionsCount int
	// AckedEventRetentionDays is the age past which acknowledged events in
	// retained revisions become deletable.
	AckedEventRetentionDays int
	// MinEventsToKeep is the minimum number of most-recent rows kept per
	// revision regardless of age, protecting a replay window under
	// aggressive retention settings.
	MinEventsToKeep int
	// DryRun counts deletable rows without deleting or vacuuming.
	DryRun bool
}

// DefaultCompactorConfig returns the stock retention policy.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		KeepLatestRevisionsCount: 3,
		AckedEventRetentionDays:  7,
		MinEventsToKeep:          200,
	}
}

// SessionCompactionStats reports what one session's pass deleted.
type SessionCompactionStats struct {
	SessionID       string
	AckedDeleted    int64
	RevisionsPurged int64
	RowsPurged      int64
}

// CompactionStats aggregates a full sweep.
type CompactionStats struct {
	Sessions     []SessionCompactionStats
	Skipped      []string
	TotalDeleted int64
	Errors       int
}

// CompactionEntry is one row of the compaction audit table.
type CompactionEntry struct {
	SessionID      string
	Revision       int64
	Operation      string
	EventsAffected int64
	StartedAt      int64
	CompletedAt    int64
}

// Compactor reclaims WAL storage for inactive sessions. Sessions marked
// active are skipped entirely so a live streaming reader never races a
// delete of its tail.
type Compactor struct {
	store *Store
	cfg   CompactorConfig
	now   func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// NewCompactor creates a compactor over the store.
func NewCompactor(store *Store, cfg CompactorConfig) *Compactor {
	return &Compactor{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		active: make(map[string]struct{}),
	}
}

// MarkSessionActive excludes a session from compaction passes.
func (c *Compactor) MarkSessionActive(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[sessionID] = struct{}{}
}

// MarkSessionInactive makes a session eligible for compaction again.
func (c *Compactor) MarkSessionInactive(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, sessionID)
}

func (c *Compactor) isActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// CompactAll runs both retention rules over every known session. Per-session
// errors are logged and counted, never propagated, so one bad session cannot
// block the sweep. A storage-reclaim VACUUM runs only after a pass that
// actually deleted rows, and never in dry-run mode.
func (c *Compactor) CompactAll(ctx context.Context) (CompactionStats, error) {
	var stats CompactionStats

	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return stats, err
	}

	for _, session := range sessions {
		if c.isActive(session.SessionID) {
			stats.Skipped = append(stats.Skipped, session.SessionID)
			continue
		}
		sessionStats, err := c.CompactSession(ctx, session.SessionID, session.Revision)
		if err != nil {
			logger.Errorf("wal: compaction failed for session %s: %v", session.SessionID, err)
			stats.Errors++
			continue
		}
		stats.Sessions = append(stats.Sessions, sessionStats)
		stats.TotalDeleted += sessionStats.AckedDeleted + sessionStats.RowsPurged
	}

	if stats.TotalDeleted > 0 && !c.cfg.DryRun {
		if err := c.vacuum(ctx); err != nil {
			logger.Warnf("wal: vacuum failed: %v", err)
		}
	}
	return stats, nil
}

// CompactSession applies both retention rules to one session.
func (c *Compactor) CompactSession(ctx context.Context, sessionID string, currentRevision int64) (SessionCompactionStats, error) {
	stats := SessionCompactionStats{SessionID: sessionID}

	revisions, err := c.store.ListRevisions(ctx, sessionID)
	if err != nil {
		return stats, err
	}

	oldestKept := currentRevision - int64(c.cfg.KeepLatestRevisionsCount) + 1

	for _, revision := range revisions {
		if revision < oldestKept {
			// Rule 2: purge superseded revisions outright.
			deleted, err := c.purgeRevision(ctx, sessionID, revision)
			if err != nil {
				return stats, err
			}
			if deleted > 0 {
				stats.RevisionsPurged++
				stats.RowsPurged += deleted
			}
			continue
		}

		// Rule 1: drop old acknowledged events, keeping a minimum replay
		// window of most-recent rows.
		deleted, err := c.deleteAckedEvents(ctx, sessionID, revision)
		if err != nil {
			return stats, err
		}
		stats.AckedDeleted += deleted
	}

	return stats, nil
}

func (c *Compactor) deleteAckedEvents(ctx context.Context, sessionID string, revision int64) (int64, error) {
	started := c.now().UnixMilli()
	cutoff := c.now().Add(-time.Duration(c.cfg.AckedEventRetentionDays) * 24 * time.Hour).UnixMilli()

	// Protect the MinEventsToKeep most recent rows: find the seq below which
	// deletion is allowed.
	var protectSeq int64
	err := c.store.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(seq), 0) FROM (
			SELECT seq FROM session_events
			WHERE session_id = ? AND revision = ?
			ORDER BY seq DESC LIMIT ?
		)`,
		sessionID, revision, c.cfg.MinEventsToKeep,
	).Scan(&protectSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to find protected seq for %s/%d: %w", sessionID, revision, err)
	}

	where := "session_id = ? AND revision = ? AND acked_at IS NOT NULL AND acked_at < ? AND seq < ?"
	args := []any{sessionID, revision, cutoff, protectSeq}

	var affected int64
	if c.cfg.DryRun {
		err = c.store.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM session_events WHERE "+where, args...,
		).Scan(&affected)
		if err != nil {
			return 0, fmt.Errorf("failed to count acked events for %s/%d: %w", sessionID, revision, err)
		}
	} else {
		res, err := c.store.db.ExecContext(ctx,
			"DELETE FROM session_events WHERE "+where, args...,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to delete acked events for %s/%d: %w", sessionID, revision, err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count deleted rows for %s/%d: %w", sessionID, revision, err)
		}
	}

	if affected > 0 {
		if err := c.logCompaction(ctx, sessionID, revision, "delete_acked", affected, started); err != nil {
			return affected, err
		}
	}
	return affected, nil
}

func (c *Compactor) purgeRevision(ctx context.Context, sessionID string, revision int64) (int64, error) {
	started := c.now().UnixMilli()

	var affected int64
	if c.cfg.DryRun {
		var err error
		affected, err = c.store.CountEvents(ctx, sessionID, revision)
		if err != nil {
			return 0, err
		}
	} else {
		res, err := c.store.db.ExecContext(ctx,
			"DELETE FROM session_events WHERE session_id = ? AND revision = ?",
			sessionID, revision,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to purge revision %s/%d: %w", sessionID, revision, err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count purged rows for %s/%d: %w", sessionID, revision, err)
		}
	}

	if affected > 0 {
		if err := c.logCompaction(ctx, sessionID, revision, "purge_revision", affected, started); err != nil {
			return affected, err
		}
	}
	return affected, nil
}

func (c *Compactor) logCompaction(ctx context.Context, sessionID string, revision int64, operation string, affected, startedAt int64) error {
	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO compaction_log (session_id, revision, operation, events_affected, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, revision, operation, affected, startedAt, c.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to log compaction for %s/%d: %w", sessionID, revision, err)
	}
	return nil
}

// vacuum reclaims disk space. Expensive, so callers gate it on a pass that
// actually deleted rows.
func (c *Compactor) vacuum(ctx context.Context) error {
	_, err := c.store.db.ExecContext(ctx, "VACUUM")
	return err
}

// CompactionLog returns the audit entries for a session, oldest first.
func (c *Compactor) CompactionLog(ctx context.Context, sessionID string) ([]CompactionEntry, error) {
	rows, err := c.store.db.QueryContext(ctx, `
		SELECT session_id, revision, operation, events_affected, started_at, completed_at
		FROM compaction_log WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read compaction log for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []CompactionEntry
	for rows.Next() {
		var e CompactionEntry
		if err := rows.Scan(&e.SessionID, &e.Revision, &e.Operation, &e.EventsAffected, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
