package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viewmill/viewmill/internal/projection/storage"
)

const (
	// outboxDeadLetterThreshold is the attempt count at which a row stops
	// being retried and parks as dead.
	outboxDeadLetterThreshold = 8
	// outboxProcessingLease bounds how long a claimed row stays invisible
	// before it can be reclaimed.
	outboxProcessingLease = 2 * time.Minute
)

func outboxRetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Second << (attempt - 1)
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	return backoff
}

func normalizeOutboxStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case storage.OutboxStatusPending, storage.OutboxStatusProcessing, storage.OutboxStatusFailed, storage.OutboxStatusDead:
		return status
	default:
		return ""
	}
}

func normalizeOutboxIdentity(rec storage.ApplyOutboxRecord) (storage.ApplyOutboxRecord, error) {
	rec.Domain = strings.TrimSpace(rec.Domain)
	rec.EntityID = strings.TrimSpace(rec.EntityID)
	rec.ProjectorKey = strings.TrimSpace(rec.ProjectorKey)
	if rec.EntityID == "" {
		return rec, fmt.Errorf("entity id is required")
	}
	if rec.ProjectorKey == "" {
		return rec, fmt.Errorf("projector key is required")
	}
	return rec, nil
}

// EnqueueApply inserts a pending apply row. Re-enqueueing the same
// (domain, entity, seq, projector) identity is a no-op and reports false.
func (s *Store) EnqueueApply(ctx context.Context, rec storage.ApplyOutboxRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	rec, err := normalizeOutboxIdentity(rec)
	if err != nil {
		return false, err
	}

	payload := rec.PayloadJSON
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	enqueuedAt := time.Now().UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO projection_apply_outbox (
	domain, entity_id, seq, projector_key, message_id, correlation_id,
	payload_json, status, attempt_count, next_attempt_at, last_error,
	created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, '', $9, $10)
ON CONFLICT (domain, entity_id, seq, projector_key) DO NOTHING
`,
		rec.Domain,
		rec.EntityID,
		int64(rec.Sequence),
		rec.ProjectorKey,
		strings.TrimSpace(rec.MessageID),
		strings.TrimSpace(rec.CorrelationID),
		payload,
		toMillis(enqueuedAt),
		toMillis(enqueuedAt),
		toMillis(enqueuedAt),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue apply %s/%s: %w", rec.Domain, rec.EntityID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue apply rows affected %s/%s: %w", rec.Domain, rec.EntityID, err)
	}
	return affected > 0, nil
}

// ClaimApplyDue atomically claims up to limit rows that are due for an
// apply attempt, including processing rows whose lease has expired.
func (s *Store) ClaimApplyDue(ctx context.Context, now time.Time, limit int) ([]storage.ApplyOutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return []storage.ApplyOutboxRecord{}, nil
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	leaseCutoff := now.Add(-outboxProcessingLease)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT domain, entity_id, seq, projector_key, message_id, correlation_id,
	payload_json, status, attempt_count, next_attempt_at, last_error,
	created_at, updated_at
FROM projection_apply_outbox
WHERE (status IN ('pending', 'failed') AND next_attempt_at <= $1)
	OR (status = 'processing' AND updated_at <= $2)
ORDER BY next_attempt_at, seq
LIMIT $3
`, toMillis(now), toMillis(leaseCutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("select apply candidates: %w", err)
	}
	candidates, err := collectOutboxRows(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]storage.ApplyOutboxRecord, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE projection_apply_outbox
SET status = $1, updated_at = $2
WHERE domain = $3 AND entity_id = $4 AND seq = $5 AND projector_key = $6
	AND (
		(status IN ('pending', 'failed') AND next_attempt_at <= $7)
		OR (status = 'processing' AND updated_at <= $8)
	)
`,
			storage.OutboxStatusProcessing,
			toMillis(now),
			candidate.Domain,
			candidate.EntityID,
			int64(candidate.Sequence),
			candidate.ProjectorKey,
			toMillis(now),
			toMillis(leaseCutoff),
		)
		if err != nil {
			return nil, fmt.Errorf("claim apply %s/%s: %w", candidate.Domain, candidate.EntityID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim apply rows affected %s/%s: %w", candidate.Domain, candidate.EntityID, err)
		}
		if affected != 1 {
			continue
		}
		candidate.Status = storage.OutboxStatusProcessing
		candidate.UpdatedAt = now
		claimed = append(claimed, candidate)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim apply: %w", err)
	}
	return claimed, nil
}

// CompleteApply removes a claimed row after a successful apply.
func (s *Store) CompleteApply(ctx context.Context, rec storage.ApplyOutboxRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	rec, err := normalizeOutboxIdentity(rec)
	if err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM projection_apply_outbox
WHERE domain = $1 AND entity_id = $2 AND seq = $3 AND projector_key = $4
	AND status = 'processing'
`, rec.Domain, rec.EntityID, int64(rec.Sequence), rec.ProjectorKey)
	if err != nil {
		return fmt.Errorf("complete apply %s/%s: %w", rec.Domain, rec.EntityID, err)
	}
	return ensureOutboxSingleRow(result, rec, "complete apply", "deleted")
}

// MarkApplyRetry records a failed attempt on a claimed row. The row returns
// to failed with exponential backoff, or parks as dead once the attempt
// budget is spent.
func (s *Store) MarkApplyRetry(ctx context.Context, rec storage.ApplyOutboxRecord, applyErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	rec, err := normalizeOutboxIdentity(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempt := rec.Attempts + 1
	status := storage.OutboxStatusFailed
	if attempt >= outboxDeadLetterThreshold {
		status = storage.OutboxStatusDead
	}
	nextAttemptAt := now.Add(outboxRetryBackoff(attempt))

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE projection_apply_outbox
SET status = $1, attempt_count = $2, next_attempt_at = $3, last_error = $4, updated_at = $5
WHERE domain = $6 AND entity_id = $7 AND seq = $8 AND projector_key = $9
	AND status = 'processing'
`,
		status,
		attempt,
		toMillis(nextAttemptAt),
		strings.TrimSpace(applyErr),
		toMillis(now),
		rec.Domain,
		rec.EntityID,
		int64(rec.Sequence),
		rec.ProjectorKey,
	)
	if err != nil {
		return fmt.Errorf("mark apply retry %s/%s: %w", rec.Domain, rec.EntityID, err)
	}
	return ensureOutboxSingleRow(result, rec, "mark apply retry", "updated")
}

func ensureOutboxSingleRow(result sql.Result, rec storage.ApplyOutboxRecord, operation, verb string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %s/%s: %w", operation, rec.Domain, rec.EntityID, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %s/%s seq %d: %s %d rows", operation, rec.Domain, rec.EntityID, rec.Sequence, verb, affected)
	}
	return nil
}

// ListApplyOutbox returns outbox rows, optionally filtered by status,
// ordered by due time.
func (s *Store) ListApplyOutbox(ctx context.Context, status string, limit int) ([]storage.ApplyOutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}

	query := `
SELECT domain, entity_id, seq, projector_key, message_id, correlation_id,
	payload_json, status, attempt_count, next_attempt_at, last_error,
	created_at, updated_at
FROM projection_apply_outbox
`
	args := []any{}
	if trimmed := normalizeOutboxStatus(status); trimmed != "" {
		query += "WHERE status = $1\n"
		args = append(args, trimmed)
		query += "ORDER BY next_attempt_at, seq\nLIMIT $2"
	} else {
		query += "ORDER BY next_attempt_at, seq\nLIMIT $1"
	}
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list apply outbox: %w", err)
	}
	return collectOutboxRows(rows)
}

// GetApplyOutboxSummary reports per-status counts and the oldest row still
// waiting for an apply attempt.
func (s *Store) GetApplyOutboxSummary(ctx context.Context) (storage.ApplyOutboxSummary, error) {
	var summary storage.ApplyOutboxSummary
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if s == nil || s.sqlDB == nil {
		return summary, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM projection_apply_outbox
GROUP BY status
`)
	if err != nil {
		return summary, fmt.Errorf("summarize apply outbox: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan apply outbox summary: %w", err)
		}
		switch status {
		case storage.OutboxStatusPending:
			summary.PendingCount = count
		case storage.OutboxStatusProcessing:
			summary.ProcessingCount = count
		case storage.OutboxStatusFailed:
			summary.FailedCount = count
		case storage.OutboxStatusDead:
			summary.DeadCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate apply outbox summary: %w", err)
	}

	var entityID, domain string
	var seq int64
	var oldestAt int64
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT entity_id, domain, seq, next_attempt_at
FROM projection_apply_outbox
WHERE status IN ('pending', 'failed')
ORDER BY next_attempt_at, seq
LIMIT 1
`).Scan(&entityID, &domain, &seq, &oldestAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return summary, fmt.Errorf("find oldest pending apply: %w", err)
	}
	if err == nil {
		summary.OldestPendingEntityID = entityID
		summary.OldestPendingDomain = domain
		summary.OldestPendingSeq = uint64(seq)
		summary.OldestPendingAt = fromMillis(oldestAt)
	}
	return summary, nil
}

// RequeueDeadApply moves up to limit dead rows back to pending with a
// fresh attempt budget.
func (s *Store) RequeueDeadApply(ctx context.Context, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return 0, fmt.Errorf("limit must be positive")
	}

	now := toMillis(time.Now().UTC())
	result, err := s.sqlDB.ExecContext(ctx, `
WITH to_requeue AS (
	SELECT domain, entity_id, seq, projector_key
	FROM projection_apply_outbox
	WHERE status = 'dead'
	ORDER BY next_attempt_at, seq
	LIMIT $1
)
UPDATE projection_apply_outbox
SET status = 'pending', attempt_count = 0, next_attempt_at = $2, last_error = '', updated_at = $3
WHERE status = 'dead'
	AND EXISTS (
		SELECT 1 FROM to_requeue
		WHERE to_requeue.domain = projection_apply_outbox.domain
			AND to_requeue.entity_id = projection_apply_outbox.entity_id
			AND to_requeue.seq = projection_apply_outbox.seq
			AND to_requeue.projector_key = projection_apply_outbox.projector_key
	)
`, limit, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeue dead apply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead apply rows affected: %w", err)
	}
	return affected, nil
}

func collectOutboxRows(rows *sql.Rows) ([]storage.ApplyOutboxRecord, error) {
	defer rows.Close()

	records := []storage.ApplyOutboxRecord{}
	for rows.Next() {
		var rec storage.ApplyOutboxRecord
		var seq int64
		var nextAttemptAt, createdAt, updatedAt int64
		var lastError sql.NullString
		if err := rows.Scan(
			&rec.Domain,
			&rec.EntityID,
			&seq,
			&rec.ProjectorKey,
			&rec.MessageID,
			&rec.CorrelationID,
			&rec.PayloadJSON,
			&rec.Status,
			&rec.Attempts,
			&nextAttemptAt,
			&lastError,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan apply outbox row: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.NextAttemptAt = fromMillis(nextAttemptAt)
		rec.CreatedAt = fromMillis(createdAt)
		rec.UpdatedAt = fromMillis(updatedAt)
		if lastError.Valid {
			rec.LastError = lastError.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apply outbox rows: %w", err)
	}
	return records, nil
}

var _ storage.ApplyOutboxStore = (*Store)(nil)
