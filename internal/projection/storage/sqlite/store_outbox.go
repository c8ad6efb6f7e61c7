package sqlite

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
	outboxDeadLetterThreshold = 8
	outboxProcessingLease     = 2 * time.Minute
)

func outboxRetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := time.Second << (attempt - 1)
	if backoff > 5*time.Minute {
		return 5 * time.Minute
	}
	return backoff
}

func normalizeOutboxStatus(status string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(status))
	if normalized == "" {
		return "", nil
	}
	switch normalized {
	case storage.OutboxStatusPending, storage.OutboxStatusProcessing, storage.OutboxStatusFailed, storage.OutboxStatusDead:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid outbox status %q", status)
	}
}

func normalizeOutboxIdentity(rec storage.ApplyOutboxRecord) (storage.ApplyOutboxRecord, error) {
	rec.Domain = strings.TrimSpace(rec.Domain)
	rec.EntityID = strings.TrimSpace(rec.EntityID)
	rec.ProjectorKey = strings.TrimSpace(rec.ProjectorKey)
	rec.MessageID = strings.TrimSpace(rec.MessageID)
	rec.CorrelationID = strings.TrimSpace(rec.CorrelationID)
	if rec.EntityID == "" {
		return rec, fmt.Errorf("entity id is required")
	}
	if rec.ProjectorKey == "" {
		return rec, fmt.Errorf("projector key is required")
	}
	return rec, nil
}

// EnqueueApply inserts a pending apply row. A row with the same identity is
// left untouched and reported as false.
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

	enqueuedAt := time.Now().UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO projection_apply_outbox (
	domain, entity_id, seq, projector_key, message_id, correlation_id, payload_json,
	status, attempt_count, next_attempt_at, last_error, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?, ?)
ON CONFLICT(domain, entity_id, seq, projector_key) DO NOTHING
`,
		rec.Domain,
		rec.EntityID,
		int64(rec.Sequence),
		rec.ProjectorKey,
		rec.MessageID,
		rec.CorrelationID,
		rec.PayloadJSON,
		toMillis(enqueuedAt),
		toMillis(enqueuedAt),
		toMillis(enqueuedAt),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue projection apply %s/%d: %w", rec.EntityID, rec.Sequence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue projection apply rows affected %s/%d: %w", rec.EntityID, rec.Sequence, err)
	}
	return affected > 0, nil
}

// ClaimApplyDue claims up to limit due outbox rows for this worker. Due
// rows are pending/failed with next_attempt_at reached, plus processing
// rows whose claim lease expired. Claims are per-row guarded updates so
// concurrent workers never share a row.
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
		now = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim tx: %w", err)
	}
	defer tx.Rollback()

	staleBefore := now.Add(-outboxProcessingLease)
	rows, err := tx.QueryContext(ctx, `
SELECT domain, entity_id, seq, projector_key, message_id, correlation_id, payload_json,
	status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM projection_apply_outbox
WHERE (
	status IN ('pending', 'failed') AND next_attempt_at <= ?
) OR (
	status = 'processing' AND updated_at <= ?
)
ORDER BY next_attempt_at, seq
LIMIT ?
`,
		toMillis(now),
		toMillis(staleBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due outbox rows: %w", err)
	}
	defer rows.Close()

	candidates := make([]storage.ApplyOutboxRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanOutboxRow(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan due outbox row: %w", scanErr)
		}
		candidates = append(candidates, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due outbox rows: %w", err)
	}

	claimed := make([]storage.ApplyOutboxRecord, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE projection_apply_outbox
SET status = 'processing', updated_at = ?
WHERE domain = ? AND entity_id = ? AND seq = ? AND projector_key = ?
  AND (
	(status IN ('pending', 'failed') AND next_attempt_at <= ?)
	OR (status = 'processing' AND updated_at <= ?)
  )
`,
			toMillis(now),
			candidate.Domain,
			candidate.EntityID,
			int64(candidate.Sequence),
			candidate.ProjectorKey,
			toMillis(now),
			toMillis(staleBefore),
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox row %s/%d: %w", candidate.EntityID, candidate.Sequence, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim outbox row rows affected %s/%d: %w", candidate.EntityID, candidate.Sequence, err)
		}
		if affected == 1 {
			candidate.Status = storage.OutboxStatusProcessing
			candidate.UpdatedAt = now
			claimed = append(claimed, candidate)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim tx: %w", err)
	}
	return claimed, nil
}

// CompleteApply removes a processed outbox row. The row must still be in
// processing state, otherwise the claim was lost and completing is an error.
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
WHERE domain = ? AND entity_id = ? AND seq = ? AND projector_key = ? AND status = 'processing'
`,
		rec.Domain,
		rec.EntityID,
		int64(rec.Sequence),
		rec.ProjectorKey,
	)
	if err != nil {
		return fmt.Errorf("complete outbox row %s/%d: %w", rec.EntityID, rec.Sequence, err)
	}
	return ensureOutboxSingleRow(result, rec, "complete outbox row", "deleted")
}

// MarkApplyRetry schedules a claimed row for retry with exponential backoff,
// or parks it dead once the attempt budget is exhausted.
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
	nextAttempt := now.Add(outboxRetryBackoff(attempt))

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE projection_apply_outbox
SET status = ?,
	attempt_count = ?,
	next_attempt_at = ?,
	last_error = ?,
	updated_at = ?
WHERE domain = ? AND entity_id = ? AND seq = ? AND projector_key = ? AND status = 'processing'
`,
		status,
		attempt,
		toMillis(nextAttempt),
		strings.TrimSpace(applyErr),
		toMillis(now),
		rec.Domain,
		rec.EntityID,
		int64(rec.Sequence),
		rec.ProjectorKey,
	)
	if err != nil {
		return fmt.Errorf("mark outbox retry for row %s/%d: %w", rec.EntityID, rec.Sequence, err)
	}
	return ensureOutboxSingleRow(result, rec, "mark outbox retry for row", "updated")
}

func ensureOutboxSingleRow(result sql.Result, rec storage.ApplyOutboxRecord, operation, verb string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %s/%d: %w", operation, rec.EntityID, rec.Sequence, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %s/%d: expected 1 row %s, got %d", operation, rec.EntityID, rec.Sequence, verb, affected)
	}
	return nil
}

// ListApplyOutbox lists outbox rows optionally filtered by status.
func (s *Store) ListApplyOutbox(ctx context.Context, status string, limit int) ([]storage.ApplyOutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return []storage.ApplyOutboxRecord{}, nil
	}
	normalizedStatus, err := normalizeOutboxStatus(status)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if normalizedStatus == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT domain, entity_id, seq, projector_key, message_id, correlation_id, payload_json,
	status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM projection_apply_outbox
ORDER BY next_attempt_at ASC, seq ASC
LIMIT ?
`, limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT domain, entity_id, seq, projector_key, message_id, correlation_id, payload_json,
	status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM projection_apply_outbox
WHERE status = ?
ORDER BY next_attempt_at ASC, seq ASC
LIMIT ?
`, normalizedStatus, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list outbox rows: %w", err)
	}
	defer rows.Close()

	records := make([]storage.ApplyOutboxRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanOutboxRow(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan outbox row: %w", scanErr)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return records, nil
}

// GetApplyOutboxSummary returns queue depth by status and the oldest
// pending/failed row metadata.
func (s *Store) GetApplyOutboxSummary(ctx context.Context) (storage.ApplyOutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.ApplyOutboxSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ApplyOutboxSummary{}, fmt.Errorf("storage is not configured")
	}

	summary := storage.ApplyOutboxSummary{}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM projection_apply_outbox
GROUP BY status
`)
	if err != nil {
		return storage.ApplyOutboxSummary{}, fmt.Errorf("query outbox summary counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.ApplyOutboxSummary{}, fmt.Errorf("scan outbox summary count: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(status)) {
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
		return storage.ApplyOutboxSummary{}, fmt.Errorf("iterate outbox summary counts: %w", err)
	}

	var (
		domain      string
		entityID    string
		seq         int64
		nextAttempt int64
	)
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT domain, entity_id, seq, next_attempt_at
FROM projection_apply_outbox
WHERE status IN ('pending', 'failed')
ORDER BY next_attempt_at ASC, seq ASC
LIMIT 1
`).Scan(&domain, &entityID, &seq, &nextAttempt)
	if err == nil {
		summary.OldestPendingDomain = domain
		summary.OldestPendingEntityID = entityID
		summary.OldestPendingSeq = uint64(seq)
		summary.OldestPendingAt = fromMillis(nextAttempt)
		return summary, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return summary, nil
	}
	return storage.ApplyOutboxSummary{}, fmt.Errorf("query oldest pending outbox row: %w", err)
}

// RequeueDeadApply transitions up to limit dead outbox rows back to pending
// in deterministic retry order and reports how many moved.
func (s *Store) RequeueDeadApply(ctx context.Context, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return 0, fmt.Errorf("outbox requeue limit must be greater than zero")
	}

	now := time.Now().UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
WITH to_requeue AS (
	SELECT domain, entity_id, seq, projector_key
	FROM projection_apply_outbox
	WHERE status = 'dead'
	ORDER BY next_attempt_at ASC, seq ASC
	LIMIT ?
)
UPDATE projection_apply_outbox
SET status = 'pending',
	attempt_count = 0,
	next_attempt_at = ?,
	last_error = '',
	updated_at = ?
WHERE status = 'dead'
  AND EXISTS (
	SELECT 1
	FROM to_requeue
	WHERE to_requeue.domain = projection_apply_outbox.domain
	  AND to_requeue.entity_id = projection_apply_outbox.entity_id
	  AND to_requeue.seq = projection_apply_outbox.seq
	  AND to_requeue.projector_key = projection_apply_outbox.projector_key
  )
`,
		limit,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows affected: %w", err)
	}
	return affected, nil
}

func scanOutboxRow(scan func(...any) error) (storage.ApplyOutboxRecord, error) {
	var (
		rec         storage.ApplyOutboxRecord
		seq         int64
		nextAttempt int64
		lastError   sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := scan(
		&rec.Domain,
		&rec.EntityID,
		&seq,
		&rec.ProjectorKey,
		&rec.MessageID,
		&rec.CorrelationID,
		&rec.PayloadJSON,
		&rec.Status,
		&rec.Attempts,
		&nextAttempt,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.ApplyOutboxRecord{}, err
	}
	rec.Sequence = uint64(seq)
	rec.NextAttemptAt = fromMillis(nextAttempt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return rec, nil
}

var _ storage.ApplyOutboxStore = (*Store)(nil)
