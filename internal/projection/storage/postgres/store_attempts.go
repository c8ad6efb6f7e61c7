package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/viewmill/viewmill/internal/projection/storage"
)

// RecordAttempt appends one row to the apply attempt journal.
func (s *Store) RecordAttempt(ctx context.Context, rec storage.AttemptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	rec.MessageID = strings.TrimSpace(rec.MessageID)
	if rec.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	rec.Outcome = strings.TrimSpace(rec.Outcome)
	if rec.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO apply_attempts (message_id, projector_key, outcome, attempt_count, last_error, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`,
		rec.MessageID,
		strings.TrimSpace(rec.ProjectorKey),
		rec.Outcome,
		rec.AttemptCount,
		strings.TrimSpace(rec.LastError),
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("record apply attempt %s: %w", rec.MessageID, err)
	}
	return nil
}

// ListAttempts returns the most recent attempt journal rows, newest first.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]storage.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, message_id, projector_key, outcome, attempt_count, last_error, created_at
FROM apply_attempts
ORDER BY created_at DESC, id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list apply attempts: %w", err)
	}
	defer rows.Close()

	records := []storage.AttemptRecord{}
	for rows.Next() {
		var rec storage.AttemptRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.ProjectorKey, &rec.Outcome, &rec.AttemptCount, &rec.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan apply attempt: %w", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apply attempts: %w", err)
	}
	return records, nil
}

var _ storage.AttemptStore = (*Store)(nil)
