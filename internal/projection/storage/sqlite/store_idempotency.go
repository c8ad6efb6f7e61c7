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

// CheckAndRecord atomically tests whether a message was already processed
// and records it when new. Under concurrent calls for the same key exactly
// one caller observes true; the insert itself is the arbiter.
func (s *Store) CheckAndRecord(ctx context.Context, rec storage.IdempotencyRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	rec.MessageID = strings.TrimSpace(rec.MessageID)
	rec.Domain = strings.TrimSpace(rec.Domain)
	rec.CorrelationID = strings.TrimSpace(rec.CorrelationID)
	if rec.MessageID == "" {
		return false, fmt.Errorf("message id is required")
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}

	const (
		maxBusyRetries = 8
		retryBaseDelay = 10 * time.Millisecond
	)

	waitForRetry := func(attempt int) error {
		delay := time.Duration(attempt+1) * retryBaseDelay
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	for attempt := 0; ; attempt++ {
		result, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO processed_messages (message_id, domain, correlation_id, processed_at)
VALUES (?, ?, ?, ?)
`,
			rec.MessageID,
			rec.Domain,
			rec.CorrelationID,
			toMillis(rec.ProcessedAt),
		)
		if err != nil {
			if isSQLiteBusyError(err) && attempt < maxBusyRetries {
				if waitErr := waitForRetry(attempt); waitErr != nil {
					return false, waitErr
				}
				continue
			}
			return false, fmt.Errorf("record processed message %s: %w", rec.MessageID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("record processed message rows affected %s: %w", rec.MessageID, err)
		}
		return affected > 0, nil
	}
}

// IsProcessed reports whether a message was already recorded. The probe is
// read-only and non-atomic with respect to concurrent CheckAndRecord calls.
func (s *Store) IsProcessed(ctx context.Context, messageID, domain string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	domain = strings.TrimSpace(domain)
	if messageID == "" {
		return false, fmt.Errorf("message id is required")
	}

	var one int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1
FROM processed_messages
WHERE domain = ? AND message_id = ?
`, domain, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed message %s: %w", messageID, err)
	}
	return true, nil
}

// MarkProcessed records a message unconditionally, for seeding and backfill.
// An existing marker is overwritten with the new correlation and timestamp.
func (s *Store) MarkProcessed(ctx context.Context, rec storage.IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	rec.MessageID = strings.TrimSpace(rec.MessageID)
	rec.Domain = strings.TrimSpace(rec.Domain)
	rec.CorrelationID = strings.TrimSpace(rec.CorrelationID)
	if rec.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO processed_messages (message_id, domain, correlation_id, processed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(domain, message_id) DO UPDATE SET
	correlation_id = excluded.correlation_id,
	processed_at = excluded.processed_at
`,
		rec.MessageID,
		rec.Domain,
		rec.CorrelationID,
		toMillis(rec.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("mark processed message %s: %w", rec.MessageID, err)
	}
	return nil
}

// CleanupExpired deletes markers whose processed time is older than now-ttl
// and returns how many this call removed. Concurrent cleanups race benignly;
// each row is deleted exactly once and the counts split between callers.
func (s *Store) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("ttl must be greater than zero")
	}

	cutoff := time.Now().UTC().Add(-ttl)
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM processed_messages
WHERE processed_at < ?
`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup processed messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup processed messages rows affected: %w", err)
	}
	return affected, nil
}

var _ storage.IdempotencyStore = (*Store)(nil)
