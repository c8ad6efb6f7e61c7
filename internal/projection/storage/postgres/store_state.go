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

// PersistState writes an entity state row guarded by the sequence watermark.
func (s *Store) PersistState(ctx context.Context, rec storage.StateRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	rec.EntityID = strings.TrimSpace(rec.EntityID)
	rec.Domain = strings.TrimSpace(rec.Domain)
	rec.ArtifactRef = strings.TrimSpace(rec.ArtifactRef)
	if rec.EntityID == "" {
		return false, fmt.Errorf("entity id is required")
	}
	if len(rec.Payload) == 0 {
		rec.Payload = []byte("{}")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO projection_states (
	entity_id,
	domain,
	seq,
	artifact_ref,
	payload,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (entity_id, domain) DO UPDATE SET
	seq = excluded.seq,
	artifact_ref = excluded.artifact_ref,
	payload = excluded.payload,
	updated_at = excluded.updated_at
WHERE excluded.seq > projection_states.seq
`,
		rec.EntityID,
		rec.Domain,
		int64(rec.Sequence),
		rec.ArtifactRef,
		rec.Payload,
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("persist projection state %s: %w", rec.EntityID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persist projection state rows affected %s: %w", rec.EntityID, err)
	}
	return affected > 0, nil
}

// GetState fetches an entity state row or storage.ErrNotFound.
func (s *Store) GetState(ctx context.Context, entityID, domain string) (storage.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.StateRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StateRecord{}, fmt.Errorf("storage is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	domain = strings.TrimSpace(domain)
	if entityID == "" {
		return storage.StateRecord{}, fmt.Errorf("entity id is required")
	}

	var (
		rec       storage.StateRecord
		seq       int64
		createdAt int64
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT entity_id, domain, seq, artifact_ref, payload, created_at, updated_at
FROM projection_states
WHERE entity_id = $1 AND domain = $2
`, entityID, domain).Scan(
		&rec.EntityID,
		&rec.Domain,
		&seq,
		&rec.ArtifactRef,
		&rec.Payload,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.StateRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("get projection state %s: %w", entityID, err)
	}
	rec.Sequence = uint64(seq)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// ListStates returns up to limit states for a domain ordered by entity id.
func (s *Store) ListStates(ctx context.Context, domain string, limit int) ([]storage.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	domain = strings.TrimSpace(domain)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT entity_id, domain, seq, artifact_ref, payload, created_at, updated_at
FROM projection_states
WHERE domain = $1
ORDER BY entity_id ASC
LIMIT $2
`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("list projection states: %w", err)
	}
	defer rows.Close()

	records := make([]storage.StateRecord, 0, limit)
	for rows.Next() {
		var (
			rec       storage.StateRecord
			seq       int64
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(
			&rec.EntityID,
			&rec.Domain,
			&seq,
			&rec.ArtifactRef,
			&rec.Payload,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan projection state: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.CreatedAt = fromMillis(createdAt)
		rec.UpdatedAt = fromMillis(updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projection states: %w", err)
	}
	return records, nil
}

var _ storage.StateStore = (*Store)(nil)
