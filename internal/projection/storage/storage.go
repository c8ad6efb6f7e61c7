// Package storage defines the persistence contracts for the projection core:
// the idempotency gate, sequence-watermarked projection state, contract-managed
// tables, the apply outbox, and attempt telemetry.
package storage

import (
	"context"
	"time"

	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
)

// ErrNotFound indicates a record was not found.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrSchemaMismatch indicates a contract-managed table exists with a shape
// that differs from its declaration.
var ErrSchemaMismatch = apperrors.New(apperrors.CodeSchemaMismatch, "contract table schema mismatch")

// Apply outbox row statuses.
const (
	// OutboxStatusPending marks a row waiting for its first or next attempt.
	OutboxStatusPending = "pending"
	// OutboxStatusProcessing marks a row claimed by a running worker.
	OutboxStatusProcessing = "processing"
	// OutboxStatusFailed marks a row scheduled for retry after a failure.
	OutboxStatusFailed = "failed"
	// OutboxStatusDead marks a row that exhausted its retry budget.
	OutboxStatusDead = "dead"
)

// Apply attempt outcomes.
const (
	// AttemptOutcomeApplied marks a successful projection apply.
	AttemptOutcomeApplied = "applied"
	// AttemptOutcomeDuplicate marks a message rejected by the idempotency gate.
	AttemptOutcomeDuplicate = "duplicate"
	// AttemptOutcomeStale marks a sequence-stale no-op.
	AttemptOutcomeStale = "stale"
	// AttemptOutcomeSkipped marks a view-level idempotent skip.
	AttemptOutcomeSkipped = "skipped"
	// AttemptOutcomeFailed marks an infrastructure failure.
	AttemptOutcomeFailed = "failed"
)

// IdempotencyRecord is one processed-message marker keyed by (domain, message id).
type IdempotencyRecord struct {
	// MessageID uniquely identifies the message.
	MessageID string
	// Domain scopes the key; empty means the unscoped default domain.
	Domain string
	// CorrelationID threads the message through logs.
	CorrelationID string
	// ProcessedAt is when the message was first recorded.
	ProcessedAt time.Time
}

// StateRecord is one materialized projection row in the built-in state table.
type StateRecord struct {
	// EntityID identifies the projected entity.
	EntityID string
	// Domain scopes the entity's state.
	Domain string
	// Sequence is the entity's accepted watermark.
	Sequence uint64
	// ArtifactRef identifies the accepted write.
	ArtifactRef string
	// Payload is the canonical JSON projection payload.
	Payload []byte
	// CreatedAt is when the entity state first appeared.
	CreatedAt time.Time
	// UpdatedAt is when the watermark last advanced.
	UpdatedAt time.Time
}

// ApplyOutboxRecord is one pending projection apply, identified by
// (domain, entity id, sequence, projector key).
type ApplyOutboxRecord struct {
	Domain        string
	EntityID      string
	Sequence      uint64
	ProjectorKey  string
	MessageID     string
	CorrelationID string
	PayloadJSON   []byte
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ApplyOutboxSummary reports outbox depth by status and the oldest
// retry-eligible row.
type ApplyOutboxSummary struct {
	PendingCount          int
	ProcessingCount       int
	FailedCount           int
	DeadCount             int
	OldestPendingEntityID string
	OldestPendingDomain   string
	OldestPendingSeq      uint64
	OldestPendingAt       time.Time
}

// AttemptRecord is one apply attempt telemetry row.
type AttemptRecord struct {
	ID           int64
	MessageID    string
	ProjectorKey string
	Outcome      string
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
}

// ContractColumn declares one column of a contract-managed table.
type ContractColumn struct {
	// Name is the column identifier.
	Name string
	// Type is the canonical column type: text, integer, real, blob,
	// boolean, or timestamp.
	Type string
	// PrimaryKey marks the column as part of the primary key.
	PrimaryKey bool
}

// ContractIndex declares a secondary index on a contract-managed table.
type ContractIndex struct {
	Columns []string
}

// ContractTable binds a projector to the table it materializes into.
type ContractTable struct {
	// Name is the table identifier.
	Name string
	// EntityColumn holds the entity id.
	EntityColumn string
	// SequenceColumn holds the accepted watermark.
	SequenceColumn string
	// Columns is the full declared column set, ordering columns included.
	Columns []ContractColumn
}

// RowRecord is one materialized row of a contract-managed table.
type RowRecord struct {
	EntityID string
	Sequence uint64
	// Values maps declared non-ordering column names to their values.
	Values map[string]any
}

// IdempotencyStore is the single source of truth for "has this message
// already been handled".
type IdempotencyStore interface {
	// CheckAndRecord atomically tests membership and inserts if absent.
	// It returns true when the message is new; under concurrent calls for
	// the same key exactly one caller observes true.
	CheckAndRecord(ctx context.Context, rec IdempotencyRecord) (bool, error)
	// IsProcessed is a read-only membership probe, non-atomic with respect
	// to concurrent CheckAndRecord calls.
	IsProcessed(ctx context.Context, messageID, domain string) (bool, error)
	// MarkProcessed writes a marker unconditionally, for seeding/backfill.
	MarkProcessed(ctx context.Context, rec IdempotencyRecord) error
	// CleanupExpired deletes markers older than ttl and returns the count
	// removed by this call. Safe to run concurrently from many instances.
	CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// StateStore persists opaque projection state with sequence watermarking.
type StateStore interface {
	// PersistState writes the record if its sequence is greater than the
	// stored watermark for (entity, domain). It returns false, without
	// error, when the write is stale.
	PersistState(ctx context.Context, rec StateRecord) (bool, error)
	// GetState returns the entity's latest state or ErrNotFound.
	GetState(ctx context.Context, entityID, domain string) (StateRecord, error)
	// ListStates returns up to limit states for a domain, ordered by entity id.
	ListStates(ctx context.Context, domain string, limit int) ([]StateRecord, error)
}

// ContractSchemaStore provisions and writes contract-managed projection tables.
type ContractSchemaStore interface {
	// EnsureContractTable creates the table when absent and validates the
	// declared columns against the live schema when present. Schema drift
	// is an error; no automatic migration is attempted.
	EnsureContractTable(ctx context.Context, tbl ContractTable) error
	// EnsureContractIndexes creates any declared indexes that are missing.
	EnsureContractIndexes(ctx context.Context, tbl ContractTable, indexes []ContractIndex) error
	// PersistContractRow upserts a row under the same watermark rule as
	// PersistState: false, without error, when the sequence is stale.
	PersistContractRow(ctx context.Context, tbl ContractTable, row RowRecord) (bool, error)
	// GetContractRow returns the row for an entity or ErrNotFound.
	GetContractRow(ctx context.Context, tbl ContractTable, entityID string) (RowRecord, error)
}

// ApplyOutboxStore buffers at-least-once apply work between the intake gate
// and the projection views.
type ApplyOutboxStore interface {
	// EnqueueApply inserts a pending row; duplicate identity is a no-op
	// returning false.
	EnqueueApply(ctx context.Context, rec ApplyOutboxRecord) (bool, error)
	// ClaimApplyDue claims up to limit due rows for this worker. A row is
	// due when pending/failed with next_attempt_at reached, or processing
	// with an expired claim lease.
	ClaimApplyDue(ctx context.Context, now time.Time, limit int) ([]ApplyOutboxRecord, error)
	// CompleteApply removes a processed row.
	CompleteApply(ctx context.Context, rec ApplyOutboxRecord) error
	// MarkApplyRetry schedules a claimed row for retry, or parks it dead
	// once the attempt budget is exhausted.
	MarkApplyRetry(ctx context.Context, rec ApplyOutboxRecord, applyErr string) error
	// ListApplyOutbox returns up to limit rows, optionally filtered by status.
	ListApplyOutbox(ctx context.Context, status string, limit int) ([]ApplyOutboxRecord, error)
	// GetApplyOutboxSummary returns queue depth by status and the oldest
	// pending/failed row metadata.
	GetApplyOutboxSummary(ctx context.Context) (ApplyOutboxSummary, error)
	// RequeueDeadApply returns up to limit dead rows to pending and reports
	// how many were requeued.
	RequeueDeadApply(ctx context.Context, limit int) (int64, error)
}

// AttemptStore records per-message apply attempt telemetry.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
	// ListAttempts lists newest-first attempt records.
	ListAttempts(ctx context.Context, limit int) ([]AttemptRecord, error)
}

// Store is the composite persistence surface of the projection core.
type Store interface {
	IdempotencyStore
	StateStore
	ContractSchemaStore
	ApplyOutboxStore
	AttemptStore

	// Close releases underlying resources.
	Close() error
}
