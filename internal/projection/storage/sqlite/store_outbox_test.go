package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/viewmill/viewmill/internal/projection/storage"
)

func outboxRecord(entityID string, seq uint64) storage.ApplyOutboxRecord {
	return storage.ApplyOutboxRecord{
		Domain:       "combat",
		EntityID:     entityID,
		Sequence:     seq,
		ProjectorKey: "character_sheet",
		MessageID:    "msg-1",
		PayloadJSON:  []byte(`{"hp":3}`),
	}
}

func TestEnqueueApplyDeduplicatesIdentity(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	inserted, err := store.EnqueueApply(ctx, outboxRecord("char-1", 1))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !inserted {
		t.Fatal("first enqueue = false, want true")
	}

	inserted, err = store.EnqueueApply(ctx, outboxRecord("char-1", 1))
	if err != nil {
		t.Fatalf("enqueue repeat: %v", err)
	}
	if inserted {
		t.Fatal("repeat enqueue = true, want false")
	}
}

func TestClaimApplyDueMarksProcessing(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueApply(ctx, outboxRecord("char-1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.EnqueueApply(ctx, outboxRecord("char-2", 1)); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	claimed, err := store.ClaimApplyDue(ctx, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed len = %d, want 2", len(claimed))
	}
	for _, rec := range claimed {
		if rec.Status != storage.OutboxStatusProcessing {
			t.Fatalf("claimed status = %q, want processing", rec.Status)
		}
		if len(rec.PayloadJSON) == 0 {
			t.Fatal("claimed row lost payload")
		}
	}

	// Claimed rows are leased; an immediate second claim finds nothing.
	again, err := store.ClaimApplyDue(ctx, now.Add(2*time.Second), 10)
	if err != nil {
		t.Fatalf("claim due again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim len = %d, want 0", len(again))
	}
}

func TestClaimApplyDueReclaimsExpiredLease(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueApply(ctx, outboxRecord("char-1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.ClaimApplyDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed len = %d, want 1", len(claimed))
	}

	reclaimed, err := store.ClaimApplyDue(ctx, now.Add(3*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed len = %d, want 1", len(reclaimed))
	}
}

func TestCompleteApplyRemovesRow(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueApply(ctx, outboxRecord("char-1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.ClaimApplyDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed len = %d, want 1", len(claimed))
	}

	if err := store.CompleteApply(ctx, claimed[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rows, err := store.ListApplyOutbox(ctx, "", 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("outbox len after complete = %d, want 0", len(rows))
	}

	// Completing an unclaimed row is a lost-claim bug.
	if err := store.CompleteApply(ctx, claimed[0]); err == nil {
		t.Fatal("expected error completing already-removed row")
	}
}

func TestMarkApplyRetrySchedulesBackoff(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueApply(ctx, outboxRecord("char-1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.ClaimApplyDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed len = %d, want 1", len(claimed))
	}

	if err := store.MarkApplyRetry(ctx, claimed[0], "view exploded"); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	rows, err := store.ListApplyOutbox(ctx, storage.OutboxStatusFailed, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("failed rows len = %d, want 1", len(rows))
	}
	if rows[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rows[0].Attempts)
	}
	if rows[0].LastError != "view exploded" {
		t.Fatalf("last error = %q, want view exploded", rows[0].LastError)
	}
	if !rows[0].NextAttemptAt.After(now) {
		t.Fatalf("next attempt %v not after %v", rows[0].NextAttemptAt, now)
	}
}

func TestMarkApplyRetryParksDeadAfterBudget(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueApply(ctx, outboxRecord("char-1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.ClaimApplyDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed len = %d, want 1", len(claimed))
	}

	rec := claimed[0]
	rec.Attempts = outboxDeadLetterThreshold - 1
	if err := store.MarkApplyRetry(ctx, rec, "still failing"); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	dead, err := store.ListApplyOutbox(ctx, storage.OutboxStatusDead, 10)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead rows len = %d, want 1", len(dead))
	}

	moved, err := store.RequeueDeadApply(ctx, 10)
	if err != nil {
		t.Fatalf("requeue dead: %v", err)
	}
	if moved != 1 {
		t.Fatalf("requeued = %d, want 1", moved)
	}

	pending, err := store.ListApplyOutbox(ctx, storage.OutboxStatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending rows len = %d, want 1", len(pending))
	}
	if pending[0].Attempts != 0 {
		t.Fatalf("requeued attempts = %d, want 0", pending[0].Attempts)
	}
}

func TestGetApplyOutboxSummary(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.EnqueueApply(ctx, outboxRecord("char-1", 1)); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if _, err := store.EnqueueApply(ctx, outboxRecord("char-2", 1)); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	claimed, err := store.ClaimApplyDue(ctx, now, 1)
	if err != nil {
		t.Fatalf("claim one: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed len = %d, want 1", len(claimed))
	}

	summary, err := store.GetApplyOutboxSummary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.PendingCount != 1 {
		t.Fatalf("pending count = %d, want 1", summary.PendingCount)
	}
	if summary.ProcessingCount != 1 {
		t.Fatalf("processing count = %d, want 1", summary.ProcessingCount)
	}
	if summary.OldestPendingEntityID == "" {
		t.Fatal("summary missing oldest pending entity")
	}
}

func TestEnqueueApplyValidation(t *testing.T) {
	store := openTempStore(t)

	rec := outboxRecord("char-1", 1)
	rec.ProjectorKey = ""
	if _, err := store.EnqueueApply(context.Background(), rec); err == nil {
		t.Fatal("expected error for blank projector key")
	}

	rec = outboxRecord("char-1", 1)
	rec.EntityID = ""
	if _, err := store.EnqueueApply(context.Background(), rec); err == nil {
		t.Fatal("expected error for blank entity id")
	}
}

func TestEnqueueApplyAcceptsFirstSequenceZero(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, err := store.EnqueueApply(ctx, outboxRecord("char-1", 0))
	if err != nil {
		t.Fatalf("enqueue seq 0: %v", err)
	}
	if !inserted {
		t.Fatal("enqueue seq 0 = false, want true")
	}

	// Redelivery of the same identity stays a no-op.
	inserted, err = store.EnqueueApply(ctx, outboxRecord("char-1", 0))
	if err != nil {
		t.Fatalf("enqueue seq 0 repeat: %v", err)
	}
	if inserted {
		t.Fatal("repeat enqueue seq 0 = true, want false")
	}

	claimed, err := store.ClaimApplyDue(ctx, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed len = %d, want 1", len(claimed))
	}
	if claimed[0].Sequence != 0 {
		t.Fatalf("claimed sequence = %d, want 0", claimed[0].Sequence)
	}
	if err := store.CompleteApply(ctx, claimed[0]); err != nil {
		t.Fatalf("complete seq 0 row: %v", err)
	}
}
