package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/viewmill/viewmill/internal/event"
	"github.com/viewmill/viewmill/internal/projection/storage"
	"github.com/viewmill/viewmill/internal/projection/storage/sqlite"
	"github.com/viewmill/viewmill/internal/projection/view"
)

type fakeStore struct {
	mu         sync.Mutex
	processed  map[string]storage.IdempotencyRecord
	outbox     []storage.ApplyOutboxRecord
	attempts   []storage.AttemptRecord
	checkErr   error
	enqueueErr error
	cleanupN   int64
	cleanupErr error
	closed     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{processed: make(map[string]storage.IdempotencyRecord)}
}

func dedupeKey(messageID, domain string) string {
	return domain + "|" + messageID
}

func (s *fakeStore) CheckAndRecord(ctx context.Context, rec storage.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return false, s.checkErr
	}
	key := dedupeKey(rec.MessageID, rec.Domain)
	if _, ok := s.processed[key]; ok {
		return false, nil
	}
	s.processed[key] = rec
	return true, nil
}

func (s *fakeStore) IsProcessed(ctx context.Context, messageID, domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[dedupeKey(messageID, domain)]
	return ok, nil
}

func (s *fakeStore) MarkProcessed(ctx context.Context, rec storage.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[dedupeKey(rec.MessageID, rec.Domain)] = rec
	return nil
}

func (s *fakeStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupN, s.cleanupErr
}

func (s *fakeStore) PersistState(ctx context.Context, rec storage.StateRecord) (bool, error) {
	return true, nil
}

func (s *fakeStore) GetState(ctx context.Context, entityID, domain string) (storage.StateRecord, error) {
	return storage.StateRecord{}, storage.ErrNotFound
}

func (s *fakeStore) ListStates(ctx context.Context, domain string, limit int) ([]storage.StateRecord, error) {
	return nil, nil
}

func (s *fakeStore) EnsureContractTable(ctx context.Context, tbl storage.ContractTable) error {
	return nil
}

func (s *fakeStore) EnsureContractIndexes(ctx context.Context, tbl storage.ContractTable, indexes []storage.ContractIndex) error {
	return nil
}

func (s *fakeStore) PersistContractRow(ctx context.Context, tbl storage.ContractTable, row storage.RowRecord) (bool, error) {
	return true, nil
}

func (s *fakeStore) GetContractRow(ctx context.Context, tbl storage.ContractTable, entityID string) (storage.RowRecord, error) {
	return storage.RowRecord{}, storage.ErrNotFound
}

func sameIdentity(a, b storage.ApplyOutboxRecord) bool {
	return a.Domain == b.Domain && a.EntityID == b.EntityID &&
		a.Sequence == b.Sequence && a.ProjectorKey == b.ProjectorKey
}

func (s *fakeStore) EnqueueApply(ctx context.Context, rec storage.ApplyOutboxRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return false, s.enqueueErr
	}
	for _, existing := range s.outbox {
		if sameIdentity(existing, rec) {
			return false, nil
		}
	}
	rec.Status = storage.OutboxStatusPending
	s.outbox = append(s.outbox, rec)
	return true, nil
}

func (s *fakeStore) ClaimApplyDue(ctx context.Context, now time.Time, limit int) ([]storage.ApplyOutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []storage.ApplyOutboxRecord
	for i := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		row := &s.outbox[i]
		if row.Status != storage.OutboxStatusPending && row.Status != storage.OutboxStatusFailed {
			continue
		}
		if !row.NextAttemptAt.IsZero() && row.NextAttemptAt.After(now) {
			continue
		}
		row.Status = storage.OutboxStatusProcessing
		row.UpdatedAt = now
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (s *fakeStore) CompleteApply(ctx context.Context, rec storage.ApplyOutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.outbox {
		if sameIdentity(existing, rec) {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return errors.New("complete apply: row not found")
}

func (s *fakeStore) MarkApplyRetry(ctx context.Context, rec storage.ApplyOutboxRecord, applyErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if !sameIdentity(s.outbox[i], rec) {
			continue
		}
		s.outbox[i].Attempts = rec.Attempts + 1
		s.outbox[i].Status = storage.OutboxStatusFailed
		if s.outbox[i].Attempts >= 8 {
			s.outbox[i].Status = storage.OutboxStatusDead
		}
		s.outbox[i].LastError = applyErr
		s.outbox[i].NextAttemptAt = time.Now().Add(time.Minute)
		return nil
	}
	return errors.New("mark apply retry: row not found")
}

func (s *fakeStore) ListApplyOutbox(ctx context.Context, status string, limit int) ([]storage.ApplyOutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []storage.ApplyOutboxRecord
	for _, row := range s.outbox {
		if status != "" && row.Status != status {
			continue
		}
		rows = append(rows, row)
		if len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func (s *fakeStore) GetApplyOutboxSummary(ctx context.Context) (storage.ApplyOutboxSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var summary storage.ApplyOutboxSummary
	for _, row := range s.outbox {
		switch row.Status {
		case storage.OutboxStatusPending:
			summary.PendingCount++
		case storage.OutboxStatusProcessing:
			summary.ProcessingCount++
		case storage.OutboxStatusFailed:
			summary.FailedCount++
		case storage.OutboxStatusDead:
			summary.DeadCount++
		}
	}
	return summary, nil
}

func (s *fakeStore) RequeueDeadApply(ctx context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var requeued int64
	for i := range s.outbox {
		if requeued >= int64(limit) {
			break
		}
		if s.outbox[i].Status != storage.OutboxStatusDead {
			continue
		}
		s.outbox[i].Status = storage.OutboxStatusPending
		s.outbox[i].Attempts = 0
		requeued++
	}
	return requeued, nil
}

func (s *fakeStore) RecordAttempt(ctx context.Context, rec storage.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, rec)
	return nil
}

func (s *fakeStore) ListAttempts(ctx context.Context, limit int) ([]storage.AttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []storage.AttemptRecord
	for i := len(s.attempts) - 1; i >= 0 && len(rows) < limit; i-- {
		rows = append(rows, s.attempts[i])
	}
	return rows, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ storage.Store = (*fakeStore)(nil)

func (s *fakeStore) outboxRows() []storage.ApplyOutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]storage.ApplyOutboxRecord, len(s.outbox))
	copy(rows, s.outbox)
	return rows
}

func (s *fakeStore) attemptRows() []storage.AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]storage.AttemptRecord, len(s.attempts))
	copy(rows, s.attempts)
	return rows
}

type applyView struct {
	key    string
	result view.ContractProjectionResult
	err    error

	mu    sync.Mutex
	calls []view.Intent
}

func (v *applyView) ProjectorKey() string { return v.key }

func (v *applyView) ProjectIntent(ctx context.Context, intent view.Intent) (view.ContractProjectionResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, intent)
	if v.err != nil {
		return view.ContractProjectionResult{}, v.err
	}
	return v.result, nil
}

func (v *applyView) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

func testEventRegistry(t *testing.T) *event.Registry {
	t.Helper()
	registry, err := event.NewRegistry(event.Definition{
		Type:   "combat.character_updated",
		Fields: []string{"character_id", "name", "hit_points"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func testViewRegistry(t *testing.T, views ...view.View) *view.Registry {
	t.Helper()
	registry := view.NewRegistry()
	for _, v := range views {
		if err := registry.Register(v); err != nil {
			t.Fatalf("Register(%s): %v", v.ProjectorKey(), err)
		}
	}
	return registry
}

func testEvent(messageID string, seq uint64) event.Event {
	return event.Event{
		MessageID:     messageID,
		Type:          "combat.character_updated",
		EntityID:      "char-1",
		Sequence:      seq,
		CorrelationID: "corr-1",
		PayloadJSON:   []byte(`{"name":"Yara","hit_points":12}`),
		OccurredAt:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
}

func TestNewRuntime_RequiresWiring(t *testing.T) {
	events := testEventRegistry(t)
	views := testViewRegistry(t)

	if _, err := NewRuntime(Options{Events: events, Views: views}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := NewRuntime(Options{Store: newFakeStore(), Views: views}); err == nil {
		t.Fatal("expected error without event registry")
	}
	if _, err := NewRuntime(Options{Store: newFakeStore(), Events: events}); err == nil {
		t.Fatal("expected error without view registry")
	}
}

func TestNewRuntime_RejectsRouteToUnknownView(t *testing.T) {
	_, err := NewRuntime(Options{
		Store:  newFakeStore(),
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
	})
	if !errors.Is(err, view.ErrViewNotRegistered) {
		t.Fatalf("expected ErrViewNotRegistered, got %v", err)
	}
}

func TestNewRuntime_RejectsRouteForUnknownEventType(t *testing.T) {
	sheet := &applyView{key: "character_sheet"}
	_, err := NewRuntime(Options{
		Store:  newFakeStore(),
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Routes: map[event.Type][]string{"economy.trade_settled": {"character_sheet"}},
	})
	if !errors.Is(err, event.ErrTypeUnregistered) {
		t.Fatalf("expected ErrTypeUnregistered, got %v", err)
	}
}

func TestHandleEvent_FreshMessageEnqueuesPerRoutedKey(t *testing.T) {
	store := newFakeStore()
	sheet := &applyView{key: "character_sheet", result: view.ContractProjectionResult{Success: true}}
	roster := &applyView{key: "party_roster", result: view.ContractProjectionResult{Success: true}}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet, roster),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet", "party_roster"}},
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	if err := runtime.HandleEvent(context.Background(), testEvent("msg-1", 1)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	rows := store.outboxRows()
	if len(rows) != 2 {
		t.Fatalf("outbox rows = %d, want 2", len(rows))
	}
	keys := map[string]bool{}
	for _, row := range rows {
		keys[row.ProjectorKey] = true
		if row.EntityID != "char-1" || row.Sequence != 1 {
			t.Fatalf("row identity = %s/%d, want char-1/1", row.EntityID, row.Sequence)
		}
		if row.Domain != "combat" {
			t.Fatalf("row domain = %q, want combat", row.Domain)
		}
	}
	if !keys["character_sheet"] || !keys["party_roster"] {
		t.Fatalf("routed keys = %v, want both views", keys)
	}
	if attempts := store.attemptRows(); len(attempts) != 0 {
		t.Fatalf("attempts = %d, want 0 on fresh intake", len(attempts))
	}
}

func TestHandleEvent_DuplicateRecordsAttemptAndSkips(t *testing.T) {
	store := newFakeStore()
	sheet := &applyView{key: "character_sheet", result: view.ContractProjectionResult{Success: true}}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx := context.Background()
	if err := runtime.HandleEvent(ctx, testEvent("msg-1", 1)); err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}
	if err := runtime.HandleEvent(ctx, testEvent("msg-1", 1)); err != nil {
		t.Fatalf("duplicate HandleEvent: %v", err)
	}

	if rows := store.outboxRows(); len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want 1 after duplicate", len(rows))
	}
	attempts := store.attemptRows()
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Outcome != storage.AttemptOutcomeDuplicate {
		t.Fatalf("attempt outcome = %q, want %q", attempts[0].Outcome, storage.AttemptOutcomeDuplicate)
	}
	if attempts[0].MessageID != "msg-1" {
		t.Fatalf("attempt message id = %q, want msg-1", attempts[0].MessageID)
	}
}

func TestHandleEvent_UnroutedTypeIsConfigurationError(t *testing.T) {
	store := newFakeStore()
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t),
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	err = runtime.HandleEvent(context.Background(), testEvent("msg-1", 1))
	if !errors.Is(err, view.ErrViewNotRegistered) {
		t.Fatalf("expected ErrViewNotRegistered, got %v", err)
	}
	if rows := store.outboxRows(); len(rows) != 0 {
		t.Fatalf("outbox rows = %d, want 0", len(rows))
	}
}

func TestHandleEvent_InvalidEnvelopeRejected(t *testing.T) {
	store := newFakeStore()
	sheet := &applyView{key: "character_sheet"}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	evt := testEvent("", 1)
	err = runtime.HandleEvent(context.Background(), evt)
	if !errors.Is(err, event.ErrEventInvalid) {
		t.Fatalf("expected ErrEventInvalid, got %v", err)
	}
	if rows := store.outboxRows(); len(rows) != 0 {
		t.Fatalf("outbox rows = %d, want 0", len(rows))
	}
}

func TestHandleEvent_GateFailureIsWrapped(t *testing.T) {
	store := newFakeStore()
	store.checkErr = errors.New("connection refused")
	sheet := &applyView{key: "character_sheet"}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	err = runtime.HandleEvent(context.Background(), testEvent("msg-1", 1))
	if !errors.Is(err, ErrIdempotencyFailure) {
		t.Fatalf("expected ErrIdempotencyFailure, got %v", err)
	}
}

func TestHandleEvent_RequeuedIdentityRecordsSkippedAttempt(t *testing.T) {
	store := newFakeStore()
	sheet := &applyView{key: "character_sheet"}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	// A row with the same identity is already queued, as after a crash
	// between enqueue and acknowledgment.
	if _, err := store.EnqueueApply(context.Background(), storage.ApplyOutboxRecord{
		Domain:       "combat",
		EntityID:     "char-1",
		Sequence:     1,
		ProjectorKey: "character_sheet",
		MessageID:    "msg-0",
	}); err != nil {
		t.Fatalf("EnqueueApply: %v", err)
	}

	if err := runtime.HandleEvent(context.Background(), testEvent("msg-1", 1)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if rows := store.outboxRows(); len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(rows))
	}
	attempts := store.attemptRows()
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Outcome != storage.AttemptOutcomeSkipped {
		t.Fatalf("attempt outcome = %q, want %q", attempts[0].Outcome, storage.AttemptOutcomeSkipped)
	}
}

func TestProcessApplyOnce_SettlesClaimedRows(t *testing.T) {
	store := newFakeStore()
	applied := &applyView{key: "character_sheet", result: view.ContractProjectionResult{Success: true, ArtifactRef: "artifact-1"}}
	stale := &applyView{key: "party_roster", result: view.ContractProjectionResult{Success: false}}
	failing := &applyView{key: "economy_ledger", err: errors.New("table locked")}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, applied, stale, failing),
		Routes: map[event.Type][]string{
			"combat.character_updated": {"character_sheet", "party_roster", "economy_ledger"},
		},
		Clock: fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx := context.Background()
	if err := runtime.HandleEvent(ctx, testEvent("msg-1", 1)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	processed, err := runtime.ProcessApplyOnce(ctx, fixedClock())
	if err != nil {
		t.Fatalf("ProcessApplyOnce: %v", err)
	}
	if processed != 3 {
		t.Fatalf("processed = %d, want 3", processed)
	}
	if applied.callCount() != 1 || stale.callCount() != 1 || failing.callCount() != 1 {
		t.Fatalf("view calls = %d/%d/%d, want 1 each",
			applied.callCount(), stale.callCount(), failing.callCount())
	}

	rows := store.outboxRows()
	if len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want only the failed row", len(rows))
	}
	if rows[0].ProjectorKey != "economy_ledger" {
		t.Fatalf("remaining row key = %q, want economy_ledger", rows[0].ProjectorKey)
	}
	if rows[0].Status != storage.OutboxStatusFailed {
		t.Fatalf("remaining row status = %q, want %q", rows[0].Status, storage.OutboxStatusFailed)
	}
	if rows[0].Attempts != 1 {
		t.Fatalf("remaining row attempts = %d, want 1", rows[0].Attempts)
	}
	if rows[0].LastError != "table locked" {
		t.Fatalf("remaining row last error = %q, want table locked", rows[0].LastError)
	}

	outcomes := map[string]string{}
	for _, attempt := range store.attemptRows() {
		outcomes[attempt.ProjectorKey] = attempt.Outcome
	}
	want := map[string]string{
		"character_sheet": storage.AttemptOutcomeApplied,
		"party_roster":    storage.AttemptOutcomeStale,
		"economy_ledger":  storage.AttemptOutcomeFailed,
	}
	for key, outcome := range want {
		if outcomes[key] != outcome {
			t.Fatalf("attempt outcome for %s = %q, want %q", key, outcomes[key], outcome)
		}
	}
}

func TestHandleEvent_SequenceZeroAppliedExactlyOnce(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "viewmill.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	sheet := &applyView{key: "character_sheet", result: view.ContractProjectionResult{Success: true}}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	// An entity's first event carries sequence 0. Intake must not fail
	// after the gate has recorded the message, or redeliveries become
	// duplicates of a message that was never applied.
	ctx := context.Background()
	if err := runtime.HandleEvent(ctx, testEvent("msg-1", 0)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	processed, err := runtime.ProcessApplyOnce(ctx, fixedClock())
	if err != nil {
		t.Fatalf("ProcessApplyOnce: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}
	if sheet.callCount() != 1 {
		t.Fatalf("view calls = %d, want 1", sheet.callCount())
	}

	if err := runtime.HandleEvent(ctx, testEvent("msg-1", 0)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if sheet.callCount() != 1 {
		t.Fatalf("view calls after redelivery = %d, want 1", sheet.callCount())
	}

	attempts, err := store.ListAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	outcomes := map[string]int{}
	for _, attempt := range attempts {
		outcomes[attempt.Outcome]++
	}
	if outcomes[storage.AttemptOutcomeApplied] != 1 {
		t.Fatalf("applied attempts = %d, want 1 (outcomes %v)", outcomes[storage.AttemptOutcomeApplied], outcomes)
	}
	if outcomes[storage.AttemptOutcomeDuplicate] != 1 {
		t.Fatalf("duplicate attempts = %d, want 1 (outcomes %v)", outcomes[storage.AttemptOutcomeDuplicate], outcomes)
	}
}

func TestProcessApplyOnce_EmptyQueue(t *testing.T) {
	store := newFakeStore()
	sheet := &applyView{key: "character_sheet"}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	processed, err := runtime.ProcessApplyOnce(context.Background(), fixedClock())
	if err != nil {
		t.Fatalf("ProcessApplyOnce: %v", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}
	if sheet.callCount() != 0 {
		t.Fatalf("view calls = %d, want 0", sheet.callCount())
	}
}

func TestProcessApplyOnce_DispatchPassesRowAsIntent(t *testing.T) {
	store := newFakeStore()
	sheet := &applyView{key: "character_sheet", result: view.ContractProjectionResult{Success: true}}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Routes: map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx := context.Background()
	if err := runtime.HandleEvent(ctx, testEvent("msg-1", 7)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if _, err := runtime.ProcessApplyOnce(ctx, fixedClock()); err != nil {
		t.Fatalf("ProcessApplyOnce: %v", err)
	}

	sheet.mu.Lock()
	defer sheet.mu.Unlock()
	if len(sheet.calls) != 1 {
		t.Fatalf("view calls = %d, want 1", len(sheet.calls))
	}
	intent := sheet.calls[0]
	if intent.ProjectorKey != "character_sheet" {
		t.Fatalf("intent key = %q, want character_sheet", intent.ProjectorKey)
	}
	if intent.MessageID != "msg-1" || intent.EntityID != "char-1" || intent.Sequence != 7 {
		t.Fatalf("intent identity = %s/%s/%d, want msg-1/char-1/7",
			intent.MessageID, intent.EntityID, intent.Sequence)
	}
	if intent.Domain != "combat" {
		t.Fatalf("intent domain = %q, want combat", intent.Domain)
	}
	if string(intent.PayloadJSON) == "" {
		t.Fatal("intent payload is empty")
	}
}

func TestRunApplyLoop_StopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	sheet := &applyView{key: "character_sheet"}
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t, sheet),
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runtime.RunApplyLoop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunApplyLoop = %v, want context.Canceled", err)
	}
}

func TestRunApplyLoop_DrainsQueuedRows(t *testing.T) {
	store := newFakeStore()
	done := make(chan struct{}, 1)
	sheet := &applyView{key: "character_sheet", result: view.ContractProjectionResult{Success: true}}
	runtime, err := NewRuntime(Options{
		Store:        store,
		Events:       testEventRegistry(t),
		Views:        testViewRegistry(t, sheet),
		Routes:       map[event.Type][]string{"combat.character_updated": {"character_sheet"}},
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runtime.HandleEvent(ctx, testEvent("msg-1", 1)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	go func() {
		for {
			if len(store.outboxRows()) == 0 {
				done <- struct{}{}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	loopErr := make(chan error, 1)
	go func() { loopErr <- runtime.RunApplyLoop(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("apply loop did not drain the outbox")
	}
	cancel()
	if err := <-loopErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunApplyLoop = %v, want context.Canceled", err)
	}
	if sheet.callCount() != 1 {
		t.Fatalf("view calls = %d, want 1", sheet.callCount())
	}
}

func TestRunCleanupLoop_StopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	store.cleanupN = 3
	runtime, err := NewRuntime(Options{
		Store:           store,
		Events:          testEventRegistry(t),
		Views:           testViewRegistry(t),
		CleanupInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runtime.RunCleanupLoop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCleanupLoop = %v, want context.Canceled", err)
	}
}

func TestRuntimeClose_ReleasesStore(t *testing.T) {
	store := newFakeStore()
	runtime, err := NewRuntime(Options{
		Store:  store,
		Events: testEventRegistry(t),
		Views:  testViewRegistry(t),
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if err := runtime.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.closed {
		t.Fatal("store was not closed")
	}
}
