package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/viewmill/viewmill/internal/projection/storage"
)

func TestPersistStateEnforcesWatermark(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	sequences := []uint64{1, 1, 2, 0, 3}
	want := []bool{true, false, true, false, true}

	for i, seq := range sequences {
		accepted, err := store.PersistState(ctx, storage.StateRecord{
			EntityID: "char-1",
			Domain:   "combat",
			Sequence: seq,
			Payload:  []byte(fmt.Sprintf(`{"seq":%d}`, seq)),
		})
		if err != nil {
			t.Fatalf("persist seq %d: %v", seq, err)
		}
		if accepted != want[i] {
			t.Fatalf("persist seq %d accepted = %v, want %v", seq, accepted, want[i])
		}
	}

	rec, err := store.GetState(ctx, "char-1", "combat")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if rec.Sequence != 3 {
		t.Fatalf("watermark = %d, want 3", rec.Sequence)
	}
}

func TestPersistStateKeepsCreatedAt(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if _, err := store.PersistState(ctx, storage.StateRecord{
		EntityID: "char-1",
		Sequence: 1,
		Payload:  []byte(`{}`),
	}); err != nil {
		t.Fatalf("persist first: %v", err)
	}
	first, err := store.GetState(ctx, "char-1", "")
	if err != nil {
		t.Fatalf("get first: %v", err)
	}

	if _, err := store.PersistState(ctx, storage.StateRecord{
		EntityID: "char-1",
		Sequence: 2,
		Payload:  []byte(`{"hp":4}`),
	}); err != nil {
		t.Fatalf("persist second: %v", err)
	}
	second, err := store.GetState(ctx, "char-1", "")
	if err != nil {
		t.Fatalf("get second: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created at changed from %v to %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", second.Sequence)
	}
}

func TestGetStateNotFound(t *testing.T) {
	store := openTempStore(t)

	_, err := store.GetState(context.Background(), "missing", "combat")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get state error = %v, want ErrNotFound", err)
	}
}

func TestListStatesOrdersByEntity(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for _, entity := range []string{"char-c", "char-a", "char-b"} {
		if _, err := store.PersistState(ctx, storage.StateRecord{
			EntityID: entity,
			Domain:   "combat",
			Sequence: 1,
			Payload:  []byte(`{}`),
		}); err != nil {
			t.Fatalf("persist %s: %v", entity, err)
		}
	}
	if _, err := store.PersistState(ctx, storage.StateRecord{
		EntityID: "char-z",
		Domain:   "economy",
		Sequence: 1,
		Payload:  []byte(`{}`),
	}); err != nil {
		t.Fatalf("persist other domain: %v", err)
	}

	records, err := store.ListStates(ctx, "combat", 10)
	if err != nil {
		t.Fatalf("list states: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("list states len = %d, want 3", len(records))
	}
	for i, want := range []string{"char-a", "char-b", "char-c"} {
		if records[i].EntityID != want {
			t.Fatalf("records[%d].EntityID = %q, want %q", i, records[i].EntityID, want)
		}
	}
}
