package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
	"github.com/viewmill/viewmill/internal/projection/storage"
)

// ErrProjectorFailure marks a fatal persistence failure. Matching is by
// error code via the platform errors package.
var ErrProjectorFailure = apperrors.New(apperrors.CodeProjectorFailure, "projector failure")

// Projector persists projections guarded by per-entity sequence watermarks.
type Projector interface {
	// Persist writes one projection. A write at or below the entity's
	// watermark returns Success=false without error.
	Persist(ctx context.Context, state Projection, info SequenceInfo) (PersistResult, error)
	// PersistBatch persists items independently, returning one result per
	// item in input order.
	PersistBatch(ctx context.Context, items []PersistItem) ([]PersistResult, error)
}

// StateProjector persists projections into the built-in entity state table.
type StateProjector struct {
	store storage.StateStore
	now   func() time.Time
}

var _ Projector = (*StateProjector)(nil)

// NewStateProjector returns a projector backed by store.
func NewStateProjector(store storage.StateStore) *StateProjector {
	return &StateProjector{store: store, now: time.Now}
}

// Persist encodes state as canonical JSON and writes it under the
// watermark rule for info's entity.
func (p *StateProjector) Persist(ctx context.Context, state Projection, info SequenceInfo) (PersistResult, error) {
	if err := ctx.Err(); err != nil {
		return PersistResult{}, err
	}
	if p == nil || p.store == nil {
		return PersistResult{}, fmt.Errorf("projector is not configured")
	}
	info = info.normalized()
	if info.EntityID == "" {
		return PersistResult{}, fmt.Errorf("entity id is required")
	}
	if state == nil {
		state = Projection{}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return PersistResult{}, apperrors.Wrap(apperrors.CodeProjectorFailure, "encode projection payload", err)
	}
	now := p.now().UTC()
	rec := storage.StateRecord{
		EntityID:    info.EntityID,
		Domain:      info.Domain,
		Sequence:    info.Sequence,
		ArtifactRef: uuid.NewString(),
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	accepted, err := p.store.PersistState(ctx, rec)
	if err != nil {
		return PersistResult{}, apperrors.Wrap(apperrors.CodeProjectorFailure, "persist projection state", err)
	}
	if !accepted {
		return PersistResult{}, nil
	}
	return PersistResult{Success: true, ArtifactRef: rec.ArtifactRef}, nil
}

// PersistBatch persists each item on its own. Item failures land in the
// matching result's Err; the returned error is reserved for context
// cancellation.
func (p *StateProjector) PersistBatch(ctx context.Context, items []PersistItem) ([]PersistResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]PersistResult, len(items))
	for idx, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.Persist(ctx, item.Projection, item.Info)
		if err != nil {
			results[idx] = PersistResult{Err: err}
			continue
		}
		results[idx] = res
	}
	return results, nil
}
