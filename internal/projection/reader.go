package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
	"github.com/viewmill/viewmill/internal/projection/storage"
)

// ErrProjectionReadFailure marks a recoverable read failure. Matching is
// by error code via the platform errors package.
var ErrProjectionReadFailure = apperrors.New(apperrors.CodeProjectionReadFailure, "projection read failure")

// Reader serves point-in-time projection state.
type Reader interface {
	// GetEntityState returns the entity's latest projection, or nil when
	// the entity has no state.
	GetEntityState(ctx context.Context, entityID, domain string) (Projection, error)
}

// StateReader reads projections back from the built-in entity state table.
// Reads observe every write accepted before the call.
type StateReader struct {
	store storage.StateStore
}

var _ Reader = (*StateReader)(nil)

// NewStateReader returns a reader backed by store.
func NewStateReader(store storage.StateStore) *StateReader {
	return &StateReader{store: store}
}

// GetEntityState returns the latest projection for an entity. An entity
// with no accepted writes yields (nil, nil).
func (r *StateReader) GetEntityState(ctx context.Context, entityID, domain string) (Projection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("reader is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	domain = strings.TrimSpace(domain)
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	rec, err := r.store.GetState(ctx, entityID, domain)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProjectionReadFailure, "read projection state", err)
	}
	state := Projection{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &state); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeProjectionReadFailure, "decode projection payload", err)
		}
	}
	return state, nil
}
