package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
	"github.com/viewmill/viewmill/internal/projection"
	"github.com/viewmill/viewmill/internal/projection/storage"
	"github.com/viewmill/viewmill/internal/projection/view"
)

// Projector persists projections into the table a contract declares.
// Payload fields map to declared columns by name; payload keys without
// a declared column are ignored, declared columns without a payload key
// persist as NULL.
type Projector struct {
	contract Contract
	table    storage.ContractTable
	store    storage.ContractSchemaStore
}

// NewProjector binds a validated contract to a schema store. It does not
// provision the table; loaders do that before handing the projector out.
func NewProjector(c Contract, store storage.ContractSchemaStore) (*Projector, error) {
	if store == nil {
		return nil, fmt.Errorf("contract schema store is required")
	}
	if strings.TrimSpace(c.Projector.Name) == "" {
		return nil, fmt.Errorf("%w: projector name is required", ErrContractInvalid)
	}
	return &Projector{contract: c, table: c.Table(), store: store}, nil
}

// Key returns the stable projector key, the contract's projector name.
func (p *Projector) Key() string {
	return p.contract.Key()
}

// Contract returns the contract this projector was built from.
func (p *Projector) Contract() Contract {
	return p.contract
}

// Persist writes one projection row under the contract's watermark
// columns. A stale sequence is a valid no-op reported as Success false.
func (p *Projector) Persist(ctx context.Context, state projection.Projection, info projection.SequenceInfo) (projection.PersistResult, error) {
	if err := ctx.Err(); err != nil {
		return projection.PersistResult{}, err
	}
	if p == nil || p.store == nil {
		return projection.PersistResult{}, fmt.Errorf("contract projector is not configured")
	}
	entityID := strings.TrimSpace(info.EntityID)
	if entityID == "" {
		return projection.PersistResult{}, fmt.Errorf("entity id is required")
	}
	domain := strings.TrimSpace(info.Domain)
	if domain != "" && domain != p.contract.Projector.Domain {
		return projection.PersistResult{}, fmt.Errorf("projection domain %q does not match contract domain %q", domain, p.contract.Projector.Domain)
	}

	values := make(map[string]any)
	for _, col := range p.contract.Schema.Columns {
		if col.Name == p.table.EntityColumn || col.Name == p.table.SequenceColumn {
			continue
		}
		if value, ok := state[col.Name]; ok {
			values[col.Name] = value
		}
	}

	accepted, err := p.store.PersistContractRow(ctx, p.table, storage.RowRecord{
		EntityID: entityID,
		Sequence: info.Sequence,
		Values:   values,
	})
	if err != nil {
		return projection.PersistResult{}, apperrors.Wrap(apperrors.CodeProjectorFailure, "persist contract row", err)
	}
	if !accepted {
		return projection.PersistResult{}, nil
	}
	return projection.PersistResult{Success: true, ArtifactRef: uuid.NewString()}, nil
}

// PersistBatch persists each item independently and in order. Per-item
// failures land in the matching result's Err; the returned error is
// reserved for cancellation.
func (p *Projector) PersistBatch(ctx context.Context, items []projection.PersistItem) ([]projection.PersistResult, error) {
	results := make([]projection.PersistResult, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := p.Persist(ctx, item.Projection, item.Info)
		if err != nil {
			results[i] = projection.PersistResult{Err: err}
			continue
		}
		results[i] = result
	}
	return results, nil
}

// Row reads back the persisted row for an entity, storage.ErrNotFound
// when absent.
func (p *Projector) Row(ctx context.Context, entityID string) (storage.RowRecord, error) {
	if p == nil || p.store == nil {
		return storage.RowRecord{}, fmt.Errorf("contract projector is not configured")
	}
	return p.store.GetContractRow(ctx, p.table, entityID)
}

// ProjectorKey implements the view registration contract.
func (p *Projector) ProjectorKey() string {
	return p.Key()
}

// ProjectIntent decodes the intent payload and persists it with the
// intent's entity and sequence. A stale sequence reports Success false
// so the caller skips downstream work without treating it as a failure.
func (p *Projector) ProjectIntent(ctx context.Context, intent view.Intent) (view.ContractProjectionResult, error) {
	state := projection.Projection{}
	if len(intent.PayloadJSON) > 0 {
		if err := json.Unmarshal(intent.PayloadJSON, &state); err != nil {
			return view.ContractProjectionResult{}, fmt.Errorf("decode intent payload: %w", err)
		}
	}
	result, err := p.Persist(ctx, state, projection.SequenceInfo{
		EntityID: intent.EntityID,
		Domain:   intent.Domain,
		Sequence: intent.Sequence,
	})
	if err != nil {
		return view.ContractProjectionResult{}, err
	}
	return view.ContractProjectionResult{Success: result.Success, ArtifactRef: result.ArtifactRef}, nil
}

var _ projection.Projector = (*Projector)(nil)
var _ view.View = (*Projector)(nil)
