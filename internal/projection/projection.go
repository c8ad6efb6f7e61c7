// Package projection implements the persistence face of the read-model
// pipeline: sequence-gated projectors writing materialized entity state,
// and readers serving it back with read-your-writes visibility.
package projection

import "strings"

// Projection is the opaque materialized state of one entity, keyed by
// field name.
type Projection map[string]any

// SequenceInfo identifies the entity and stream position a persist
// applies to.
type SequenceInfo struct {
	// EntityID identifies the projected entity.
	EntityID string
	// Domain scopes the entity; empty means the unscoped default domain.
	Domain string
	// Sequence is the event's position in the entity's stream.
	Sequence uint64
}

func (i SequenceInfo) normalized() SequenceInfo {
	i.EntityID = strings.TrimSpace(i.EntityID)
	i.Domain = strings.TrimSpace(i.Domain)
	return i
}

// PersistResult reports the outcome of one persist.
type PersistResult struct {
	// Success is true when the write advanced the entity's watermark and
	// false when it was rejected as stale.
	Success bool
	// ArtifactRef identifies the accepted write; empty when stale.
	ArtifactRef string
	// Err carries the per-item failure of a batch persist; nil otherwise.
	Err error
}

// PersistItem is one entry of a batch persist.
type PersistItem struct {
	Projection Projection
	Info       SequenceInfo
}
