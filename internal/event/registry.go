package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
)

// Sentinel errors surfaced by registry construction and event validation.
var (
	// ErrTypeUnregistered is returned when an event's type has no definition.
	ErrTypeUnregistered = apperrors.New(apperrors.CodeEventTypeUnregistered, "event type is not registered")
	// ErrTypeConflict is returned when two definitions claim the same type.
	ErrTypeConflict = apperrors.New(apperrors.CodeEventTypeConflict, "event type is already registered")
	// ErrEventInvalid is returned when an envelope fails validation.
	ErrEventInvalid = apperrors.New(apperrors.CodeEventInvalid, "event envelope is invalid")
)

// Definition describes one event type's wire and transport metadata.
type Definition struct {
	// Type is the registered event type.
	Type Type
	// Topic the event is produced on. Policy: one topic per type, named
	// after the type. Blank defaults to the type itself.
	Topic string
	// SchemaVersion of the wire contract.
	SchemaVersion string
	// ProducerProtocol names the producing protocol/component.
	ProducerProtocol string
	// PartitionKeys are the contract fields used for partitioning.
	PartitionKeys []string
	// Fields are the declared wire-contract field names.
	Fields []string
}

// Registry is a read-only routing table from event type to metadata.
// It is built once at startup and is safe for concurrent reads.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry builds an immutable registry from a fixed set of definitions.
// Every entry is validated: the topic must equal the type (single topic per
// type) and every partition key must be a declared contract field.
func NewRegistry(defs ...Definition) (*Registry, error) {
	registry := &Registry{definitions: make(map[Type]Definition, len(defs))}
	for _, def := range defs {
		normalized, err := normalizeDefinition(def)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.definitions[normalized.Type]; exists {
			return nil, apperrors.WrapWithMetadata(apperrors.CodeEventTypeConflict,
				fmt.Sprintf("event type %q is already registered", normalized.Type),
				map[string]string{"type": string(normalized.Type)}, ErrTypeConflict)
		}
		registry.definitions[normalized.Type] = normalized
	}
	return registry, nil
}

// Get returns the definition for a type.
func (r *Registry) Get(t Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.definitions[t]
	return def, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []Type {
	if r == nil {
		return nil
	}
	types := make([]Type, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.definitions)
}

// ValidateEvent checks an inbound envelope against the registry and returns
// a normalized copy: blank domain filled from the type, payload JSON
// canonicalized to sorted key order so identical payloads compare equal.
func (r *Registry) ValidateEvent(evt Event) (Event, error) {
	if !evt.Type.IsValid() {
		return Event{}, apperrors.Wrap(apperrors.CodeEventInvalid, "event type is required", ErrEventInvalid)
	}
	if r == nil {
		return Event{}, ErrTypeUnregistered
	}
	if _, ok := r.definitions[evt.Type]; !ok {
		return Event{}, apperrors.WrapWithMetadata(apperrors.CodeEventTypeUnregistered,
			fmt.Sprintf("event type %q is not registered", evt.Type),
			map[string]string{"type": string(evt.Type)}, ErrTypeUnregistered)
	}
	if strings.TrimSpace(evt.MessageID) == "" {
		return Event{}, apperrors.Wrap(apperrors.CodeEventInvalid, "message id is required", ErrEventInvalid)
	}
	if strings.TrimSpace(evt.EntityID) == "" {
		return Event{}, apperrors.Wrap(apperrors.CodeEventInvalid, "entity id is required", ErrEventInvalid)
	}

	normalized := evt
	normalized.MessageID = strings.TrimSpace(evt.MessageID)
	normalized.EntityID = strings.TrimSpace(evt.EntityID)
	normalized.Domain = strings.TrimSpace(evt.Domain)
	if normalized.Domain == "" {
		normalized.Domain = evt.Type.Domain()
	}

	payload, err := CanonicalJSON(evt.PayloadJSON)
	if err != nil {
		return Event{}, apperrors.Wrap(apperrors.CodeEventInvalid, "event payload is not valid JSON", err)
	}
	normalized.PayloadJSON = payload

	return normalized, nil
}

// CanonicalJSON re-encodes a JSON document with object keys sorted, so that
// equivalent payloads are byte-identical. Empty input becomes "{}".
func CanonicalJSON(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("{}"), nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return encoded, nil
}

func normalizeDefinition(def Definition) (Definition, error) {
	if !def.Type.IsValid() {
		return Definition{}, apperrors.Wrap(apperrors.CodeContractInvalid, "definition type is required", ErrEventInvalid)
	}
	normalized := def
	normalized.Topic = strings.TrimSpace(def.Topic)
	if normalized.Topic == "" {
		normalized.Topic = string(def.Type)
	}
	if normalized.Topic != string(def.Type) {
		return Definition{}, apperrors.WithMetadata(apperrors.CodeContractInvalid,
			fmt.Sprintf("definition %q topic %q must equal the event type", def.Type, def.Topic),
			map[string]string{"type": string(def.Type), "topic": def.Topic})
	}

	fields := make(map[string]bool, len(def.Fields))
	for _, field := range def.Fields {
		fields[field] = true
	}
	for _, key := range def.PartitionKeys {
		if !fields[key] {
			return Definition{}, apperrors.WithMetadata(apperrors.CodeContractInvalid,
				fmt.Sprintf("definition %q partition key %q is not a declared field", def.Type, key),
				map[string]string{"type": string(def.Type), "partition_key": key})
		}
	}
	return normalized, nil
}
