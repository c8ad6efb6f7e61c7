package contract

import (
	"fmt"

	"github.com/viewmill/viewmill/internal/event"
)

// Routing aggregates loaded projectors into worker wiring: the merged
// event definition set and the projector keys consuming each type.
// Contracts may consume the same event type only when they declare it
// with identical metadata.
func Routing(projectors []*Projector) ([]event.Definition, map[event.Type][]string, error) {
	merged := make(map[event.Type]event.Definition)
	routes := make(map[event.Type][]string)
	var order []event.Type

	for _, projector := range projectors {
		if projector == nil {
			continue
		}
		for _, def := range projector.Contract().Definitions() {
			existing, ok := merged[def.Type]
			if !ok {
				merged[def.Type] = def
				order = append(order, def.Type)
			} else if !sameDefinition(existing, def) {
				return nil, nil, fmt.Errorf("%w: event type %q declared with conflicting metadata by projector %q",
					event.ErrTypeConflict, def.Type, projector.Key())
			}
			routes[def.Type] = append(routes[def.Type], projector.Key())
		}
	}

	defs := make([]event.Definition, 0, len(order))
	for _, eventType := range order {
		defs = append(defs, merged[eventType])
	}
	return defs, routes, nil
}

func sameDefinition(a, b event.Definition) bool {
	return a.Type == b.Type &&
		a.Topic == b.Topic &&
		a.SchemaVersion == b.SchemaVersion &&
		a.ProducerProtocol == b.ProducerProtocol &&
		equalFields(a.PartitionKeys, b.PartitionKeys) &&
		equalFields(a.Fields, b.Fields)
}

func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
