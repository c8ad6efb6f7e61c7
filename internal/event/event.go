// Package event defines the inbound event envelope and the read-only
// registry that maps event types to wire and transport metadata.
package event

import (
	"strings"
	"time"
)

// Type identifies the type of an inbound event, e.g. "billing.invoice_settled".
type Type string

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "billing").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Event is the at-least-once delivered envelope handed to the pipeline.
// Transport mechanics (brokers, partitions, redelivery) live outside this
// module; the envelope is the whole contract with the producer side.
type Event struct {
	// MessageID uniquely identifies this delivery attempt's message.
	MessageID string
	// Type identifies the kind of event.
	Type Type
	// Domain scopes deduplication and projection state. Defaults to the
	// type's domain prefix when blank.
	Domain string
	// EntityID is the entity whose materialized state the event feeds.
	EntityID string
	// Sequence is the per-entity ordering watermark candidate.
	Sequence uint64
	// CorrelationID threads a message through producer and consumer logs.
	CorrelationID string
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
	// OccurredAt is when the event happened at the producer.
	OccurredAt time.Time
}
