// Package errors provides structured error handling with machine-readable codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Projector errors
	CodeProjectorFailure   Code = "PROJECTOR_FAILURE"
	CodeIdempotencyFailure Code = "IDEMPOTENCY_FAILURE"

	// Reader errors
	CodeProjectionReadFailure Code = "PROJECTION_READ_FAILURE"

	// Contract errors
	CodeContractInvalid Code = "CONTRACT_INVALID"
	CodeSchemaMismatch  Code = "SCHEMA_MISMATCH"

	// Registry errors
	CodeViewNotRegistered     Code = "VIEW_NOT_REGISTERED"
	CodeViewAlreadyRegistered Code = "VIEW_ALREADY_REGISTERED"
	CodeEventTypeUnregistered Code = "EVENT_TYPE_UNREGISTERED"
	CodeEventTypeConflict     Code = "EVENT_TYPE_CONFLICT"
	CodeEventInvalid          Code = "EVENT_INVALID"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)
