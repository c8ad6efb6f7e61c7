// Package app runs the projection worker pipeline: inbound events pass
// the idempotency gate, fan out into apply-outbox rows per routed
// projector key, and background loops claim, dispatch, and clean up.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/viewmill/viewmill/internal/event"
	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
	"github.com/viewmill/viewmill/internal/projection/storage"
	"github.com/viewmill/viewmill/internal/projection/view"
)

// ErrIdempotencyFailure marks infrastructure failures at the dedup gate.
var ErrIdempotencyFailure = apperrors.New(apperrors.CodeIdempotencyFailure, "idempotency gate failure")

const (
	defaultPollInterval    = 2 * time.Second
	defaultClaimLimit      = 16
	defaultCleanupTTL      = 30 * 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// Options wires a Runtime. Store, Events, and Views are required; every
// route must point from a registered event type to registered projector
// keys.
type Options struct {
	Store  storage.Store
	Events *event.Registry
	Views  *view.Registry
	// Routes maps an event type to the projector keys it feeds.
	Routes map[event.Type][]string
	// Clock overrides time.Now, for tests.
	Clock           func() time.Time
	PollInterval    time.Duration
	ClaimLimit      int
	CleanupTTL      time.Duration
	CleanupInterval time.Duration
}

// Runtime drives the projection pipeline against one store.
type Runtime struct {
	store           storage.Store
	events          *event.Registry
	views           *view.Registry
	routes          map[event.Type][]string
	now             func() time.Time
	pollInterval    time.Duration
	claimLimit      int
	cleanupTTL      time.Duration
	cleanupInterval time.Duration
}

// NewRuntime validates the wiring and returns a ready runtime.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if opts.Views == nil {
		return nil, fmt.Errorf("view registry is required")
	}

	registered := make(map[string]bool)
	for _, key := range opts.Views.Keys() {
		registered[key] = true
	}
	for eventType, keys := range opts.Routes {
		if _, ok := opts.Events.Get(eventType); !ok {
			return nil, apperrors.WithMetadata(apperrors.CodeEventTypeUnregistered,
				fmt.Sprintf("route source %q is not a registered event type", eventType),
				map[string]string{"type": string(eventType)})
		}
		if len(keys) == 0 {
			return nil, apperrors.WithMetadata(apperrors.CodeViewNotRegistered,
				fmt.Sprintf("route for event type %q names no projector keys", eventType),
				map[string]string{"type": string(eventType)})
		}
		for _, key := range keys {
			if !registered[key] {
				return nil, apperrors.WithMetadata(apperrors.CodeViewNotRegistered,
					fmt.Sprintf("route for event type %q targets unregistered projector key %q", eventType, key),
					map[string]string{"type": string(eventType), "projector_key": key})
			}
		}
	}

	runtime := &Runtime{
		store:           opts.Store,
		events:          opts.Events,
		views:           opts.Views,
		routes:          opts.Routes,
		now:             opts.Clock,
		pollInterval:    opts.PollInterval,
		claimLimit:      opts.ClaimLimit,
		cleanupTTL:      opts.CleanupTTL,
		cleanupInterval: opts.CleanupInterval,
	}
	if runtime.now == nil {
		runtime.now = time.Now
	}
	if runtime.pollInterval <= 0 {
		runtime.pollInterval = defaultPollInterval
	}
	if runtime.claimLimit <= 0 {
		runtime.claimLimit = defaultClaimLimit
	}
	if runtime.cleanupTTL <= 0 {
		runtime.cleanupTTL = defaultCleanupTTL
	}
	if runtime.cleanupInterval <= 0 {
		runtime.cleanupInterval = defaultCleanupInterval
	}
	return runtime, nil
}

// HandleEvent admits one at-least-once delivered event. A duplicate
// message is a recorded no-op; a fresh one enqueues an apply row per
// routed projector key.
func (r *Runtime) HandleEvent(ctx context.Context, evt event.Event) error {
	tr := otel.Tracer("viewmill/projection")
	ctx, span := tr.Start(ctx, "Runtime.HandleEvent", trace.WithAttributes(
		attribute.String("event.type", string(evt.Type)),
		attribute.String("event.message_id", evt.MessageID),
		attribute.String("event.entity_id", evt.EntityID),
	))
	defer span.End()

	normalized, err := r.events.ValidateEvent(evt)
	if err != nil {
		span.RecordError(err)
		return err
	}
	keys, ok := r.routes[normalized.Type]
	if !ok || len(keys) == 0 {
		err := apperrors.WithMetadata(apperrors.CodeViewNotRegistered,
			fmt.Sprintf("no projection route for event type %q", normalized.Type),
			map[string]string{"type": string(normalized.Type)})
		span.RecordError(err)
		return err
	}

	now := r.now().UTC()
	fresh, err := r.store.CheckAndRecord(ctx, storage.IdempotencyRecord{
		MessageID:     normalized.MessageID,
		Domain:        normalized.Domain,
		CorrelationID: normalized.CorrelationID,
		ProcessedAt:   now,
	})
	if err != nil {
		span.RecordError(err)
		return apperrors.Wrap(apperrors.CodeIdempotencyFailure, "check and record message", err)
	}
	if !fresh {
		r.recordAttempt(ctx, storage.AttemptRecord{
			MessageID: normalized.MessageID,
			Outcome:   storage.AttemptOutcomeDuplicate,
			CreatedAt: now,
		})
		return nil
	}

	for _, key := range keys {
		enqueued, err := r.store.EnqueueApply(ctx, storage.ApplyOutboxRecord{
			Domain:        normalized.Domain,
			EntityID:      normalized.EntityID,
			Sequence:      normalized.Sequence,
			ProjectorKey:  key,
			MessageID:     normalized.MessageID,
			CorrelationID: normalized.CorrelationID,
			PayloadJSON:   normalized.PayloadJSON,
		})
		if err != nil {
			span.RecordError(err)
			return apperrors.Wrap(apperrors.CodeProjectorFailure, "enqueue projection apply", err)
		}
		if !enqueued {
			// An identical apply row is already queued, typically a
			// redelivery racing a crashed earlier run.
			r.recordAttempt(ctx, storage.AttemptRecord{
				MessageID:    normalized.MessageID,
				ProjectorKey: key,
				Outcome:      storage.AttemptOutcomeSkipped,
				CreatedAt:    now,
			})
		}
	}
	return nil
}

// ProcessApplyOnce claims one batch of due apply rows and dispatches
// them. It returns how many rows were settled, completed or retried.
func (r *Runtime) ProcessApplyOnce(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = r.now()
	}
	now = now.UTC()

	claimed, err := r.store.ClaimApplyDue(ctx, now, r.claimLimit)
	if err != nil {
		return 0, fmt.Errorf("claim due apply rows: %w", err)
	}

	tr := otel.Tracer("viewmill/projection")
	processed := 0
	for _, rec := range claimed {
		applyCtx, span := tr.Start(ctx, "Runtime.ApplyProjection", trace.WithAttributes(
			attribute.String("projector.key", rec.ProjectorKey),
			attribute.String("event.entity_id", rec.EntityID),
			attribute.Int64("event.seq", int64(rec.Sequence)),
		))

		result, dispatchErr := r.views.Dispatch(applyCtx, view.Intent{
			ProjectorKey:  rec.ProjectorKey,
			MessageID:     rec.MessageID,
			Domain:        rec.Domain,
			EntityID:      rec.EntityID,
			Sequence:      rec.Sequence,
			CorrelationID: rec.CorrelationID,
			PayloadJSON:   rec.PayloadJSON,
		})
		if dispatchErr != nil {
			span.RecordError(dispatchErr)
			if err := r.store.MarkApplyRetry(applyCtx, rec, dispatchErr.Error()); err != nil {
				span.End()
				return processed, fmt.Errorf("mark apply retry %s/%d: %w", rec.EntityID, rec.Sequence, err)
			}
			r.recordAttempt(applyCtx, storage.AttemptRecord{
				MessageID:    rec.MessageID,
				ProjectorKey: rec.ProjectorKey,
				Outcome:      storage.AttemptOutcomeFailed,
				AttemptCount: rec.Attempts + 1,
				LastError:    dispatchErr.Error(),
				CreatedAt:    now,
			})
			span.End()
			processed++
			continue
		}

		if err := r.store.CompleteApply(applyCtx, rec); err != nil {
			span.End()
			return processed, fmt.Errorf("complete apply %s/%d: %w", rec.EntityID, rec.Sequence, err)
		}
		outcome := storage.AttemptOutcomeApplied
		if !result.Success {
			outcome = storage.AttemptOutcomeStale
		}
		r.recordAttempt(applyCtx, storage.AttemptRecord{
			MessageID:    rec.MessageID,
			ProjectorKey: rec.ProjectorKey,
			Outcome:      outcome,
			AttemptCount: rec.Attempts + 1,
			CreatedAt:    now,
		})
		span.End()
		processed++
	}
	return processed, nil
}

// RunApplyLoop polls for due apply rows until the context ends.
func (r *Runtime) RunApplyLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessApplyOnce(ctx, r.now()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("projection apply pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCleanupLoop periodically expires old idempotency markers. Deletion
// is idempotent, so running the loop on many instances is safe.
func (r *Runtime) RunCleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		removed, err := r.store.CleanupExpired(ctx, r.cleanupTTL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("idempotency cleanup failed: %v", err)
		} else if removed > 0 {
			log.Printf("idempotency cleanup removed %d expired markers", removed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the underlying store.
func (r *Runtime) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Runtime) recordAttempt(ctx context.Context, rec storage.AttemptRecord) {
	if err := r.store.RecordAttempt(ctx, rec); err != nil {
		log.Printf("record apply attempt %s: %v", rec.MessageID, err)
	}
}
