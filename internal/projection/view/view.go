// Package view routes projection intents to independently registered
// projection views by a stable projector key. The registry decouples
// which event triggers which projection logic from the worker that
// claims and applies events.
package view

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
)

var (
	// ErrViewAlreadyRegistered indicates a duplicate projector key registration.
	ErrViewAlreadyRegistered = apperrors.New(apperrors.CodeViewAlreadyRegistered, "projection view already registered")
	// ErrViewNotRegistered indicates a dispatch to an unknown projector key.
	ErrViewNotRegistered = apperrors.New(apperrors.CodeViewNotRegistered, "projection view is not registered")
)

// Intent is the routing envelope handed to a projection view. The payload
// stays opaque JSON until the view decodes it.
type Intent struct {
	ProjectorKey  string
	MessageID     string
	Domain        string
	EntityID      string
	Sequence      uint64
	CorrelationID string
	PayloadJSON   []byte
	OccurredAt    time.Time
}

// ContractProjectionResult reports the outcome of one projected intent.
// Success false with a nil error is a valid skip, typically a stale
// sequence, and callers must not publish downstream work for it.
type ContractProjectionResult struct {
	Success     bool
	ArtifactRef string
}

// View is one registered projection target. ProjectIntent is synchronous
// by contract; implementations that buffer or batch internally must block
// until the intent's outcome is known.
type View interface {
	ProjectorKey() string
	ProjectIntent(ctx context.Context, intent Intent) (ContractProjectionResult, error)
}

// Registry holds projection views keyed by projector key. Registration
// normally happens at startup, but both registration and dispatch are
// safe to call concurrently.
type Registry struct {
	mu    sync.RWMutex
	views map[string]View
}

// NewRegistry creates an empty projection view registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[string]View)}
}

// Register adds a projection view under its projector key.
func (r *Registry) Register(v View) error {
	if r == nil {
		return fmt.Errorf("view registry is required")
	}
	if v == nil {
		return fmt.Errorf("projection view is required")
	}
	key := strings.TrimSpace(v.ProjectorKey())
	if key == "" {
		return fmt.Errorf("projector key is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.views == nil {
		r.views = make(map[string]View)
	}
	if _, exists := r.views[key]; exists {
		return fmt.Errorf("%w: %s", ErrViewAlreadyRegistered, key)
	}
	r.views[key] = v
	return nil
}

// Unregister removes the view under key and reports whether one existed.
func (r *Registry) Unregister(key string) bool {
	if r == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.views[key]; !exists {
		return false
	}
	delete(r.views, key)
	return true
}

// Keys returns the registered projector keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.views))
	for key := range r.views {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered views.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// Dispatch routes the intent to the view registered under its projector
// key and returns the view's result unchanged. An unknown key is a
// configuration error, never a silent no-op.
func (r *Registry) Dispatch(ctx context.Context, intent Intent) (ContractProjectionResult, error) {
	if r == nil {
		return ContractProjectionResult{}, fmt.Errorf("view registry is required")
	}
	if err := ctx.Err(); err != nil {
		return ContractProjectionResult{}, err
	}
	key := strings.TrimSpace(intent.ProjectorKey)
	if key == "" {
		return ContractProjectionResult{}, fmt.Errorf("projector key is required")
	}

	r.mu.RLock()
	v, ok := r.views[key]
	r.mu.RUnlock()
	if !ok {
		return ContractProjectionResult{}, fmt.Errorf("%w: %s", ErrViewNotRegistered, key)
	}
	return v.ProjectIntent(ctx, intent)
}
