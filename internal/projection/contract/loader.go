package contract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
	"github.com/viewmill/viewmill/internal/projection/storage"
)

// Loader materializes ready projectors from contract files, provisioning
// the target schema on the way. A loaded projector is only returned once
// its table and indexes exist and match the declaration.
type Loader struct {
	store storage.ContractSchemaStore
}

// NewLoader creates a loader over a contract schema store.
func NewLoader(store storage.ContractSchemaStore) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("contract schema store is required")
	}
	return &Loader{store: store}, nil
}

// LoadFromContract loads one contract file and returns a ready projector.
// The target table is created when absent and validated when present;
// schema drift fails the load, nothing is auto-migrated.
func (l *Loader) LoadFromContract(ctx context.Context, path string) (*Projector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("contract loader is not configured")
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	table := c.Table()
	if err := l.store.EnsureContractTable(ctx, table); err != nil {
		if errors.Is(err, storage.ErrSchemaMismatch) {
			return nil, fmt.Errorf("contract %s: %w", path, err)
		}
		return nil, apperrors.Wrap(apperrors.CodeSchemaMismatch, fmt.Sprintf("ensure table %s for contract %s", table.Name, path), err)
	}
	if err := l.store.EnsureContractIndexes(ctx, table, c.Indexes()); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSchemaMismatch, fmt.Sprintf("ensure indexes on %s for contract %s", table.Name, path), err)
	}
	return NewProjector(c, l.store)
}

// LoadFromDirectory loads every *.yaml and *.yml contract directly under
// dir in lexicographic filename order. The first invalid contract stops
// the load; no partial list is returned.
func (l *Loader) LoadFromDirectory(ctx context.Context, dir string) ([]*Projector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("contract loader is not configured")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read contracts directory %s: %w", dir, err)
	}

	projectors := []*Projector{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !isContractFile(entry.Name()) {
			continue
		}
		projector, err := l.LoadFromContract(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		projectors = append(projectors, projector)
	}
	return projectors, nil
}

// DiscoverAndLoad loads every contract matched by the given doublestar
// glob patterns, recursively. Matches are de-duplicated by resolved
// absolute path; first-match order is preserved.
func (l *Loader) DiscoverAndLoad(ctx context.Context, patterns ...string) ([]*Projector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("contract loader is not configured")
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one glob pattern is required")
	}

	seen := make(map[string]bool)
	projectors := []*Projector{}
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, match := range matches {
			abs, err := filepath.Abs(match)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", match, err)
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true

			info, err := os.Stat(abs)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", match, err)
			}
			if info.IsDir() {
				continue
			}
			projector, err := l.LoadFromContract(ctx, abs)
			if err != nil {
				return nil, err
			}
			projectors = append(projectors, projector)
		}
	}
	return projectors, nil
}

func isContractFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
