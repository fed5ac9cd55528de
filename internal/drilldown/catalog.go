// Package drilldown implements hierarchical metric exploration: path
// catalogs, per-user navigation sessions, a confidence-gated result cache,
// and the engine that ties them to an aggregation backend.
package drilldown

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/vantagehq/vantage/internal/domain"
	"gopkg.in/yaml.v3"
)

var (
	// ErrPathNotFound reports an unknown path id.
	ErrPathNotFound = errors.New("drill-down path not found")
	// ErrInvalidPath reports a structurally invalid path definition.
	ErrInvalidPath = errors.New("invalid drill-down path")
	// ErrInvalidLevel reports a level outside the path's level list.
	ErrInvalidLevel = errors.New("invalid drill-down level")
	// ErrSessionNotFound reports an unknown or expired session id.
	ErrSessionNotFound = errors.New("drill-down session not found")
	// ErrNoHistory reports back-navigation on an empty history stack.
	ErrNoHistory = errors.New("no navigation history")
	// ErrBookmarkNotFound reports an unknown bookmark id.
	ErrBookmarkNotFound = errors.New("bookmark not found")
)

// Catalog stores admin-defined drill-down paths keyed by id. Contexts hold
// path ids only, so a path referenced by an active session is never aliased.
type Catalog struct {
	mu    sync.RWMutex
	paths map[string]domain.DrillDownPath
	now   func() time.Time
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{paths: make(map[string]domain.DrillDownPath), now: time.Now}
}

// Create validates and stores a path. Validation failures reject the path
// before it is stored.
func (c *Catalog) Create(path domain.DrillDownPath) (domain.DrillDownPath, error) {
	if err := validatePath(path); err != nil {
		return domain.DrillDownPath{}, err
	}
	if path.ID == "" {
		path.ID = uuid.NewString()
	}
	path.CreatedAt = c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.paths[path.ID]; exists {
		return domain.DrillDownPath{}, fmt.Errorf("%w: duplicate id %q", ErrInvalidPath, path.ID)
	}
	c.paths[path.ID] = path
	return path, nil
}

// Get returns the path for an id.
func (c *Catalog) Get(pathID string) (domain.DrillDownPath, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.paths[pathID]
	if !ok {
		return domain.DrillDownPath{}, ErrPathNotFound
	}
	return path, nil
}

// List returns every stored path ordered by name.
func (c *Catalog) List() []domain.DrillDownPath {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.DrillDownPath, 0, len(c.paths))
	for _, p := range c.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validatePath enforces the structural invariants: at least one level,
// strictly increasing contiguous orders starting at zero, and unique
// dimension names.
func validatePath(path domain.DrillDownPath) error {
	if path.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidPath)
	}
	if len(path.Levels) == 0 {
		return fmt.Errorf("%w: at least one level required", ErrInvalidPath)
	}
	seen := make(map[string]struct{}, len(path.Levels))
	for i, level := range path.Levels {
		if level.Order != i {
			return fmt.Errorf("%w: level orders must be contiguous from 0, got %d at position %d", ErrInvalidPath, level.Order, i)
		}
		if level.Dimension == "" {
			return fmt.Errorf("%w: level %d missing dimension", ErrInvalidPath, i)
		}
		if _, dup := seen[level.Dimension]; dup {
			return fmt.Errorf("%w: duplicate dimension %q", ErrInvalidPath, level.Dimension)
		}
		seen[level.Dimension] = struct{}{}
		if level.Aggregation != "" && !level.Aggregation.Valid() {
			return fmt.Errorf("%w: level %d has unknown aggregation %q", ErrInvalidPath, i, level.Aggregation)
		}
	}
	return nil
}

type pathsFile struct {
	Paths []domain.DrillDownPath `yaml:"paths"`
}

// LoadFile bootstraps the catalog from a yaml definitions file. Invalid
// entries fail the whole load so a bad deploy is caught at startup.
func (c *Catalog) LoadFile(filename string, logger *slog.Logger) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read paths file: %w", err)
	}
	var file pathsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse paths file: %w", err)
	}
	for _, path := range file.Paths {
		if _, err := c.Create(path); err != nil {
			return fmt.Errorf("path %q: %w", path.Name, err)
		}
	}
	if logger != nil {
		logger.Info("drill-down paths loaded", "file", filename, "count", len(file.Paths))
	}
	return nil
}
