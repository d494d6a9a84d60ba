// Package catalog loads stack and product definitions from YAML files into
// the store, so an operator can ship a catalog alongside the binary instead
// of registering every entry over the API.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/internal/core/compose"
	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// =============================================================================
// File Format
// =============================================================================

// File is one catalog YAML document. A file may declare any mix of stacks
// and products; products may reference stacks from other files.
type File struct {
	Stacks   []StackEntry   `yaml:"stacks"`
	Products []ProductEntry `yaml:"products"`
}

// StackEntry declares one catalog stack.
type StackEntry struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Description      string            `yaml:"description"`
	Version          string            `yaml:"version"`
	Manifest         string            `yaml:"manifest"`
	DefaultVariables map[string]string `yaml:"default_variables"`
}

// ProductEntry declares one catalog product version.
type ProductEntry struct {
	ID              string            `yaml:"id"`
	GroupID         string            `yaml:"group_id"`
	Name            string            `yaml:"name"`
	Description     string            `yaml:"description"`
	Version         string            `yaml:"version"`
	Stacks          []StackRefEntry   `yaml:"stacks"`
	SharedVariables map[string]string `yaml:"shared_variables"`
}

// StackRefEntry is a product's reference to a stack.
type StackRefEntry struct {
	StackID    string `yaml:"stack_id"`
	OrderIndex int    `yaml:"order_index"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader reads catalog files and upserts their entries.
type Loader struct {
	store  store.Store
	logger *slog.Logger
}

// NewLoader creates a catalog loader.
func NewLoader(st store.Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:  st,
		logger: logger.With("component", "catalog"),
	}
}

// LoadDir loads every .yaml/.yml file in dir, stacks before products so that
// same-directory references resolve. Returns how many entries were loaded.
func (l *Loader) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog dir %s: %w", dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		file, err := l.parseFile(path)
		if err != nil {
			return 0, err
		}
		files = append(files, *file)
	}

	loaded := 0
	for _, f := range files {
		for _, s := range f.Stacks {
			if err := l.upsertStack(ctx, s); err != nil {
				return loaded, err
			}
			loaded++
		}
	}
	for _, f := range files {
		for _, p := range f.Products {
			if err := l.upsertProduct(ctx, p); err != nil {
				return loaded, err
			}
			loaded++
		}
	}

	l.logger.Info("catalog loaded", "dir", dir, "entries", loaded)
	return loaded, nil
}

func (l *Loader) parseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &file, nil
}

func (l *Loader) upsertStack(ctx context.Context, entry StackEntry) error {
	if entry.ID == "" || entry.Name == "" || entry.Version == "" || entry.Manifest == "" {
		return fmt.Errorf("stack %q: id, name, version and manifest are required", entry.ID)
	}
	if _, err := compose.Parse(entry.Manifest); err != nil {
		return fmt.Errorf("stack %s: invalid manifest: %w", entry.ID, err)
	}

	now := time.Now().UTC()
	stack := &domain.Stack{
		ID:               entry.ID,
		Name:             entry.Name,
		Description:      entry.Description,
		Version:          entry.Version,
		Manifest:         entry.Manifest,
		DefaultVariables: entry.DefaultVariables,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := l.store.CreateStack(ctx, stack)
	if errors.Is(err, store.ErrDuplicateID) {
		existing, getErr := l.store.GetStack(ctx, entry.ID)
		if getErr != nil {
			return getErr
		}
		stack.CreatedAt = existing.CreatedAt
		return l.store.UpdateStack(ctx, stack)
	}
	return err
}

func (l *Loader) upsertProduct(ctx context.Context, entry ProductEntry) error {
	if entry.ID == "" || entry.Name == "" || entry.Version == "" || len(entry.Stacks) == 0 {
		return fmt.Errorf("product %q: id, name, version and stacks are required", entry.ID)
	}

	refs := make([]domain.ProductStackRef, 0, len(entry.Stacks))
	for _, ref := range entry.Stacks {
		if _, err := l.store.GetStack(ctx, ref.StackID); err != nil {
			return fmt.Errorf("product %s: unknown stack %s: %w", entry.ID, ref.StackID, err)
		}
		refs = append(refs, domain.ProductStackRef{StackID: ref.StackID, OrderIndex: ref.OrderIndex})
	}

	groupID := entry.GroupID
	if groupID == "" {
		groupID = entry.ID
	}

	now := time.Now().UTC()
	product := &domain.Product{
		ID:              entry.ID,
		GroupID:         groupID,
		Name:            entry.Name,
		Description:     entry.Description,
		Version:         entry.Version,
		Stacks:          refs,
		SharedVariables: entry.SharedVariables,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := l.store.CreateProduct(ctx, product)
	if errors.Is(err, store.ErrDuplicateID) {
		existing, getErr := l.store.GetProduct(ctx, entry.ID)
		if getErr != nil {
			return getErr
		}
		product.CreatedAt = existing.CreatedAt
		return l.store.UpdateProduct(ctx, product)
	}
	return err
}
