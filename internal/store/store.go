// Package store persists one JSON metadata record per item on the local
// filesystem and applies partial, path-scoped updates to it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/model"
)

const (
	MetadataFile = "metadata.json"
	lockFile     = ".metadata.lock"
)

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrInvalidItemID   = errors.New("invalid item id")
	ErrInvalidPath     = errors.New("invalid update path")
	ErrVersionConflict = errors.New("metadata record version conflict")
)

// Store defines the metadata operations the rest of the system depends on.
type Store interface {
	List(ctx context.Context) ([]string, error)
	ItemDir(itemID string) string
	Read(ctx context.Context, itemID string) (model.Record, error)
	Merge(ctx context.Context, itemID string, updates map[string]any) error
	ApplyPatch(ctx context.Context, itemID string, updates map[string]any, opts PatchOptions) (model.Record, error)
}

// PatchOptions tunes how ApplyPatch combines updates with the stored record.
type PatchOptions struct {
	// Replace disables the shallow key union for map values.
	Replace bool
	// IfVersion rejects the patch with ErrVersionConflict unless the stored
	// record is at this version.
	IfVersion *int64
}

// FileStore keeps each item in its own directory under root.
type FileStore struct {
	root    string
	logger  *zap.Logger
	useLock bool
}

func NewFileStore(root string, useLock bool, logger *zap.Logger) *FileStore {
	return &FileStore{
		root:    root,
		logger:  logger.Named("store"),
		useLock: useLock,
	}
}

func (s *FileStore) Root() string {
	return s.root
}

// ItemDir returns the directory holding an item's images and metadata.
func (s *FileStore) ItemDir(itemID string) string {
	return filepath.Join(s.root, itemID)
}

// List returns item ids in directory scan order.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, ctx.Err()
}

// Read loads the record of an item. A missing or corrupt file yields an
// empty record.
func (s *FileStore) Read(ctx context.Context, itemID string) (model.Record, error) {
	if err := validateItemID(itemID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(itemID), nil
}

// Merge applies updates by dotted path, unioning map values with existing
// content.
func (s *FileStore) Merge(ctx context.Context, itemID string, updates map[string]any) error {
	_, err := s.ApplyPatch(ctx, itemID, updates, PatchOptions{})
	return err
}

// ApplyPatch loads the current record, applies updates and writes it back
// atomically. The write is skipped when the patch changes nothing, so the
// version only moves on real changes.
func (s *FileStore) ApplyPatch(ctx context.Context, itemID string, updates map[string]any, opts PatchOptions) (model.Record, error) {
	if err := validateItemID(itemID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := s.ItemDir(itemID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}

	normalized, err := normalizeUpdates(updates)
	if err != nil {
		return nil, err
	}

	if s.useLock {
		lock, err := acquire(filepath.Join(dir, lockFile))
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", itemID, err)
		}
		defer func() {
			if err := lock.release(); err != nil {
				s.logger.Warn("failed to release lock", zap.String("item", itemID), zap.Error(err))
			}
		}()
	}

	current := s.load(itemID)
	if opts.IfVersion != nil && current.Version() != *opts.IfVersion {
		return current, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, itemID, current.Version(), *opts.IfVersion)
	}

	next := deepCopy(current)
	paths := make([]string, 0, len(normalized))
	for path := range normalized {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := applyUpdate(next, path, normalized[path], opts.Replace); err != nil {
			return nil, err
		}
	}

	if reflect.DeepEqual(map[string]any(next), map[string]any(current)) {
		return next, nil
	}
	next[model.KeyVersion] = float64(current.Version() + 1)

	if err := s.write(itemID, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *FileStore) load(itemID string) model.Record {
	path := filepath.Join(s.ItemDir(itemID), MetadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("unreadable metadata, treating as empty", zap.String("item", itemID), zap.Error(err))
		}
		return model.Record{}
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil || rec == nil {
		s.logger.Warn("corrupt metadata, treating as empty", zap.String("item", itemID), zap.Error(err))
		return model.Record{}
	}
	return rec
}

func (s *FileStore) write(itemID string, rec model.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	dir := s.ItemDir(itemID)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", itemID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write metadata for %s: %w", itemID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync metadata for %s: %w", itemID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close metadata for %s: %w", itemID, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, MetadataFile)); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace metadata for %s: %w", itemID, err)
	}
	return nil
}

func validateItemID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidItemID, id)
	}
	return nil
}
