package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// fileFormat is the on-disk layout of a plan file
type fileFormat struct {
	Plans []*billing.Plan `yaml:"plans"`
}

// SyncFunc persists freshly loaded plans before they are served. It may
// assign plan IDs.
type SyncFunc func(ctx context.Context, plans []*billing.Plan) error

// File serves plans from a YAML file and swaps in a new snapshot whenever the
// file changes. A file that fails to parse or validate leaves the previous
// snapshot in place.
type File struct {
	path   string
	sync   SyncFunc
	logger *observability.Logger

	mu       sync.RWMutex
	snapshot *Static

	debounce time.Duration
	onReload func(error)
}

// ParsePlans decodes a plan file body
func ParsePlans(data []byte) ([]*billing.Plan, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	for _, p := range f.Plans {
		if p.Interval == "" {
			p.Interval = billing.PlanIntervalMonth
		}
		if p.Currency == "" {
			p.Currency = "usd"
		}
	}
	return f.Plans, nil
}

// NewFile loads path once. syncFn may be nil.
func NewFile(ctx context.Context, path string, syncFn SyncFunc, logger *observability.Logger) (*File, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	f := &File{
		path:     path,
		sync:     syncFn,
		logger:   logger.WithField("plan_file", path),
		debounce: 100 * time.Millisecond,
	}
	if err := f.Reload(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file and swaps the snapshot on success
func (f *File) Reload(ctx context.Context) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read plan file: %w", err)
	}
	plans, err := ParsePlans(data)
	if err != nil {
		return err
	}
	if f.sync != nil {
		if err := f.sync(ctx, plans); err != nil {
			return fmt.Errorf("failed to sync plans: %w", err)
		}
	}
	snapshot, err := NewStatic(plans)
	if err != nil {
		return fmt.Errorf("invalid plan file: %w", err)
	}

	f.mu.Lock()
	f.snapshot = snapshot
	f.mu.Unlock()

	f.logger.WithField("plans", len(plans)).Info("Plan catalog loaded")
	return nil
}

func (f *File) current() *Static {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshot
}

// PlanByKey implements billing.Catalog
func (f *File) PlanByKey(ctx context.Context, key string) (*billing.Plan, error) {
	return f.current().PlanByKey(ctx, key)
}

// PlanByID implements billing.Catalog
func (f *File) PlanByID(ctx context.Context, id int64) (*billing.Plan, error) {
	return f.current().PlanByID(ctx, id)
}

// ListPlans implements billing.Catalog
func (f *File) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	return f.current().ListPlans(ctx)
}

// Watch reloads the catalog when the file is written or replaced, until ctx
// is done. The parent directory is watched so editors that rename over the
// file are picked up.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(f.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Wait for the write to complete
				time.Sleep(f.debounce)

				err := f.Reload(ctx)
				if err != nil {
					f.logger.WithError(err).Error("Plan catalog reload failed, keeping previous plans")
				}
				if f.onReload != nil {
					f.onReload(err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.WithError(err).Warn("Plan file watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
