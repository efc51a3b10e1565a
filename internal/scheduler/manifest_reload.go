package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/orchestrator"
	"github.com/MrSnakeDoc/keel/internal/sources/manifest"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Applier reconciles the registry with a declared set of services.
type Applier interface {
	Apply(defs []domain.ServiceDefinition) (orchestrator.ApplyResult, error)
}

// DefinitionWriter persists applied definitions.
type DefinitionWriter interface {
	SaveDefinitions(ctx context.Context, defs []domain.ServiceDefinition) error
}

// ManifestReloader applies the manifest on a ticker, on demand and, when
// watching is enabled, whenever the file changes.
type ManifestReloader struct {
	loader        *manifest.Loader
	core          Applier
	store         DefinitionWriter
	logger        logger.Logger
	interval      time.Duration
	watch         bool
	debounce      time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	done          sync.WaitGroup
	manualTrigger <-chan struct{}

	mu   sync.Mutex
	last orchestrator.ApplyResult
}

// NewManifestReloader builds a reloader. store may be nil.
func NewManifestReloader(
	manifestFile string,
	core Applier,
	store DefinitionWriter,
	log logger.Logger,
	interval time.Duration,
	watch bool,
	manualTrigger <-chan struct{},
) *ManifestReloader {
	return &ManifestReloader{
		loader:        manifest.NewLoader(manifestFile),
		core:          core,
		store:         store,
		logger:        log.Named("manifest"),
		interval:      interval,
		watch:         watch,
		debounce:      DefaultWatchDebounce,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start applies the manifest once and then keeps it in sync. A broken manifest
// at boot is fatal; later failures are logged and the previous state is kept.
func (mr *ManifestReloader) Start(ctx context.Context) error {
	if _, err := mr.Reload(ctx); err != nil {
		return fmt.Errorf("initial reload failed: %w", err)
	}

	var changes <-chan struct{}
	if mr.watch {
		ch, err := mr.watchFile()
		if err != nil {
			mr.logger.Warn("manifest watch unavailable, relying on the ticker", logger.Error(err))
		} else {
			changes = ch
		}
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if mr.interval > 0 {
		ticker = time.NewTicker(mr.interval)
		tick = ticker.C
	}

	mr.done.Add(1)
	go func() {
		defer mr.done.Done()
		if ticker != nil {
			defer ticker.Stop()
		}
		mr.loop(ctx, tick, changes)
	}()
	return nil
}

func (mr *ManifestReloader) loop(ctx context.Context, tick <-chan time.Time, changes <-chan struct{}) {
	for {
		var reason string
		select {
		case <-tick:
			reason = "interval"
		case <-changes:
			reason = "file changed"
		case <-mr.manualTrigger:
			reason = "manual"
			mr.logger.Info("manual reload triggered")
		case <-mr.stopCh:
			return
		case <-ctx.Done():
			return
		}
		if _, err := mr.Reload(ctx); err != nil {
			mr.logger.Error("failed to reload manifest",
				logger.String("reason", reason),
				logger.Error(err))
		}
	}
}

// Stop ends the loop and the file watch.
func (mr *ManifestReloader) Stop() {
	mr.stopOnce.Do(func() { close(mr.stopCh) })
	mr.done.Wait()
}

// Last returns the result of the most recent successful apply.
func (mr *ManifestReloader) Last() orchestrator.ApplyResult {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.last
}

// Reload loads, maps and applies the manifest, then persists it best effort.
func (mr *ManifestReloader) Reload(ctx context.Context) (orchestrator.ApplyResult, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	file, err := mr.loader.Load()
	if err != nil {
		return orchestrator.ApplyResult{}, fmt.Errorf("failed to load manifest: %w", err)
	}
	defs, err := manifest.ToDefinitions(file)
	if err != nil {
		return orchestrator.ApplyResult{}, fmt.Errorf("failed to map manifest: %w", err)
	}

	res, err := mr.core.Apply(defs)
	if err != nil {
		return orchestrator.ApplyResult{}, fmt.Errorf("failed to apply manifest: %w", err)
	}
	mr.last = res

	fields := []logger.Field{
		logger.Int("services", len(defs)),
		logger.Int("added", len(res.Added)),
		logger.Int("updated", len(res.Updated)),
		logger.Int("disabled", len(res.Disabled)),
		logger.Int("restored", len(res.Restored)),
	}
	if res.Changed() {
		mr.logger.Info("manifest reloaded", fields...)
	} else {
		mr.logger.Debug("manifest unchanged", fields...)
	}

	if mr.store != nil && res.Changed() {
		if err := mr.store.SaveDefinitions(ctx, defs); err != nil {
			mr.logger.Warn("failed to persist definitions", logger.Error(err))
		}
	}
	return res, nil
}

// watchFile watches the manifest's directory so atomic renames are seen.
// Events for the file are debounced into a single signal.
func (mr *ManifestReloader) watchFile() (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path, err := filepath.Abs(mr.loader.Path())
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	mr.done.Add(1)
	go func() {
		defer mr.done.Done()
		defer w.Close()

		timer := time.NewTimer(mr.debounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				timer.Reset(mr.debounce)
			case <-timer.C:
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					mr.logger.Warn("manifest watch error", logger.Error(err))
				}
			case <-mr.stopCh:
				return
			}
		}
	}()
	return out, nil
}
