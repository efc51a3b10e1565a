package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keel/internal/logger"
)

const (
	// DefaultGCThreshold is how long a service dropped from the manifest stays
	// registered and disabled before it is removed.
	DefaultGCThreshold = 24 * time.Hour
)

// Collector is the part of the core the garbage collector drives.
type Collector interface {
	// Collect drops runtime state of instances that no longer exist.
	Collect() int
	// RemoveUnlisted unregisters services dropped from the manifest.
	RemoveUnlisted(olderThan time.Duration) []string
}

// DefinitionDeleter forgets persisted definitions.
type DefinitionDeleter interface {
	DeleteDefinition(ctx context.Context, name string) error
}

// GarbageCollector periodically removes stale services and runtime records.
type GarbageCollector struct {
	core      Collector
	store     DefinitionDeleter
	logger    logger.Logger
	interval  time.Duration
	threshold time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      sync.WaitGroup
}

// NewGarbageCollector creates a collector. store may be nil.
func NewGarbageCollector(
	core Collector,
	store DefinitionDeleter,
	log logger.Logger,
	interval time.Duration,
	threshold time.Duration,
) *GarbageCollector {
	if threshold == 0 {
		threshold = DefaultGCThreshold
	}

	return &GarbageCollector{
		core:      core,
		store:     store,
		logger:    log.Named("gc"),
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start runs one collection and then one per interval.
func (gc *GarbageCollector) Start(ctx context.Context) {
	gc.Collect(ctx)

	ticker := time.NewTicker(gc.interval)
	gc.done.Add(1)
	go func() {
		defer gc.done.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				gc.Collect(ctx)
			case <-gc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the garbage collector.
func (gc *GarbageCollector) Stop() {
	gc.stopOnce.Do(func() { close(gc.stopCh) })
	gc.done.Wait()
}

// Collect runs one pass and returns the names of removed services.
func (gc *GarbageCollector) Collect(ctx context.Context) []string {
	pruned := gc.core.Collect()
	removed := gc.core.RemoveUnlisted(gc.threshold)

	if gc.store != nil {
		for _, name := range removed {
			if err := gc.store.DeleteDefinition(ctx, name); err != nil {
				gc.logger.Warn("failed to delete definition from redis",
					logger.String("service", name),
					logger.Error(err))
			}
		}
	}

	if pruned > 0 || len(removed) > 0 {
		gc.logger.Info("garbage collection completed",
			logger.Int("records_pruned", pruned),
			logger.Strings("services_removed", removed))
	} else {
		gc.logger.Debug("nothing to garbage collect")
	}
	return removed
}
