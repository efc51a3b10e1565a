package scheduler

import (
	"context"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

// DefinitionReader lists persisted definitions.
type DefinitionReader interface {
	Definitions(ctx context.Context) ([]domain.ServiceDefinition, error)
}

// Restorer registers definitions that are not registered yet.
type Restorer interface {
	Restore(defs []domain.ServiceDefinition) ([]string, error)
}

// StateSyncer restores persisted definitions into the registry on startup.
type StateSyncer struct {
	store  DefinitionReader
	core   Restorer
	logger logger.Logger
}

// NewStateSyncer creates a syncer.
func NewStateSyncer(store DefinitionReader, core Restorer, log logger.Logger) *StateSyncer {
	return &StateSyncer{
		store:  store,
		core:   core,
		logger: log,
	}
}

// Sync loads definitions from Redis and registers the missing ones.
func (ss *StateSyncer) Sync(ctx context.Context) error {
	ss.logger.Info("syncing definitions from redis")

	defs, err := ss.store.Definitions(ctx)
	if err != nil {
		return err
	}

	if len(defs) == 0 {
		ss.logger.Info("no definitions found in redis")
		return nil
	}

	restored, err := ss.core.Restore(defs)
	if err != nil {
		return err
	}

	ss.logger.Info("synced definitions from redis",
		logger.Int("stored", len(defs)),
		logger.Strings("restored", restored))

	return nil
}
