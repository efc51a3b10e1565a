package orchestrator

import (
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

// ApplyResult lists what a manifest reconcile changed, by service name.
type ApplyResult struct {
	Added     []string `json:"added,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	Disabled  []string `json:"disabled,omitempty"`
	Restored  []string `json:"restored,omitempty"`
}

// Changed reports whether the apply touched the registry.
func (r ApplyResult) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Disabled)+len(r.Restored) > 0
}

// Apply reconciles the registry with a full set of declared definitions.
//
// New and changed definitions are registered in one atomic batch; a changed
// definition gets the next version. Declared services missing from defs are
// disabled, not removed, and enabled again when they come back. Running
// instances keep their definition until they restart.
func (c *Core) Apply(defs []domain.ServiceDefinition) (ApplyResult, error) {
	var (
		res   ApplyResult
		batch []domain.ServiceDefinition
		seen  = make(map[string]bool, len(defs))
	)
	for _, def := range defs {
		seen[def.Name] = true
		current, ok := c.reg.DefinitionByName(def.Name)
		if !ok {
			batch = append(batch, def)
			res.Added = append(res.Added, def.Name)
			continue
		}
		if sameDefinition(current, def) {
			res.Unchanged = append(res.Unchanged, def.Name)
			continue
		}
		def.Version = max(def.Version, current.Version+1)
		batch = append(batch, def)
		res.Updated = append(res.Updated, def.Name)
	}
	if _, err := c.reg.RegisterBatch(batch); err != nil {
		return ApplyResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for name := range seen {
		c.declared[name] = true
		if _, was := c.unlisted[name]; !was {
			continue
		}
		delete(c.unlisted, name)
		if id, ok := c.reg.ID(name); ok {
			if err := c.ctrl.Enable(id); err == nil {
				res.Restored = append(res.Restored, name)
			}
		}
	}
	for name := range c.declared {
		if seen[name] {
			continue
		}
		if _, already := c.unlisted[name]; already {
			continue
		}
		id, ok := c.reg.ID(name)
		if !ok {
			delete(c.declared, name)
			continue
		}
		if err := c.ctrl.Disable(id); err != nil {
			c.log.Warn("disable unlisted service", logger.String("service", name), logger.Error(err))
			continue
		}
		c.unlisted[name] = now
		res.Disabled = append(res.Disabled, name)
	}
	slices.Sort(res.Restored)
	slices.Sort(res.Disabled)

	c.log.Info("manifest applied",
		logger.Int("added", len(res.Added)),
		logger.Int("updated", len(res.Updated)),
		logger.Int("unchanged", len(res.Unchanged)),
		logger.Int("disabled", len(res.Disabled)),
		logger.Int("restored", len(res.Restored)))
	return res, nil
}

// RemoveUnlisted unregisters services a manifest dropped more than olderThan
// ago and that no longer have instances. It returns their names.
func (c *Core) RemoveUnlisted(olderThan time.Duration) []string {
	c.mu.Lock()
	var stale []string
	cutoff := time.Now().Add(-olderThan)
	for name, at := range c.unlisted {
		if at.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	c.mu.Unlock()
	slices.Sort(stale)

	var removed []string
	for _, name := range stale {
		snap, err := c.reg.Lookup(name)
		if err != nil || len(snap.Instances) > 0 {
			continue
		}
		if err := c.reg.Unregister(snap.ID); err != nil {
			c.log.Debug("keep unlisted service", logger.String("service", name), logger.Error(err))
			continue
		}
		c.mu.Lock()
		delete(c.unlisted, name)
		delete(c.declared, name)
		c.mu.Unlock()
		removed = append(removed, name)
	}
	return removed
}

// Unlisted returns the services a manifest dropped and when.
func (c *Core) Unlisted() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.unlisted)
}

func sameDefinition(a, b domain.ServiceDefinition) bool {
	a.Version, b.Version = 0, 0
	return reflect.DeepEqual(a, b)
}

// Restore registers persisted definitions whose names are not registered yet.
// They are treated like API-created services until a manifest declares them.
// It returns the restored names.
func (c *Core) Restore(defs []domain.ServiceDefinition) ([]string, error) {
	var (
		batch []domain.ServiceDefinition
		names []string
	)
	for _, def := range defs {
		if _, ok := c.reg.ID(def.Name); ok {
			continue
		}
		batch = append(batch, def)
		names = append(names, def.Name)
	}
	if _, err := c.reg.RegisterBatch(batch); err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}
