// Package registry is the authoritative store of service definitions and live instances.
//
// Structure (maps and indexes) is guarded by one RWMutex held only for lookups and
// inserts. Each service entry and each instance slot carries its own lock so that
// writes to different instances never contend.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/notify"
)

const (
	DefaultMaxServices  = 4096
	DefaultMaxInstances = 16384
	DefaultHistorySize  = 64
)

// Config bounds the registry arena.
type Config struct {
	MaxServices  int
	MaxInstances int
	HistorySize  int
}

// Lookup resolves a definition by name during admission.
type Lookup func(name string) (domain.ServiceDefinition, bool)

// AdmissionFunc vets candidate definitions against the current registry contents.
// It runs while the registry holds its structural write lock.
type AdmissionFunc func(candidates []domain.ServiceDefinition, lookup Lookup) error

// Registry owns every ServiceDefinition and Instance.
type Registry struct {
	cfg Config
	now func() time.Time

	mu         sync.RWMutex
	services   map[domain.ServiceID]*entry
	byName     map[string]domain.ServiceID
	byTag      map[string]map[domain.ServiceID]struct{}
	byType     map[domain.ServiceType]map[domain.ServiceID]struct{}
	instances  map[domain.InstanceID]*slot
	nextSvc    domain.ServiceID
	nextInst   domain.InstanceID
	admission  AdmissionFunc
	writerHeld atomic.Bool
	events     *notify.Hub[domain.RegistryEvent]
}

type entry struct {
	id domain.ServiceID

	mu           sync.RWMutex
	def          domain.ServiceDefinition
	disabled     bool
	paused       bool
	registeredAt time.Time
	updatedAt    time.Time
	instances    []domain.InstanceID
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MaxServices <= 0 {
		cfg.MaxServices = DefaultMaxServices
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Registry{
		cfg:       cfg,
		now:       time.Now,
		services:  make(map[domain.ServiceID]*entry),
		byName:    make(map[string]domain.ServiceID),
		byTag:     make(map[string]map[domain.ServiceID]struct{}),
		byType:    make(map[domain.ServiceType]map[domain.ServiceID]struct{}),
		instances: make(map[domain.InstanceID]*slot),
		events:    notify.NewHub[domain.RegistryEvent](0),
	}
}

// Subscribe returns a queue receiving every definition change. Changes are
// published in the order they are committed.
func (r *Registry) Subscribe(name string) *notify.Queue[domain.RegistryEvent] {
	return r.events.Subscribe(name)
}

// Unsubscribe detaches a queue returned by Subscribe.
func (r *Registry) Unsubscribe(q *notify.Queue[domain.RegistryEvent]) {
	r.events.Unsubscribe(q)
}

// Close closes every subscriber queue.
func (r *Registry) Close() { r.events.Close() }

// publishLocked emits a change. Caller holds r.mu for writing.
func (r *Registry) publishLocked(change domain.RegistryChange, id domain.ServiceID, def domain.ServiceDefinition, at time.Time) {
	r.events.Publish(domain.RegistryEvent{Change: change, Service: id, Name: def.Name, Version: def.Version, At: at})
}

// SetAdmission installs the admission hook (the dependency resolver's cycle check).
func (r *Registry) SetAdmission(fn AdmissionFunc) {
	r.mu.Lock()
	r.admission = fn
	r.mu.Unlock()
}

// Register adds a definition, or replaces an existing one carrying a lower Version.
func (r *Registry) Register(def domain.ServiceDefinition) (domain.ServiceID, error) {
	ids, err := r.RegisterBatch([]domain.ServiceDefinition{def})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// RegisterBatch admits every definition or none. Definitions in the batch may
// reference each other regardless of order.
func (r *Registry) RegisterBatch(defs []domain.ServiceDefinition) ([]domain.ServiceID, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	batch := make(map[string]domain.ServiceDefinition, len(defs))
	candidates := make([]domain.ServiceDefinition, 0, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := batch[def.Name]; dup {
			return nil, fmt.Errorf("%w: %s declared twice in batch", domain.ErrServiceAlreadyExists, def.Name)
		}
		def = def.Clone()
		batch[def.Name] = def
		candidates = append(candidates, def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := 0
	for _, def := range candidates {
		id, exists := r.byName[def.Name]
		if !exists {
			fresh++
			continue
		}
		current := r.services[id].definition()
		if def.Version <= current.Version {
			return nil, fmt.Errorf("%w: %s (version %d registered, got %d)",
				domain.ErrServiceAlreadyExists, def.Name, current.Version, def.Version)
		}
	}
	if len(r.services)+fresh > r.cfg.MaxServices {
		return nil, fmt.Errorf("%w: registry holds %d of %d services",
			domain.ErrResourceExhausted, len(r.services), r.cfg.MaxServices)
	}

	lookup := func(name string) (domain.ServiceDefinition, bool) {
		if def, ok := batch[name]; ok {
			return def, true
		}
		if id, ok := r.byName[name]; ok {
			return r.services[id].definition(), true
		}
		return domain.ServiceDefinition{}, false
	}

	for _, def := range candidates {
		for _, dep := range def.RequiredDependencies {
			if _, ok := lookup(dep); !ok {
				return nil, fmt.Errorf("%w: %s requires unknown service %s",
					domain.ErrInvalidConfiguration, def.Name, dep)
			}
		}
	}

	if r.admission != nil {
		if err := r.admission(candidates, lookup); err != nil {
			return nil, err
		}
	}

	now := r.now()
	ids := make([]domain.ServiceID, 0, len(candidates))
	for _, def := range candidates {
		if id, exists := r.byName[def.Name]; exists {
			e := r.services[id]
			old := e.definition()
			r.unindexLocked(id, old)
			e.mu.Lock()
			e.def = def
			e.updatedAt = now
			e.mu.Unlock()
			r.indexLocked(id, def)
			r.publishLocked(domain.ServiceReplaced, id, def, now)
			ids = append(ids, id)
			continue
		}
		r.nextSvc++
		id := r.nextSvc
		r.services[id] = &entry{id: id, def: def, registeredAt: now, updatedAt: now}
		r.byName[def.Name] = id
		r.indexLocked(id, def)
		r.publishLocked(domain.ServiceRegistered, id, def, now)
		ids = append(ids, id)
	}
	return ids, nil
}

// Unregister removes a service. It is refused while other services require it or
// while it still has instances.
func (r *Registry) Unregister(id domain.ServiceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[id]
	if !ok {
		return fmt.Errorf("%w: id %d", domain.ErrServiceNotFound, id)
	}
	def := e.definition()
	for otherID, other := range r.services {
		if otherID == id {
			continue
		}
		if od := other.definition(); od.Requires(def.Name) {
			return fmt.Errorf("%w: %s is required by %s", domain.ErrInvalidConfiguration, def.Name, od.Name)
		}
	}
	e.mu.RLock()
	live := len(e.instances)
	e.mu.RUnlock()
	if live > 0 {
		return fmt.Errorf("%w: %s still has %d instances", domain.ErrPermissionDenied, def.Name, live)
	}

	r.unindexLocked(id, def)
	delete(r.byName, def.Name)
	delete(r.services, id)
	r.publishLocked(domain.ServiceUnregistered, id, def, r.now())
	return nil
}

// Get returns an immutable snapshot of a service and its instances.
func (r *Registry) Get(id domain.ServiceID) (domain.ServiceSnapshot, error) {
	r.mu.RLock()
	e, ok := r.services[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ServiceSnapshot{}, fmt.Errorf("%w: id %d", domain.ErrServiceNotFound, id)
	}
	return r.snapshot(e), nil
}

// Lookup returns the snapshot of the service named name.
func (r *Registry) Lookup(name string) (domain.ServiceSnapshot, error) {
	id, ok := r.ID(name)
	if !ok {
		return domain.ServiceSnapshot{}, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, name)
	}
	return r.Get(id)
}

// ID resolves a service name.
func (r *Registry) ID(name string) (domain.ServiceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Definition returns a copy of the current definition.
func (r *Registry) Definition(id domain.ServiceID) (domain.ServiceDefinition, error) {
	r.mu.RLock()
	e, ok := r.services[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ServiceDefinition{}, fmt.Errorf("%w: id %d", domain.ErrServiceNotFound, id)
	}
	return e.definition().Clone(), nil
}

// DefinitionByName returns the definition named name.
func (r *Registry) DefinitionByName(name string) (domain.ServiceDefinition, bool) {
	r.mu.RLock()
	id, ok := r.byName[name]
	var e *entry
	if ok {
		e = r.services[id]
	}
	r.mu.RUnlock()
	if !ok {
		return domain.ServiceDefinition{}, false
	}
	return e.definition().Clone(), true
}

// Definitions returns every definition sorted by name.
func (r *Registry) Definitions() []domain.ServiceDefinition {
	r.mu.RLock()
	out := make([]domain.ServiceDefinition, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e.definition().Clone())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.ServiceDefinition) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// All returns snapshots of every service sorted by name.
func (r *Registry) All() []domain.ServiceSnapshot {
	ids := r.List(Filter{})
	out := make([]domain.ServiceSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := r.Get(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Dependents returns the names of services declaring name as a dependency.
// With requiredOnly, optional edges are ignored.
func (r *Registry) Dependents(name string, requiredOnly bool) []string {
	r.mu.RLock()
	var out []string
	for _, e := range r.services {
		def := e.definition()
		if def.Requires(name) || (!requiredOnly && slices.Contains(def.OptionalDependencies, name)) {
			out = append(out, def.Name)
		}
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// SetDisabled toggles the Disabled flag.
func (r *Registry) SetDisabled(id domain.ServiceID, disabled bool) error {
	return r.withEntry(id, func(e *entry) {
		e.disabled = disabled
	})
}

// SetPaused toggles the Paused flag.
func (r *Registry) SetPaused(id domain.ServiceID, paused bool) error {
	return r.withEntry(id, func(e *entry) {
		e.paused = paused
	})
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

func (r *Registry) withEntry(id domain.ServiceID, fn func(e *entry)) error {
	r.mu.RLock()
	e, ok := r.services[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: id %d", domain.ErrServiceNotFound, id)
	}
	e.mu.Lock()
	fn(e)
	e.updatedAt = r.now()
	e.mu.Unlock()
	return nil
}

func (r *Registry) snapshot(e *entry) domain.ServiceSnapshot {
	e.mu.RLock()
	snap := domain.ServiceSnapshot{
		ID:           e.id,
		Definition:   e.def.Clone(),
		Disabled:     e.disabled,
		Paused:       e.paused,
		RegisteredAt: e.registeredAt,
		UpdatedAt:    e.updatedAt,
	}
	ids := slices.Clone(e.instances)
	e.mu.RUnlock()

	snap.Instances = make([]domain.Instance, 0, len(ids))
	for _, iid := range ids {
		if inst, err := r.Instance(iid); err == nil {
			snap.Instances = append(snap.Instances, inst)
		}
	}
	return snap
}

func (e *entry) definition() domain.ServiceDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.def
}

func (r *Registry) indexLocked(id domain.ServiceID, def domain.ServiceDefinition) {
	for _, tag := range def.Tags {
		set, ok := r.byTag[tag]
		if !ok {
			set = make(map[domain.ServiceID]struct{})
			r.byTag[tag] = set
		}
		set[id] = struct{}{}
	}
	set, ok := r.byType[def.Type]
	if !ok {
		set = make(map[domain.ServiceID]struct{})
		r.byType[def.Type] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) unindexLocked(id domain.ServiceID, def domain.ServiceDefinition) {
	for _, tag := range def.Tags {
		if set, ok := r.byTag[tag]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byTag, tag)
			}
		}
	}
	if set, ok := r.byType[def.Type]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byType, def.Type)
		}
	}
}
