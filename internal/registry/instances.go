package registry

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

type slot struct {
	mu      sync.RWMutex
	inst    domain.Instance
	history *ring
}

// Instance returns a snapshot of one instance.
func (r *Registry) Instance(id domain.InstanceID) (domain.Instance, error) {
	s, err := r.slot(id)
	if err != nil {
		return domain.Instance{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inst, nil
}

// Instances returns snapshots of every instance of a service, by ordinal.
func (r *Registry) Instances(id domain.ServiceID) ([]domain.Instance, error) {
	snap, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(snap.Instances, func(a, b domain.Instance) int { return a.Ordinal - b.Ordinal })
	return snap.Instances, nil
}

// InstanceIDs returns every live instance id.
func (r *Registry) InstanceIDs() []domain.InstanceID {
	r.mu.RLock()
	out := make([]domain.InstanceID, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// RecordHealth stores the last-known result of an instance and appends it to the
// history ring. It returns the previous status.
func (r *Registry) RecordHealth(id domain.InstanceID, res domain.HealthResult) (domain.HealthStatus, error) {
	s, err := r.slot(id)
	if err != nil {
		return domain.HealthUnknown, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.inst.Health.Status
	s.inst.Health = res
	s.history.add(res)
	return prev, nil
}

// RecordHealthFor stores res only while the instance is still Running under
// handle h. It reports false when the instance moved on since the probe began.
func (r *Registry) RecordHealthFor(id domain.InstanceID, h domain.Handle, res domain.HealthResult) (domain.HealthStatus, bool, error) {
	s, err := r.slot(id)
	if err != nil {
		return domain.HealthUnknown, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.inst.Health.Status
	if s.inst.State != domain.StateRunning || s.inst.Handle != h {
		return prev, false, nil
	}
	s.inst.Health = res
	s.history.add(res)
	return prev, true, nil
}

// HealthHistory returns the retained results of an instance, oldest first.
func (r *Registry) HealthHistory(id domain.InstanceID) ([]domain.HealthResult, error) {
	s, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.items(), nil
}

func (r *Registry) slot(id domain.InstanceID) (*slot, error) {
	r.mu.RLock()
	s, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: instance %d", domain.ErrServiceNotFound, id)
	}
	return s, nil
}

// StateWriter is the only capability allowed to create instances and change their state.
// The registry hands it out once.
type StateWriter struct {
	r *Registry
}

// ClaimStateWriter returns the writer capability. A second claim is refused.
func (r *Registry) ClaimStateWriter() (*StateWriter, error) {
	if !r.writerHeld.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: state writer already claimed", domain.ErrPermissionDenied)
	}
	return &StateWriter{r: r}, nil
}

// AddInstance creates a Starting instance of a service at the given ordinal.
func (w *StateWriter) AddInstance(id domain.ServiceID, ordinal int) (domain.Instance, error) {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[id]
	if !ok {
		return domain.Instance{}, fmt.Errorf("%w: id %d", domain.ErrServiceNotFound, id)
	}
	if len(r.instances) >= r.cfg.MaxInstances {
		return domain.Instance{}, fmt.Errorf("%w: %d instances live", domain.ErrResourceExhausted, len(r.instances))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, iid := range e.instances {
		if r.instances[iid].ordinal() == ordinal {
			return domain.Instance{}, fmt.Errorf("%w: %s ordinal %d already live",
				domain.ErrServiceAlreadyExists, e.def.Name, ordinal)
		}
	}

	r.nextInst++
	inst := domain.Instance{
		ID:      r.nextInst,
		Service: id,
		Name:    e.def.Name,
		Ordinal: ordinal,
		State:   domain.StateStarting,
		Weight:  e.def.InstanceWeight(),
		Address: ordinalAddress(e.def.Network.Address, ordinal),
	}
	r.instances[inst.ID] = &slot{inst: inst, history: newRing(r.cfg.HistorySize)}
	e.instances = append(e.instances, inst.ID)
	e.updatedAt = r.now()
	return inst, nil
}

// UpdateState sets the state of an instance and returns the previous one.
func (w *StateWriter) UpdateState(id domain.InstanceID, state domain.State) (domain.State, error) {
	var prev domain.State
	err := w.mutate(id, func(inst *domain.Instance) {
		prev = inst.State
		inst.State = state
		if state != domain.StateRunning && state != domain.StateStarting {
			inst.Health = domain.HealthResult{}
		}
	})
	return prev, err
}

// SetHandle records the execution handle of a started instance.
func (w *StateWriter) SetHandle(id domain.InstanceID, h domain.Handle, startedAt time.Time) error {
	return w.mutate(id, func(inst *domain.Instance) {
		inst.Handle = h
		inst.StartedAt = startedAt
	})
}

// IncrementRestarts bumps the restart counter and returns its new value.
func (w *StateWriter) IncrementRestarts(id domain.InstanceID) (int, error) {
	var n int
	err := w.mutate(id, func(inst *domain.Instance) {
		inst.Restarts++
		n = inst.Restarts
	})
	return n, err
}

// SetRestarts carries a restart counter over to a replacement instance.
func (w *StateWriter) SetRestarts(id domain.InstanceID, n int) error {
	return w.mutate(id, func(inst *domain.Instance) {
		inst.Restarts = n
	})
}

// RemoveInstance destroys an instance record.
func (w *StateWriter) RemoveInstance(id domain.InstanceID) error {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %d", domain.ErrServiceNotFound, id)
	}
	delete(r.instances, id)

	s.mu.RLock()
	svc := s.inst.Service
	s.mu.RUnlock()
	if e, ok := r.services[svc]; ok {
		e.mu.Lock()
		e.instances = slices.DeleteFunc(e.instances, func(iid domain.InstanceID) bool { return iid == id })
		e.updatedAt = r.now()
		e.mu.Unlock()
	}
	return nil
}

func (w *StateWriter) mutate(id domain.InstanceID, fn func(inst *domain.Instance)) error {
	s, err := w.r.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	fn(&s.inst)
	s.mu.Unlock()
	return nil
}

func (s *slot) ordinal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inst.Ordinal
}

// ordinalAddress offsets the port of addr by ordinal.
func ordinalAddress(addr string, ordinal int) string {
	if addr == "" || ordinal == 0 {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(p+ordinal))
}
