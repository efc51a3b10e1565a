// Package executor runs service instances as units of execution.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/lifecycle"
)

// ErrUnknownHandle is returned for handles the executor never issued or already reaped.
var ErrUnknownHandle = errors.New("unknown handle")

type simUnit struct {
	spec  lifecycle.Spec
	alive bool
}

type simBehaviour struct {
	failStarts  int
	startDelay  time.Duration
	stickyStop  bool
	failReloads bool
}

// Simulated runs nothing. Units exist only in memory, and failures are injected
// per service. It backs KEEL_EXECUTOR=simulated and the test suites.
type Simulated struct {
	mu        sync.Mutex
	next      domain.Handle
	units     map[domain.Handle]*simUnit
	behaviour map[string]*simBehaviour
	starts    map[string]int
	signals   map[string]map[domain.Signal]int
}

func NewSimulated() *Simulated {
	return &Simulated{
		units:     make(map[domain.Handle]*simUnit),
		behaviour: make(map[string]*simBehaviour),
		starts:    make(map[string]int),
		signals:   make(map[string]map[domain.Signal]int),
	}
}

func (s *Simulated) behaviourFor(service string) *simBehaviour {
	b, ok := s.behaviour[service]
	if !ok {
		b = &simBehaviour{}
		s.behaviour[service] = b
	}
	return b
}

// FailStarts makes the next n starts of service fail. A negative n fails every start.
func (s *Simulated) FailStarts(service string, n int) {
	s.mu.Lock()
	s.behaviourFor(service).failStarts = n
	s.mu.Unlock()
}

// DelayStarts makes every start of service take d, or until ctx is done.
func (s *Simulated) DelayStarts(service string, d time.Duration) {
	s.mu.Lock()
	s.behaviourFor(service).startDelay = d
	s.mu.Unlock()
}

// IgnoreTerminate makes units of service survive Terminate until ctx is done.
func (s *Simulated) IgnoreTerminate(service string, on bool) {
	s.mu.Lock()
	s.behaviourFor(service).stickyStop = on
	s.mu.Unlock()
}

// FailReloads makes Reload fail for service.
func (s *Simulated) FailReloads(service string, on bool) {
	s.mu.Lock()
	s.behaviourFor(service).failReloads = on
	s.mu.Unlock()
}

// Crash marks the unit of an instance dead without telling the controller.
func (s *Simulated) Crash(iid domain.InstanceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.units {
		if u.spec.Instance == iid && u.alive {
			u.alive = false
			return true
		}
	}
	return false
}

// Starts returns how many times service was started, failed attempts included.
func (s *Simulated) Starts(service string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts[service]
}

// Signals returns how many times sig was sent to units of service.
func (s *Simulated) Signals(service string, sig domain.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[service][sig]
}

// Running returns the number of live units.
func (s *Simulated) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.units {
		if u.alive {
			n++
		}
	}
	return n
}

func (s *Simulated) Start(ctx context.Context, spec lifecycle.Spec) (domain.Handle, error) {
	s.mu.Lock()
	s.starts[spec.Service]++
	b := *s.behaviourFor(spec.Service)
	fail := b.failStarts != 0
	if b.failStarts > 0 {
		s.behaviour[spec.Service].failStarts--
	}
	s.mu.Unlock()

	if b.startDelay > 0 {
		t := time.NewTimer(b.startDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
	}
	if fail {
		return 0, fmt.Errorf("simulated start failure for %s", spec.Service)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.units[s.next] = &simUnit{spec: spec, alive: true}
	return s.next, nil
}

func (s *Simulated) Signal(ctx context.Context, h domain.Handle, sig domain.Signal) error {
	s.mu.Lock()
	u, ok := s.units[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	svc := u.spec.Service
	if s.signals[svc] == nil {
		s.signals[svc] = make(map[domain.Signal]int)
	}
	s.signals[svc][sig]++
	b := *s.behaviourFor(svc)
	s.mu.Unlock()

	switch sig {
	case domain.SignalReload:
		if b.failReloads {
			return fmt.Errorf("simulated reload failure for %s", svc)
		}
		return nil
	case domain.SignalTerminate:
		if b.stickyStop {
			<-ctx.Done()
			return ctx.Err()
		}
	}

	s.mu.Lock()
	delete(s.units, h)
	s.mu.Unlock()
	return nil
}

// Alive reports whether the unit behind h still runs.
func (s *Simulated) Alive(_ context.Context, h domain.Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[h]
	if !ok {
		return false, nil
	}
	return u.alive, nil
}
