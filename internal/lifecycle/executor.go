package lifecycle

import (
	"context"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// Spec is what the scheduler needs to run one instance.
type Spec struct {
	Service  string
	Instance domain.InstanceID
	Ordinal  int
	Command  []string
	Env      map[string]string
	WorkDir  string
	Address  string
	Limits   domain.ResourceLimits
	Isolated bool
}

// Executor is the narrow scheduler capability consumed by the controller.
// Both calls must honour ctx. Signal with Terminate or Kill returns once the unit
// has exited; Reload returns once the signal is delivered.
type Executor interface {
	Start(ctx context.Context, spec Spec) (domain.Handle, error)
	Signal(ctx context.Context, h domain.Handle, sig domain.Signal) error
}

func specFor(def domain.ServiceDefinition, inst domain.Instance) Spec {
	return Spec{
		Service:  def.Name,
		Instance: inst.ID,
		Ordinal:  inst.Ordinal,
		Command:  def.Command,
		Env:      def.Env,
		WorkDir:  def.WorkDir,
		Address:  inst.Address,
		Limits:   def.Limits,
		Isolated: def.Network.Isolated,
	}
}
