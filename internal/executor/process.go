package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/lifecycle"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

type procUnit struct {
	spec lifecycle.Spec
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Process runs every instance as an operating system process.
type Process struct {
	log logger.Logger

	mu    sync.Mutex
	next  domain.Handle
	units map[domain.Handle]*procUnit
}

func NewProcess(log logger.Logger) *Process {
	return &Process{
		log:   log.Named("executor"),
		units: make(map[domain.Handle]*procUnit),
	}
}

func (p *Process) Start(ctx context.Context, spec lifecycle.Spec) (domain.Handle, error) {
	if len(spec.Command) == 0 {
		return 0, fmt.Errorf("%w: %s has no command", domain.ErrInvalidConfiguration, spec.Service)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// The unit outlives the start call, so it must not be bound to ctx.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"KEEL_SERVICE="+spec.Service,
		"KEEL_INSTANCE="+strconv.FormatUint(uint64(spec.Instance), 10),
		"KEEL_ORDINAL="+strconv.Itoa(spec.Ordinal),
		"KEEL_ADDRESS="+spec.Address,
	)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Service, err)
	}

	u := &procUnit{spec: spec, cmd: cmd, done: make(chan struct{})}
	go func() {
		u.err = cmd.Wait()
		close(u.done)
	}()

	p.mu.Lock()
	p.next++
	h := p.next
	p.units[h] = u
	p.mu.Unlock()

	p.log.Info("process started",
		logger.String("service", spec.Service),
		logger.Int("ordinal", spec.Ordinal),
		logger.Int("pid", cmd.Process.Pid))
	return h, nil
}

func (p *Process) Signal(ctx context.Context, h domain.Handle, sig domain.Signal) error {
	u, err := p.unit(h)
	if err != nil {
		return err
	}

	switch sig {
	case domain.SignalReload:
		return u.cmd.Process.Signal(syscall.SIGHUP)
	case domain.SignalTerminate:
		if err := u.cmd.Process.Signal(syscall.SIGTERM); err != nil && !exited(u) {
			return err
		}
	case domain.SignalKill:
		if err := u.cmd.Process.Kill(); err != nil && !exited(u) {
			return err
		}
	default:
		return fmt.Errorf("%w: unsupported signal %d", domain.ErrInvalidConfiguration, sig)
	}

	select {
	case <-u.done:
		p.mu.Lock()
		delete(p.units, h)
		p.mu.Unlock()
		p.log.Info("process exited",
			logger.String("service", u.spec.Service),
			logger.Int("ordinal", u.spec.Ordinal),
			logger.Stringer("signal", sig))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s did not exit after %s", domain.ErrServiceTimeout, u.spec.Service, sig)
	}
}

// Alive reports whether the process behind h still runs.
func (p *Process) Alive(ctx context.Context, h domain.Handle) (bool, error) {
	u, err := p.unit(h)
	if err != nil {
		return false, nil
	}
	if exited(u) {
		return false, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(u.cmd.Process.Pid))
	if err != nil {
		return false, nil
	}
	return proc.IsRunningWithContext(ctx)
}

// CheckLimits returns ErrResourceExhausted when the process exceeds its declared
// memory or CPU limit.
func (p *Process) CheckLimits(ctx context.Context, h domain.Handle) error {
	u, err := p.unit(h)
	if err != nil {
		return err
	}
	lim := u.spec.Limits
	if lim.MaxMemoryBytes == 0 && lim.MaxCPUPercent == 0 {
		return nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(u.cmd.Process.Pid))
	if err != nil {
		return err
	}
	if lim.MaxMemoryBytes > 0 {
		mem, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return err
		}
		if mem.RSS > lim.MaxMemoryBytes {
			return fmt.Errorf("%w: %s uses %d bytes, limit %d",
				domain.ErrResourceExhausted, u.spec.Service, mem.RSS, lim.MaxMemoryBytes)
		}
	}
	if lim.MaxCPUPercent > 0 {
		cpu, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			return err
		}
		if cpu > lim.MaxCPUPercent {
			return fmt.Errorf("%w: %s uses %.1f%% CPU, limit %.1f%%",
				domain.ErrResourceExhausted, u.spec.Service, cpu, lim.MaxCPUPercent)
		}
	}
	return nil
}

func (p *Process) unit(h domain.Handle) (*procUnit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.units[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return u, nil
}

func exited(u *procUnit) bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}
