package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// LivenessQuerier answers liveness checks. The executor implements it.
type LivenessQuerier interface {
	Alive(ctx context.Context, h domain.Handle) (bool, error)
}

// LimitChecker reports a unit that exceeds its declared resource limits. An
// executor that also implements it turns limit breaches into probe failures.
type LimitChecker interface {
	CheckLimits(ctx context.Context, h domain.Handle) error
}

// CommandFunc is a registered custom check. A nil error means healthy.
type CommandFunc func(ctx context.Context, inst domain.Instance) error

// AddressPlaceholder in an HTTP or TCP target is replaced by the instance address.
const AddressPlaceholder = "{address}"

var errNotAlive = errors.New("unit is not alive")

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{KeepAlive: 0}).DialContext,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// probe runs one attempt of the configured check kind, then the resource limit
// check when the executor supports it. ctx carries the timeout.
func (m *Monitor) probe(ctx context.Context, cfg domain.HealthCheckConfig, inst domain.Instance) error {
	if err := m.probeKind(ctx, cfg, inst); err != nil {
		return err
	}
	if m.limits == nil || inst.Handle == 0 {
		return nil
	}
	return m.limits.CheckLimits(ctx, inst.Handle)
}

func (m *Monitor) probeKind(ctx context.Context, cfg domain.HealthCheckConfig, inst domain.Instance) error {
	switch cfg.Kind {
	case domain.CheckHTTP:
		return m.probeHTTP(ctx, target(cfg.Target, inst))
	case domain.CheckTCP:
		return probeTCP(ctx, target(cfg.Target, inst))
	case domain.CheckCommand:
		m.mu.RLock()
		fn, ok := m.commands[cfg.Target]
		m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("no command registered as %q", cfg.Target)
		}
		return fn(ctx, inst)
	default:
		if m.live == nil {
			return nil
		}
		alive, err := m.live.Alive(ctx, inst.Handle)
		if err != nil {
			return err
		}
		if !alive {
			return errNotAlive
		}
		return nil
	}
}

func (m *Monitor) probeHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func probeTCP(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("no address to dial")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func target(t string, inst domain.Instance) string {
	if t == "" {
		return inst.Address
	}
	return strings.ReplaceAll(t, AddressPlaceholder, inst.Address)
}

// attempt runs probe under its own timeout and reports the elapsed time.
func (m *Monitor) attempt(ctx context.Context, cfg domain.HealthCheckConfig, inst domain.Instance) (time.Duration, error) {
	timeout := cfg.EffectiveTimeout()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := m.now()
	done := make(chan error, 1)
	go func() { done <- m.probe(pctx, cfg, inst) }()

	select {
	case err := <-done:
		took := m.now().Sub(began)
		if err != nil && pctx.Err() != nil {
			return took, fmt.Errorf("%w: timed out after %s", domain.ErrHealthCheckFailed, timeout)
		}
		if err != nil {
			return took, fmt.Errorf("%w: %v", domain.ErrHealthCheckFailed, err)
		}
		return took, nil
	case <-pctx.Done():
		return m.now().Sub(began), fmt.Errorf("%w: timed out after %s", domain.ErrHealthCheckFailed, timeout)
	}
}
