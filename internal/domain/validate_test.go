package domain

import (
	"errors"
	"testing"
	"time"
)

func validDefinition() ServiceDefinition {
	return ServiceDefinition{
		Name:                 "web",
		Type:                 TypeUser,
		RequiredDependencies: []string{"db"},
		OptionalDependencies: []string{"cache"},
		HealthCheck: HealthCheckConfig{
			Kind:     CheckTCP,
			Target:   "127.0.0.1:8080",
			Interval: time.Second,
			Timeout:  500 * time.Millisecond,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *ServiceDefinition)
		valid  bool
	}{
		{name: "valid", mutate: func(d *ServiceDefinition) {}, valid: true},
		{name: "empty name", mutate: func(d *ServiceDefinition) { d.Name = "" }},
		{name: "uppercase name", mutate: func(d *ServiceDefinition) { d.Name = "Web" }},
		{name: "self dependency", mutate: func(d *ServiceDefinition) { d.RequiredDependencies = []string{"web"} }},
		{name: "duplicate dependency", mutate: func(d *ServiceDefinition) { d.OptionalDependencies = []string{"db"} }},
		{name: "negative replicas", mutate: func(d *ServiceDefinition) { d.Replicas = -1 }},
		{name: "unknown strategy", mutate: func(d *ServiceDefinition) { d.Strategy = Strategy(42) }},
		{name: "tcp without target", mutate: func(d *ServiceDefinition) { d.HealthCheck.Target = "" }},
		{name: "timeout above interval", mutate: func(d *ServiceDefinition) { d.HealthCheck.Timeout = 2 * time.Second }},
		{name: "http target", mutate: func(d *ServiceDefinition) {
			d.HealthCheck = HealthCheckConfig{Kind: CheckHTTP, Target: "http://127.0.0.1/health"}
		}, valid: true},
		{name: "http without scheme", mutate: func(d *ServiceDefinition) {
			d.HealthCheck = HealthCheckConfig{Kind: CheckHTTP, Target: "127.0.0.1/health"}
		}},
		{name: "max instances below replicas", mutate: func(d *ServiceDefinition) {
			d.Replicas = 3
			d.Limits.MaxInstances = 2
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(&d)
			err := d.Validate()
			if tt.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidConfiguration) {
					t.Errorf("expected ErrInvalidConfiguration, got %v", err)
				}
				if !IsStatic(err) {
					t.Error("configuration errors must be static")
				}
			}
		})
	}
}

func TestParseEnum(t *testing.T) {
	var s Strategy
	if err := s.UnmarshalText([]byte("weighted_round_robin")); err != nil || s != StrategyWeightedRoundRobin {
		t.Errorf("got %v, %v", s, err)
	}
	var st ServiceType
	if err := st.UnmarshalText([]byte("LoadBalancer")); err != nil || st != TypeLoadBalancer {
		t.Errorf("got %v, %v", st, err)
	}
	var b BackoffKind
	if err := b.UnmarshalText([]byte("sideways")); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected invalid configuration, got %v", err)
	}
}

func TestCycleError(t *testing.T) {
	err := error(&CycleError{Nodes: []string{"a", "b"}, Path: []string{"a", "b", "a"}})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatal("CycleError should match ErrCircularDependency")
	}
	if got := err.Error(); got != "circular dependency: a -> b -> a" {
		t.Errorf("unexpected message %q", got)
	}
}
