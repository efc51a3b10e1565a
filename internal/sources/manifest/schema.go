package manifest

// File is the top-level structure of a service manifest.
type File struct {
	Services []ServiceSpec `yaml:"services"`
}

// ServiceSpec declares one service. Durations are integer milliseconds and enums
// are lowercase names.
type ServiceSpec struct {
	Name        string   `yaml:"name"`
	Version     uint64   `yaml:"version,omitempty"`
	Type        string   `yaml:"type,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`

	RequiredDependencies []string `yaml:"required_dependencies,omitempty"`
	OptionalDependencies []string `yaml:"optional_dependencies,omitempty"`

	Command  []string          `yaml:"command,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	WorkDir  string            `yaml:"work_dir,omitempty"`
	Replicas int               `yaml:"replicas,omitempty"`
	Weight   int               `yaml:"weight,omitempty"`
	Strategy string            `yaml:"strategy,omitempty"`

	AutoRestart       *bool   `yaml:"auto_restart,omitempty"`
	MaxRestarts       int     `yaml:"max_restarts,omitempty"`
	RestartDelayMs    int64   `yaml:"restart_delay_ms,omitempty"`
	Backoff           string  `yaml:"backoff,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`
	MaxDelayMs        int64   `yaml:"max_delay_ms,omitempty"`
	RecoveryAction    string  `yaml:"recovery_action,omitempty"`

	HealthCheck HealthCheckSpec `yaml:"health_check,omitempty"`
	Limits      LimitsSpec      `yaml:"limits,omitempty"`
	Network     NetworkSpec     `yaml:"network,omitempty"`
}

type HealthCheckSpec struct {
	Kind              string `yaml:"kind,omitempty"`
	Target            string `yaml:"target,omitempty"`
	IntervalMs        int64  `yaml:"interval_ms,omitempty"`
	TimeoutMs         int64  `yaml:"timeout_ms,omitempty"`
	MaxRetries        int    `yaml:"max_retries,omitempty"`
	DegradedLatencyMs int64  `yaml:"degraded_latency_ms,omitempty"`
}

type LimitsSpec struct {
	MaxMemoryMB   uint64  `yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent float64 `yaml:"max_cpu_percent,omitempty"`
	MaxInstances  int     `yaml:"max_instances,omitempty"`
}

type NetworkSpec struct {
	Address   string `yaml:"address,omitempty"`
	Isolated  bool   `yaml:"isolated,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}
