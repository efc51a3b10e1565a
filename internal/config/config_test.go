package config

import (
	"slices"
	"testing"
	"time"

	"github.com/MrSnakeDoc/keel/internal/lifecycle"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.ListenPort != ":8080" {
		t.Errorf("ListenPort = %q", cfg.ListenPort)
	}
	if cfg.Executor != "process" {
		t.Errorf("Executor = %q", cfg.Executor)
	}
	if cfg.StopPolicy != lifecycle.StopCascade {
		t.Errorf("StopPolicy = %s", cfg.StopPolicy)
	}
	if cfg.DependencyPolicy != lifecycle.DependencyFlagOnly {
		t.Errorf("DependencyPolicy = %s", cfg.DependencyPolicy)
	}
	if cfg.PersistenceEnabled() {
		t.Error("persistence must be off without a redis address")
	}
	if cfg.MaxRecoveries != 4 {
		t.Errorf("MaxRecoveries = %d", cfg.MaxRecoveries)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KEEL_EXECUTOR", "simulated")
	t.Setenv("KEEL_STOP_POLICY", "fail-fast")
	t.Setenv("KEEL_DEPENDENCY_POLICY", "force-stop")
	t.Setenv("KEEL_REDIS_ADDR", "localhost:6379")
	t.Setenv("KEEL_ALLOWED_CIDRS", `"10.0.0.0/8", 127.0.0.1 ,`)
	t.Setenv("KEEL_RATE_LIMIT_RPS", "2.5")
	t.Setenv("KEEL_MANIFEST_FILE", "/etc/keel/services.yaml")

	cfg := Load()

	if cfg.Executor != "simulated" {
		t.Errorf("Executor = %q", cfg.Executor)
	}
	if cfg.StopPolicy != lifecycle.StopFailFast {
		t.Errorf("StopPolicy = %s", cfg.StopPolicy)
	}
	if cfg.DependencyPolicy != lifecycle.DependencyForceStop {
		t.Errorf("DependencyPolicy = %s", cfg.DependencyPolicy)
	}
	if !cfg.PersistenceEnabled() {
		t.Error("persistence should be on")
	}
	if want := []string{"10.0.0.0/8", "127.0.0.1"}; !slices.Equal(cfg.AllowedCIDRS, want) {
		t.Errorf("AllowedCIDRS = %v, want %v", cfg.AllowedCIDRS, want)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("RateLimitRPS = %v", cfg.RateLimitRPS)
	}
	if cfg.ManifestFile != "/etc/keel/services.yaml" {
		t.Errorf("ManifestFile = %q", cfg.ManifestFile)
	}
}

func TestLoad_PanicsOnBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "executor", key: "KEEL_EXECUTOR", val: "docker"},
		{name: "stop policy", key: "KEEL_STOP_POLICY", val: "eventually"},
		{name: "dependency policy", key: "KEEL_DEPENDENCY_POLICY", val: "ignore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Load() should have panicked for %s=%s", tt.key, tt.val)
				}
			}()
			Load()
		})
	}
}

func TestMustDuration(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      time.Duration
		expected time.Duration
	}{
		{
			name:     "valid duration",
			key:      "TEST_DURATION",
			value:    "5s",
			def:      1 * time.Second,
			expected: 5 * time.Second,
		},
		{
			name:     "invalid duration uses default",
			key:      "TEST_DURATION_INVALID",
			value:    "invalid",
			def:      10 * time.Second,
			expected: 10 * time.Second,
		},
		{
			name:     "missing variable uses default",
			key:      "TEST_DURATION_MISSING",
			def:      15 * time.Second,
			expected: 15 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if got := mustDuration(tt.key, tt.def); got != tt.expected {
				t.Errorf("mustDuration() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestMustBool(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      bool
		expected bool
	}{
		{name: "true value", value: "true", def: false, expected: true},
		{name: "false value", value: "false", def: true, expected: false},
		{name: "invalid value uses default", value: "invalid", def: true, expected: true},
		{name: "missing variable uses default", value: "", def: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("TEST_BOOL", tt.value)
			}
			if got := mustBool("TEST_BOOL", tt.def); got != tt.expected {
				t.Errorf("mustBool() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetenvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "12")
	t.Setenv("TEST_INT_BAD", "twelve")
	t.Setenv("TEST_FLOAT", "0.5")

	if got := getenvInt("TEST_INT", 1); got != 12 {
		t.Errorf("getenvInt() = %d", got)
	}
	if got := getenvInt("TEST_INT_BAD", 1); got != 1 {
		t.Errorf("getenvInt() with bad value = %d", got)
	}
	if got := getenvFloat("TEST_FLOAT", 1); got != 0.5 {
		t.Errorf("getenvFloat() = %v", got)
	}
	if got := getenvFloat("TEST_FLOAT_MISSING", 3); got != 3 {
		t.Errorf("getenvFloat() default = %v", got)
	}
}
