package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/keel/internal/lifecycle"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 30s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	ManifestFile   string        // path to the services manifest (empty = API only)
	ReloadInterval time.Duration // interval to re-apply the manifest (0 = never)
	WatchManifest  bool          // re-apply when the manifest file changes
	GCInterval     time.Duration // interval to run garbage collection
	GCThreshold    time.Duration // how long an unlisted service stays disabled before removal
	StartOnBoot    bool          // start every enabled service once the manifest is applied
	StopOnShutdown bool          // stop every service in reverse dependency order on exit

	// Orchestration
	Executor          string // "process" | "simulated"
	TransitionTimeout time.Duration
	CallTimeout       time.Duration
	StopPolicy        lifecycle.StopPolicy
	DependencyPolicy  lifecycle.DependencyFailurePolicy
	MaxServices       int
	MaxInstances      int
	HealthHistory     int
	ReconcileInterval time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	MaxRecoveries     int64         // concurrent recovery actions system-wide
	RecoveryCeiling   time.Duration // hard cap of any recovery delay

	// Redis (optional, empty address disables persistence)
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts

	AllowedCIDRS   []string      // optional, restrict access to specific IP (e.g. "1.2.3.4, 10.0.0.0/8")
	TrustProxy     bool          // true => trust X-Forwarded-For headers
	RateLimitRPS   float64       // management API requests per second per client (0 = unlimited)
	RateLimitBurst int           // management API burst per client
	RequestTimeout time.Duration // per-request timeout of the management API
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("KEEL_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("KEEL_SHUTDOWN_TIMEOUT", 30*time.Second),

		// Logging
		LogLevel:  getenv("KEEL_LOG_LEVEL", "info"),
		PrettyLog: mustBool("KEEL_PRETTY_LOG", false),

		// Manifest
		ManifestFile:   getenv("KEEL_MANIFEST_FILE", ""),
		ReloadInterval: mustDuration("KEEL_RELOAD_INTERVAL", 5*time.Minute),
		WatchManifest:  mustBool("KEEL_WATCH_MANIFEST", true),
		GCInterval:     mustDuration("KEEL_GC_INTERVAL", time.Hour),
		GCThreshold:    mustDuration("KEEL_GC_THRESHOLD", 24*time.Hour),
		StartOnBoot:    mustBool("KEEL_START_ON_BOOT", true),
		StopOnShutdown: mustBool("KEEL_STOP_ON_SHUTDOWN", true),

		// Orchestration
		Executor:          getenv("KEEL_EXECUTOR", "process"),
		TransitionTimeout: mustDuration("KEEL_TRANSITION_TIMEOUT", lifecycle.DefaultTransitionTimeout),
		CallTimeout:       mustDuration("KEEL_CALL_TIMEOUT", time.Minute),
		StopPolicy:        mustStopPolicy("KEEL_STOP_POLICY"),
		DependencyPolicy:  mustDependencyPolicy("KEEL_DEPENDENCY_POLICY"),
		MaxServices:       getenvInt("KEEL_MAX_SERVICES", 1024),
		MaxInstances:      getenvInt("KEEL_MAX_INSTANCES", 8192),
		HealthHistory:     getenvInt("KEEL_HEALTH_HISTORY", 32),
		ReconcileInterval: mustDuration("KEEL_RECONCILE_INTERVAL", 5*time.Second),
		BreakerThreshold:  getenvInt("KEEL_BREAKER_THRESHOLD", 5),
		BreakerCooldown:   mustDuration("KEEL_BREAKER_COOLDOWN", 30*time.Second),
		MaxRecoveries:     int64(getenvInt("KEEL_MAX_RECOVERIES", 4)),
		RecoveryCeiling:   mustDuration("KEEL_RECOVERY_CEILING", 5*time.Minute),

		// Redis settings
		RedisAddr:           getenv("KEEL_REDIS_ADDR", ""),
		RedisUser:           getenv("KEEL_REDIS_USERNAME", ""),
		RedisPassword:       getenv("KEEL_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("KEEL_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Access restrictions
		AllowedCIDRS:   parseAllowedIPs(getenv("KEEL_ALLOWED_CIDRS", "")),
		TrustProxy:     mustBool("KEEL_TRUST_PROXY", false),
		RateLimitRPS:   getenvFloat("KEEL_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getenvInt("KEEL_RATE_LIMIT_BURST", 40),
		RequestTimeout: mustDuration("KEEL_REQUEST_TIMEOUT", 90*time.Second),
	}

	switch cfg.Executor {
	case "process", "simulated":
	default:
		panic(fmt.Sprintf("❌ FATAL: KEEL_EXECUTOR must be process or simulated, got %q", cfg.Executor))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfg.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// PersistenceEnabled reports whether a Redis address is configured.
func (c *Config) PersistenceEnabled() bool {
	return c.RedisAddr != ""
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Policies are safety relevant, so a typo is fatal instead of silently defaulted.
func mustStopPolicy(key string) lifecycle.StopPolicy {
	p, err := lifecycle.ParseStopPolicy(os.Getenv(key))
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: %s: %v", key, err))
	}
	return p
}

func mustDependencyPolicy(key string) lifecycle.DependencyFailurePolicy {
	p, err := lifecycle.ParseDependencyPolicy(os.Getenv(key))
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: %s: %v", key, err))
	}
	return p
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
