package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/metrics"
	"github.com/MrSnakeDoc/keel/internal/orchestrator"
)

// Pinger reports whether the persistence backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	AllowedCIDRS   []string           // IPs allowed to reach the API, metrics and readyz
	TrustProxy     bool               // true if running behind a trusted reverse proxy
	RateLimitRPS   float64            // per-client API rate (0 = unlimited)
	RateLimitBurst int                // per-client API burst
	Core           *orchestrator.Core // orchestration core serving every management call
	Store          Pinger             // persistence backend (nil if disabled)
	Metrics        *metrics.Metrics   // collectors exposed on /metrics (nil disables the route)
	ManifestFile   string             // manifest path ("" if the keel runs API only)
	ReloadTrigger  chan struct{}      // channel to trigger a manifest reload (nil if no manifest)
}
