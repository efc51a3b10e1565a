// Package redis opens the optional persistence connection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keel/internal/logger"
)

// ConnectOptions configures the client and the boot-time retry loop.
type ConnectOptions struct {
	Addr         string
	User         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	// ConnectTimeout bounds the whole retry loop.
	ConnectTimeout time.Duration
	// RetryInterval is the first wait between pings. It doubles up to MaxWait.
	RetryInterval time.Duration
	MaxWait       time.Duration
	PingTimeout   time.Duration
	// WarnThreshold is the number of failed pings logged as warnings before
	// they are logged as errors.
	WarnThreshold int
}

func (o ConnectOptions) validate() error {
	var errs []error
	if o.Addr == "" {
		errs = append(errs, errors.New("address is empty"))
	}
	for name, d := range map[string]time.Duration{
		"connect timeout": o.ConnectTimeout,
		"retry interval":  o.RetryInterval,
		"max wait":        o.MaxWait,
		"ping timeout":    o.PingTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, d))
		}
	}
	if o.WarnThreshold < 0 {
		errs = append(errs, fmt.Errorf("warn threshold must be >= 0, got %d", o.WarnThreshold))
	}
	return errors.Join(errs...)
}

// New pings Redis until it answers or ConnectTimeout elapses. The keel keeps
// running without persistence when this fails, so callers log and continue.
func New(ctx context.Context, opts ConnectOptions, log logger.Logger) (*redis.Client, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	log = log.Named("redis")

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.User,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	log.Info("connecting to redis",
		logger.String("addr", opts.Addr),
		logger.Duration("timeout", opts.ConnectTimeout))

	began := time.Now()
	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		pctx, pcancel := context.WithTimeout(ctx, opts.PingTimeout)
		err := client.Ping(pctx).Err()
		pcancel()
		if err == nil {
			fields := []logger.Field{logger.String("addr", opts.Addr)}
			if attempt > 1 {
				fields = append(fields, logger.Int("attempts", attempt), logger.Duration("elapsed", time.Since(began)))
			}
			log.Info("connected to redis", fields...)
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = client.Close()
			log.Error("redis unavailable",
				logger.String("addr", opts.Addr),
				logger.Int("attempts", attempt),
				logger.Error(err))
			return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Addr, attempt, err)
		case <-timer.C:
		}

		fields := []logger.Field{
			logger.String("addr", opts.Addr),
			logger.Int("attempt", attempt),
			logger.Duration("next_retry_in", wait),
			logger.Error(err),
		}
		if attempt <= opts.WarnThreshold {
			log.Warn("redis ping failed, retrying", fields...)
		} else {
			log.Error("redis still unavailable", fields...)
		}
		wait = min(wait*2, opts.MaxWait)
	}
}
