// Package probe provides ICMP reachability checks.
package probe

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog"
)

// Service defines the interface for host reachability probes.
type Service interface {
	Ping(ctx context.Context, host string) bool
}

// Impl implements the probe Service using ICMP echo requests.
type Impl struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a probe service with the given per-host timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Impl {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Impl{timeout: timeout, logger: logger}
}

// Ping sends one echo request and reports whether a reply arrived within the
// timeout. Any error is treated as host unreachable, never propagated.
func (s *Impl) Ping(ctx context.Context, host string) bool {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		s.logger.Debug().Err(err).Str("host", host).Msg("ping setup failed")
		return false
	}
	pinger.Count = 1
	pinger.Timeout = s.timeout
	pinger.SetPrivileged(true)

	if err := pinger.RunWithContext(ctx); err != nil {
		s.logger.Debug().Err(err).Str("host", host).Msg("ping failed")
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
