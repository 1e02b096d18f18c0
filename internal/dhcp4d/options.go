package dhcp4d

import (
	"log/slog"
	"time"

	"github.com/psanford/dhcpeterd/internal/metrics"
)

// options holds the optional dependencies NewHandler accepts, following the
// teacher's functional-options pattern (originally used to inject a raw
// net.PacketConn; generalized here to the clock/logger/metrics a Handler
// can have swapped out in tests).
type options struct {
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an optional Handler dependency.
type Option interface {
	set(*options)
}

type clockOption struct{ now func() time.Time }

func (c clockOption) set(o *options) { o.now = c.now }

// WithClock overrides the handler's time source. Used by tests to control
// lease expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return clockOption{now: now}
}

type loggerOption struct{ log *slog.Logger }

func (l loggerOption) set(o *options) { o.log = l.log }

// WithLogger overrides the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return loggerOption{log: log}
}

type metricsOption struct{ m *metrics.Metrics }

func (m metricsOption) set(o *options) { o.metrics = m.m }

// WithMetrics overrides the handler's metrics bundle.
func WithMetrics(m *metrics.Metrics) Option {
	return metricsOption{m: m}
}
