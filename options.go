package trama

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// DefaultMemoryCapacity bounds a single parcel payload unless
// WithMemoryCapacity overrides it.
const DefaultMemoryCapacity = 16 << 20

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	queueLimits  PutLimits
	memoryCap    int
}

// Option to pass to `NewNode`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		if handler != nil {
			c.logHandler = handler
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by your `Node` and its portals.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithQueueLimits sets the default back-pressure limits applied to every
// put that does not carry its own. Zero fields mean unlimited.
func WithQueueLimits(limits PutLimits) Option {
	return func(c *config) error {
		if limits.MaxQueuedParcels < 0 || limits.MaxQueuedBytes < 0 {
			return ErrInvalidConfig
		}
		c.queueLimits = limits
		return nil
	}
}

// WithMemoryCapacity caps the payload size of a single parcel, bounding
// what one put can pin in memory.
func WithMemoryCapacity(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return ErrInvalidConfig
		}
		if n == 0 {
			n = DefaultMemoryCapacity
		}
		c.memoryCap = n
		return nil
	}
}

func defaultConfig() *config {
	return &config{
		logHandler: slog.Default().Handler(),
		metricSink: &metrics.BlackholeSink{},
		memoryCap:  DefaultMemoryCapacity,
	}
}
