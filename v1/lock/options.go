package lock

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// defaultPollInterval bounds a single wait on the signal cursor. Between
	// ticks the deadline and the holder's lease expiry are re-checked, so it
	// is also the worst-case lag of an expiry takeover.
	defaultPollInterval = 100 * time.Millisecond
	// defaultReleaseTimeout bounds the release performed by Handle.Close.
	defaultReleaseTimeout = 5 * time.Second
)

const tracerName = "github.com/mirkobrombin/go-warplock/v1/lock"

type config struct {
	pollInterval   time.Duration
	releaseTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

func defaultConfig() config {
	return config{
		pollInterval:   defaultPollInterval,
		releaseTimeout: defaultReleaseTimeout,
	}
}

// Option configures a Lock.
type Option func(*config)

// WithPollInterval sets the maximum duration of one blocking read on the
// signal channel. Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithReleaseTimeout bounds the store calls made by Handle.Close and by the
// deferred release of Do.
func WithReleaseTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.releaseTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithTracerProvider sets the provider spans are created from. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func (c *config) finish() {
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
}
