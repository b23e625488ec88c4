package xio

import "github.com/rs/zerolog"

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// engineConfig holds the optional, injectable parts of an Engine. Zero
// value yields sane defaults via defaultEngineConfig(); callers customize it
// through functional options passed to New.
type engineConfig struct {
	logger  zerolog.Logger
	metrics Metrics
}

// defaultEngineConfig returns the configuration New uses when no options
// are supplied: a disabled logger and a no-op Metrics.
func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		logger:  zerolog.Nop(),
		metrics: noopMetrics{},
	}
}

func applyOptions(opts []Option) *engineConfig {
	cfg := defaultEngineConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithLogger sets the structured logger the engine uses for state
// transitions and I/O errors. Unset, the engine logs nothing.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the Metrics implementation the engine reports to. Unset,
// the engine reports to a no-op implementation.
func WithMetrics(metrics Metrics) Option {
	return func(c *engineConfig) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}
