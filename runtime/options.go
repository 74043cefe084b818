package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/pool"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	hosts     *host.Registry
	adapter   engine.Adapter
	store     artifact.Store
	metrics   prometheus.Registerer
	cost      pool.CostFunc
	observers []Observer
}

// WithLogger sets the logger. The engine logger is used by default.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegistry shares a host function registry between runtimes.
func WithRegistry(r *host.Registry) Option {
	return func(o *options) { o.hosts = r }
}

// WithAdapter runs on a as-is instead of creating the configured engine.
// The runtime does not close a.
func WithAdapter(a engine.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithStore persists compiled artifacts in s. It takes precedence over the
// configured artifact directory.
func WithStore(s artifact.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics registers pool metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.metrics = reg }
}

// WithCost weighs identities for eviction.
func WithCost(f pool.CostFunc) Option {
	return func(o *options) { o.cost = f }
}

// WithObserver is notified of every execution state transition.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}
