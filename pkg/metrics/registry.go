// Package metrics provides Prometheus metrics collection for DittoKV
// components.
//
// All metrics are optional - if the registry is not initialized,
// constructors return no-op implementations with zero overhead. This
// allows the server to run with or without metrics collection enabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all DittoKV metrics
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe
// to call multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() returns nil and all metrics
// constructors return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when
// metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}
