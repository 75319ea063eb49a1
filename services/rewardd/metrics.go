package rewardd

import "help2earn/observability"

// Metrics exposes Prometheus collectors for rewardd instrumentation.
type Metrics = observability.RewarddMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Rewardd() }
