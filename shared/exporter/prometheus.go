package exporter

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cpa02cmz/quanforge-sub008/pkg/metrics"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/resilience"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// gaugeSet holds the series a snapshot is rendered into
type gaugeSet struct {
	integrationsByStatus *prometheus.GaugeVec
	systemStatus         *prometheus.GaugeVec
	averageUptime        *prometheus.GaugeVec

	health        *prometheus.GaugeVec
	requests      *prometheus.GaugeVec
	failures      *prometheus.GaugeVec
	errorRate     *prometheus.GaugeVec
	latency       *prometheus.GaugeVec
	circuitTrips  *prometheus.GaugeVec
	circuitOpen   *prometheus.GaugeVec
	fallbackUsage *prometheus.GaugeVec
	uptime        *prometheus.GaugeVec

	poolConnections *prometheus.GaugeVec
	poolPending     *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	poolTimeouts    *prometheus.GaugeVec

	discoveryServices *prometheus.GaugeVec
	discoveryCache    *prometheus.GaugeVec

	alerts *prometheus.CounterVec
}

func newGaugeSet(m *metrics.Manager) (*gaugeSet, error) {
	g := &gaugeSet{}
	integrationLabels := []string{"integration", "kind"}

	gauges := []struct {
		target **prometheus.GaugeVec
		name   string
		help   string
		labels []string
	}{
		{&g.integrationsByStatus, "integrations", "Registered integrations by derived status", []string{"status"}},
		{&g.systemStatus, "system_status", "Overall system status, 1 for the current status", []string{"status"}},
		{&g.averageUptime, "system_average_uptime_ratio", "Average uptime across integrations, 0 to 1", nil},
		{&g.health, "integration_health", "Integration health: 1 healthy, 0.5 degraded, 0 otherwise", integrationLabels},
		{&g.requests, "integration_requests", "Calls executed through the integration", integrationLabels},
		{&g.failures, "integration_failures", "Failed calls through the integration", integrationLabels},
		{&g.errorRate, "integration_error_rate", "Failed calls divided by calls", integrationLabels},
		{&g.latency, "integration_latency_seconds", "Call latency percentiles", append(integrationLabels, "quantile")},
		{&g.circuitTrips, "integration_circuit_trips", "Times the circuit breaker opened", integrationLabels},
		{&g.circuitOpen, "integration_circuit_open", "1 while the circuit breaker is open", integrationLabels},
		{&g.fallbackUsage, "integration_fallback_usage", "Calls answered by a fallback", integrationLabels},
		{&g.uptime, "integration_uptime_ratio", "Share of successful health checks, 0 to 1", integrationLabels},
		{&g.poolConnections, "pool_connections", "Pool connections by state", []string{"pool", "state"}},
		{&g.poolPending, "pool_pending_requests", "Acquire calls waiting for a connection", []string{"pool"}},
		{&g.poolUtilization, "pool_utilization_ratio", "Active connections divided by the pool maximum", []string{"pool"}},
		{&g.poolTimeouts, "pool_acquire_timeouts", "Acquire calls that timed out", []string{"pool"}},
		{&g.discoveryServices, "discovery_services", "Registered service instances by status", []string{"status"}},
		{&g.discoveryCache, "discovery_cache_lookups", "Discovery cache lookups by result", []string{"result"}},
	}
	for _, def := range gauges {
		vec, err := m.GaugeVec(def.name, def.help, def.labels)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize exporter metrics: %w", err)
		}
		*def.target = vec
	}

	var err error
	g.alerts, err = m.CounterVec("alerts_total", "Alerts raised by threshold and severity", []string{"threshold", "severity"})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize exporter metrics: %w", err)
	}
	return g, nil
}

func (g *gaugeSet) reset() {
	for _, vec := range []*prometheus.GaugeVec{
		g.integrationsByStatus, g.systemStatus, g.averageUptime,
		g.health, g.requests, g.failures, g.errorRate, g.latency,
		g.circuitTrips, g.circuitOpen, g.fallbackUsage, g.uptime,
		g.poolConnections, g.poolPending, g.poolUtilization, g.poolTimeouts,
		g.discoveryServices, g.discoveryCache,
	} {
		vec.Reset()
	}
}

// apply replaces every series with the values from snapshot
func (g *gaugeSet) apply(s Snapshot) {
	g.reset()

	g.integrationsByStatus.WithLabelValues(string(types.StatusHealthy)).Set(float64(s.System.Healthy))
	g.integrationsByStatus.WithLabelValues(string(types.StatusDegraded)).Set(float64(s.System.Degraded))
	g.integrationsByStatus.WithLabelValues(string(types.StatusUnhealthy)).Set(float64(s.System.Unhealthy))
	g.integrationsByStatus.WithLabelValues(string(types.StatusUnknown)).Set(float64(s.System.Unknown))
	g.systemStatus.WithLabelValues(string(s.System.Status)).Set(1)
	g.averageUptime.WithLabelValues().Set(s.System.AverageUptime / 100)

	for _, m := range s.Integrations {
		g.applyIntegration(m)
	}

	for _, p := range s.Pools {
		g.poolConnections.WithLabelValues(p.Name, "total").Set(float64(p.TotalConnections))
		g.poolConnections.WithLabelValues(p.Name, "active").Set(float64(p.ActiveConnections))
		g.poolConnections.WithLabelValues(p.Name, "idle").Set(float64(p.IdleConnections))
		g.poolPending.WithLabelValues(p.Name).Set(float64(p.PendingRequests))
		g.poolUtilization.WithLabelValues(p.Name).Set(p.Utilization)
		g.poolTimeouts.WithLabelValues(p.Name).Set(float64(p.AcquireTimeouts))
	}

	if d := s.Discovery; d != nil {
		g.discoveryServices.WithLabelValues("total").Set(float64(d.TotalServices))
		g.discoveryServices.WithLabelValues(string(types.StatusHealthy)).Set(float64(d.Healthy))
		g.discoveryServices.WithLabelValues(string(types.StatusUnhealthy)).Set(float64(d.Unhealthy))
		g.discoveryCache.WithLabelValues("hit").Set(float64(d.CacheHits))
		g.discoveryCache.WithLabelValues("miss").Set(float64(d.CacheMisses))
	}
}

func (g *gaugeSet) applyIntegration(m integration.IntegrationMetrics) {
	labels := []string{m.Name, string(m.Kind)}

	health := 0.0
	switch m.Status {
	case types.StatusHealthy:
		health = 1
	case types.StatusDegraded:
		health = 0.5
	}
	open := 0.0
	if m.CircuitState == resilience.CircuitOpen {
		open = 1
	}

	g.health.WithLabelValues(labels...).Set(health)
	g.requests.WithLabelValues(labels...).Set(float64(m.Requests))
	g.failures.WithLabelValues(labels...).Set(float64(m.Failures))
	g.errorRate.WithLabelValues(labels...).Set(m.ErrorRate)
	g.latency.WithLabelValues(m.Name, string(m.Kind), "0.5").Set(m.LatencyP50.Seconds())
	g.latency.WithLabelValues(m.Name, string(m.Kind), "0.95").Set(m.LatencyP95.Seconds())
	g.latency.WithLabelValues(m.Name, string(m.Kind), "0.99").Set(m.LatencyP99.Seconds())
	g.circuitTrips.WithLabelValues(labels...).Set(float64(m.CircuitTrips))
	g.circuitOpen.WithLabelValues(labels...).Set(open)
	g.fallbackUsage.WithLabelValues(labels...).Set(float64(m.FallbackUsage))
	g.uptime.WithLabelValues(labels...).Set(m.Uptime / 100)
}

func (g *gaugeSet) countAlert(a Alert) {
	g.alerts.WithLabelValues(a.ThresholdID, a.Severity.String()).Inc()
}
