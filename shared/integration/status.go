package integration

import (
	"math"
	"sort"
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// DeriveStatus maps a health result and the degraded-mode flag to a status.
// An unhealthy result is UNHEALTHY regardless of the flag.
func DeriveStatus(healthy, degraded bool) types.HealthStatus {
	switch {
	case !healthy:
		return types.StatusUnhealthy
	case degraded:
		return types.StatusDegraded
	default:
		return types.StatusHealthy
	}
}

// overallStatus applies the summary precedence: a critical integration that is
// unhealthy makes the system unhealthy; otherwise any degraded or unhealthy
// integration makes it degraded; all healthy is healthy; anything else is unknown.
func overallStatus(statuses []StatusInfo) (types.HealthStatus, []string) {
	if len(statuses) == 0 {
		return types.StatusUnknown, nil
	}

	var criticalDown []string
	impaired := false
	allHealthy := true
	for _, s := range statuses {
		switch s.Status {
		case types.StatusUnhealthy:
			impaired = true
			if s.Priority == types.PriorityCritical {
				criticalDown = append(criticalDown, s.Name)
			}
		case types.StatusDegraded:
			impaired = true
		}
		if s.Status != types.StatusHealthy {
			allHealthy = false
		}
	}

	switch {
	case len(criticalDown) > 0:
		return types.StatusUnhealthy, criticalDown
	case impaired:
		return types.StatusDegraded, nil
	case allHealthy:
		return types.StatusHealthy, nil
	default:
		return types.StatusUnknown, nil
	}
}

// rates computes uptime percentage and error rate over the consecutive counters
func rates(successes, failures int) (uptime, errorRate float64) {
	total := successes + failures
	if total == 0 {
		return 0, 0
	}
	return float64(successes) / float64(total) * 100, float64(failures) / float64(total)
}

// percentiles returns nearest-rank p50, p95 and p99
func percentiles(samples []time.Duration) (p50, p95, p99 time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(p float64) time.Duration {
		idx := int(math.Ceil(p*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return rank(0.50), rank(0.95), rank(0.99)
}
