package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

func TestDeriveStatus(t *testing.T) {
	assert.Equal(t, types.StatusHealthy, DeriveStatus(true, false))
	assert.Equal(t, types.StatusDegraded, DeriveStatus(true, true))
	assert.Equal(t, types.StatusUnhealthy, DeriveStatus(false, false))
	assert.Equal(t, types.StatusUnhealthy, DeriveStatus(false, true))
}

func TestOverallStatus(t *testing.T) {
	info := func(name string, p types.Priority, s types.HealthStatus) StatusInfo {
		return StatusInfo{Name: name, Priority: p, Status: s}
	}

	tests := []struct {
		name     string
		statuses []StatusInfo
		want     types.HealthStatus
		critical []string
	}{
		{name: "empty", want: types.StatusUnknown},
		{
			name:     "all healthy",
			statuses: []StatusInfo{info("db", types.PriorityCritical, types.StatusHealthy), info("cache", types.PriorityLow, types.StatusHealthy)},
			want:     types.StatusHealthy,
		},
		{
			name:     "critical unhealthy wins",
			statuses: []StatusInfo{info("db", types.PriorityCritical, types.StatusUnhealthy), info("ai", types.PriorityLow, types.StatusDegraded)},
			want:     types.StatusUnhealthy,
			critical: []string{"db"},
		},
		{
			name:     "non-critical unhealthy degrades",
			statuses: []StatusInfo{info("db", types.PriorityCritical, types.StatusHealthy), info("ai", types.PriorityHigh, types.StatusUnhealthy)},
			want:     types.StatusDegraded,
		},
		{
			name:     "degraded integration",
			statuses: []StatusInfo{info("db", types.PriorityCritical, types.StatusDegraded)},
			want:     types.StatusDegraded,
		},
		{
			name:     "unknown present",
			statuses: []StatusInfo{info("db", types.PriorityCritical, types.StatusHealthy), info("ai", types.PriorityLow, types.StatusUnknown)},
			want:     types.StatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, critical := overallStatus(tt.statuses)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.critical, critical)
		})
	}
}

func TestRates(t *testing.T) {
	uptime, errorRate := rates(0, 0)
	assert.Zero(t, uptime)
	assert.Zero(t, errorRate)

	uptime, errorRate = rates(3, 1)
	assert.Equal(t, 75.0, uptime)
	assert.Equal(t, 0.25, errorRate)
}

func TestPercentiles(t *testing.T) {
	p50, p95, p99 := percentiles(nil)
	assert.Zero(t, p50+p95+p99)

	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	p50, p95, p99 = percentiles(samples)
	assert.Equal(t, 50*time.Millisecond, p50)
	assert.Equal(t, 95*time.Millisecond, p95)
	assert.Equal(t, 99*time.Millisecond, p99)
	assert.Equal(t, 100*time.Millisecond, samples[0], "input is not reordered")
}
