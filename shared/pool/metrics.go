package pool

import (
	"sort"
	"time"
)

// Metrics is a point-in-time view of pool counters
type Metrics struct {
	Name               string        `json:"name"`
	TotalConnections   int           `json:"total_connections"`
	ActiveConnections  int           `json:"active_connections"`
	IdleConnections    int           `json:"idle_connections"`
	PendingRequests    int           `json:"pending_requests"`
	Acquisitions       int64         `json:"acquisitions"`
	AverageAcquireTime time.Duration `json:"average_acquire_time"`
	Reconnections      int64         `json:"reconnections"`
	Created            int64         `json:"created"`
	Destroyed          int64         `json:"destroyed"`
	CreateFailures     int64         `json:"create_failures"`
	AcquireTimeouts    int64         `json:"acquire_timeouts"`
	Utilization        float64       `json:"utilization"`
}

// Status describes pool health along with per-connection detail
type Status struct {
	Name         string           `json:"name"`
	Healthy      bool             `json:"healthy"`
	Initialized  bool             `json:"initialized"`
	ShuttingDown bool             `json:"shutting_down"`
	Metrics      Metrics          `json:"metrics"`
	Connections  []ConnectionInfo `json:"connections"`
}

// GetMetrics returns current pool metrics
func (p *Pool[T]) GetMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metricsLocked()
}

func (p *Pool[T]) metricsLocked() Metrics {
	m := Metrics{
		Name:              p.config.Name,
		TotalConnections:  len(p.connections),
		ActiveConnections: len(p.active),
		IdleConnections:   len(p.idle),
		PendingRequests:   p.pending.Len(),
		Acquisitions:      p.stats.acquisitions,
		Reconnections:     p.stats.reconnections,
		Created:           p.stats.created,
		Destroyed:         p.stats.destroyed,
		CreateFailures:    p.stats.createFailures,
		AcquireTimeouts:   p.stats.acquireTimeouts,
	}

	if n := p.latency.Len(); n > 0 {
		var sum time.Duration
		for _, d := range p.latency.Items() {
			sum += d
		}
		m.AverageAcquireTime = sum / time.Duration(n)
	}
	if p.config.MaxConnections > 0 {
		m.Utilization = float64(m.ActiveConnections) / float64(p.config.MaxConnections)
	}
	return m
}

// GetStatus returns pool status with a snapshot of every connection, oldest first
func (p *Pool[T]) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics := p.metricsLocked()
	infos := make([]ConnectionInfo, 0, len(p.connections))
	for _, conn := range p.connections {
		infos = append(infos, conn.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})

	return Status{
		Name:         p.config.Name,
		Healthy:      !p.shuttingDown && metrics.TotalConnections >= p.config.MinConnections,
		Initialized:  p.initialized,
		ShuttingDown: p.shuttingDown,
		Metrics:      metrics,
		Connections:  infos,
	}
}
