package discovery

import (
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// Capability is a named feature a service instance advertises
type Capability struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Registration describes a service instance to register
type Registration struct {
	Name         string                `json:"name"`
	Kind         types.IntegrationKind `json:"kind"`
	Version      string                `json:"version"`
	Address      string                `json:"address,omitempty"`
	Port         int                   `json:"port,omitempty"`
	Capabilities []Capability          `json:"capabilities,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	// Weight is 0-100 and only used by the weighted strategy
	Weight   int               `json:"weight"`
	Priority types.Priority    `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServiceInstance is a registered instance as seen by callers
type ServiceInstance struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Kind              types.IntegrationKind `json:"kind"`
	Version           string                `json:"version"`
	Address           string                `json:"address,omitempty"`
	Port              int                   `json:"port,omitempty"`
	Capabilities      []Capability          `json:"capabilities,omitempty"`
	Tags              []string              `json:"tags,omitempty"`
	Weight            int                   `json:"weight"`
	Priority          types.Priority        `json:"priority"`
	Status            types.HealthStatus    `json:"status"`
	Metadata          map[string]string     `json:"metadata,omitempty"`
	RegisteredAt      time.Time             `json:"registered_at"`
	LastHeartbeat     time.Time             `json:"last_heartbeat"`
	ActiveConnections int64                 `json:"active_connections"`

	seq uint64
}

// HasCapability reports whether the instance advertises capability id
func (s ServiceInstance) HasCapability(id string) bool {
	for _, c := range s.Capabilities {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (s ServiceInstance) clone() ServiceInstance {
	s.Capabilities = append([]Capability(nil), s.Capabilities...)
	s.Tags = append([]string(nil), s.Tags...)
	if s.Metadata != nil {
		meta := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		s.Metadata = meta
	}
	return s
}

// SortField selects the ordering of discovery results
type SortField string

const (
	SortByPriority      SortField = "priority"
	SortByWeight        SortField = "weight"
	SortByLastHeartbeat SortField = "last_heartbeat"
	SortByRegisteredAt  SortField = "registered_at"
)

// SortOrder is asc or desc
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Query filters discovered services. Filters apply in field order.
type Query struct {
	Name       string                `json:"name,omitempty"`
	Kind       types.IntegrationKind `json:"kind,omitempty"`
	Capability string                `json:"capability,omitempty"`
	// Tags match when an instance carries any of them
	Tags   []string           `json:"tags,omitempty"`
	Status types.HealthStatus `json:"status,omitempty"`
	// MinPriority keeps instances whose priority number is at least this value
	MinPriority types.Priority `json:"min_priority,omitempty"`
	HealthyOnly bool           `json:"healthy_only,omitempty"`
	SortBy      SortField      `json:"sort_by,omitempty"`
	SortOrder   SortOrder      `json:"sort_order,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	// CallSite keys the round-robin counter; empty falls back to the query itself
	CallSite string `json:"-"`
}

// Strategy is a load-balancing strategy for GetService
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted_round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyRandom           Strategy = "random"
	StrategyPriorityBased    Strategy = "priority_based"
)

// Valid reports whether s names a known strategy. Empty means priority_based.
func (s Strategy) Valid() bool {
	switch s {
	case "", StrategyRoundRobin, StrategyWeighted, StrategyLeastConnections, StrategyRandom, StrategyPriorityBased:
		return true
	}
	return false
}

// Stats reports registry counters
type Stats struct {
	TotalServices     int                           `json:"total_services"`
	Healthy           int                           `json:"healthy"`
	Unhealthy         int                           `json:"unhealthy"`
	ByKind            map[types.IntegrationKind]int `json:"by_kind"`
	Capabilities      int                           `json:"capabilities"`
	Tags              int                           `json:"tags"`
	ActiveConnections int64                         `json:"active_connections"`
	CacheEntries      int                           `json:"cache_entries"`
	CacheHits         int64                         `json:"cache_hits"`
	CacheMisses       int64                         `json:"cache_misses"`
	MarkedUnhealthy   int64                         `json:"marked_unhealthy"`
	Removed           int64                         `json:"removed"`
}

// Config represents service discovery configuration
type Config struct {
	MaxServices      int           `yaml:"max_services" json:"max_services" mapstructure:"max_services"`
	CacheTTL         time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	// HeartbeatRate caps heartbeats per second per instance; zero disables the limit
	HeartbeatRate    float64       `yaml:"heartbeat_rate" json:"heartbeat_rate" mapstructure:"heartbeat_rate"`
	HeartbeatBurst   int           `yaml:"heartbeat_burst" json:"heartbeat_burst" mapstructure:"heartbeat_burst"`
	RegistrarTimeout time.Duration `yaml:"registrar_timeout" json:"registrar_timeout" mapstructure:"registrar_timeout"`
}

// DefaultConfig returns a default discovery configuration
func DefaultConfig() Config {
	return Config{
		MaxServices:      1000,
		CacheTTL:         5 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		HeartbeatRate:    5,
		HeartbeatBurst:   5,
		RegistrarTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxServices <= 0 {
		c.MaxServices = def.MaxServices
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.HeartbeatBurst <= 0 {
		c.HeartbeatBurst = def.HeartbeatBurst
	}
	if c.RegistrarTimeout <= 0 {
		c.RegistrarTimeout = def.RegistrarTimeout
	}
	return c
}
