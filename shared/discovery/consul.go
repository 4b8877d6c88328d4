package discovery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ConsulConfig holds consul configuration
type ConsulConfig struct {
	Address    string `yaml:"address" json:"address" mapstructure:"address"`
	Scheme     string `yaml:"scheme" json:"scheme" mapstructure:"scheme"`
	Datacenter string `yaml:"datacenter" json:"datacenter" mapstructure:"datacenter"`
	Token      string `yaml:"token" json:"-" mapstructure:"token"`
	// CheckTTL is the TTL check window in consul duration syntax, e.g. "90s"
	CheckTTL                       string `yaml:"check_ttl" json:"check_ttl" mapstructure:"check_ttl"`
	DeregisterCriticalServiceAfter string `yaml:"deregister_critical_after" json:"deregister_critical_after" mapstructure:"deregister_critical_after"`
}

// ConsulRegistrar mirrors registry changes into the local Consul agent
type ConsulRegistrar struct {
	client *api.Client
	config ConsulConfig
	logger *zap.Logger
}

// NewConsulRegistrar creates a registrar talking to the agent at config.Address
func NewConsulRegistrar(config ConsulConfig, logger *zap.Logger) (*ConsulRegistrar, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CheckTTL == "" {
		config.CheckTTL = "90s"
	}
	if config.DeregisterCriticalServiceAfter == "" {
		config.DeregisterCriticalServiceAfter = "5m"
	}

	consulConfig := api.DefaultConfig()
	if config.Address != "" {
		consulConfig.Address = config.Address
	}
	if config.Scheme != "" {
		consulConfig.Scheme = config.Scheme
	}
	consulConfig.Datacenter = config.Datacenter
	consulConfig.Token = config.Token

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	return &ConsulRegistrar{client: client, config: config, logger: logger}, nil
}

func checkID(id string) string {
	return "service:" + id
}

// Register registers instance as an agent service with a TTL check
func (c *ConsulRegistrar) Register(ctx context.Context, instance ServiceInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tags := append([]string(nil), instance.Tags...)
	for _, capability := range instance.Capabilities {
		tags = append(tags, "capability:"+capability.ID)
	}
	meta := map[string]string{
		"kind":     string(instance.Kind),
		"version":  instance.Version,
		"priority": instance.Priority.String(),
		"weight":   strconv.Itoa(instance.Weight),
	}
	for k, v := range instance.Metadata {
		meta[k] = v
	}

	registration := &api.AgentServiceRegistration{
		ID:      instance.ID,
		Name:    instance.Name,
		Address: instance.Address,
		Port:    instance.Port,
		Tags:    tags,
		Meta:    meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(instance.ID),
			TTL:                            c.config.CheckTTL,
			DeregisterCriticalServiceAfter: c.config.DeregisterCriticalServiceAfter,
			Status:                         api.HealthPassing,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	c.logger.Debug("Service mirrored to Consul",
		zap.String("service_id", instance.ID),
		zap.String("name", instance.Name))
	return nil
}

// Deregister removes the agent service
func (c *ConsulRegistrar) Deregister(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// Heartbeat passes the service's TTL check
func (c *ConsulRegistrar) Heartbeat(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.Agent().UpdateTTL(checkID(id), "heartbeat", api.HealthPassing); err != nil {
		return fmt.Errorf("failed to update TTL: %w", err)
	}
	return nil
}
