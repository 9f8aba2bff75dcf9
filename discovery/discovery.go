// Package discovery registers a dedicated tilesync server with a Consul agent so clients
// and relays can find it, and looks healthy servers up again.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"

	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// DiscoveryCfg describes the service entry. Intervals are in milliseconds.
type DiscoveryCfg struct {
	Enabled         bool              `mapstructure:"enabled"`
	AgentAddr       string            `mapstructure:"agentAddr"`
	Token           string            `mapstructure:"token"`
	Service         string            `mapstructure:"service"`
	ServiceID       string            `mapstructure:"serviceId"`
	AdvertiseAddr   string            `mapstructure:"advertiseAddr"`
	Tags            []string          `mapstructure:"tags"`
	Meta            map[string]string `mapstructure:"meta"`
	HealthURL       string            `mapstructure:"healthUrl"`
	CheckIntervalMs int               `mapstructure:"checkIntervalMs"`
	DeregisterAfter int               `mapstructure:"deregisterAfterMs"`
}

// GetName returns the configuration name for DiscoveryCfg
func (c *DiscoveryCfg) GetName() string {
	return "discovery"
}

// Validate validates the DiscoveryCfg parameters
func (c *DiscoveryCfg) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Service == "" {
		return errors.New("service name cannot be empty")
	}
	if _, _, err := splitHostPort(c.AdvertiseAddr); err != nil {
		return fmt.Errorf("invalid advertiseAddr: %w", err)
	}
	if c.HealthURL != "" && c.CheckIntervalMs <= 0 {
		return fmt.Errorf("checkIntervalMs must be positive when healthUrl is set")
	}
	return nil
}

func DefaultDiscoveryCfg() *DiscoveryCfg {
	return &DiscoveryCfg{
		AgentAddr:       "127.0.0.1:8500",
		Service:         "tilesync",
		AdvertiseAddr:   "127.0.0.1:7400",
		CheckIntervalMs: 5000,
		DeregisterAfter: 60000,
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

func millis(ms int) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

// Registrar owns one service registration.
type Registrar struct {
	cfg    DiscoveryCfg
	client *api.Client
	id     string
}

// NewRegistrar creates a Consul client for cfg. A missing ServiceID gets a random one.
func NewRegistrar(cfg *DiscoveryCfg) (*Registrar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ccfg := api.DefaultConfig()
	if cfg.AgentAddr != "" {
		ccfg.Address = cfg.AgentAddr
	}
	if cfg.Token != "" {
		ccfg.Token = cfg.Token
	}
	client, err := api.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	id := cfg.ServiceID
	if id == "" {
		id = cfg.Service + "-" + uuid.NewString()
	}
	return &Registrar{cfg: *cfg, client: client, id: id}, nil
}

// NewRegistrarWithConfigManager loads "discovery". It returns nil, nil when registration
// is disabled.
func NewRegistrarWithConfigManager(configManager config.ConfigManager) (*Registrar, error) {
	cfg := DefaultDiscoveryCfg()
	if err := config.LoadOrDefault(configManager, cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load discovery config: %w", err)
	}
	if !cfg.Enabled {
		return nil, nil
	}
	return NewRegistrar(cfg)
}

// ServiceID is the id the service is registered under.
func (r *Registrar) ServiceID() string {
	return r.id
}

// Register adds the service, with an HTTP health check when HealthURL is set.
func (r *Registrar) Register() error {
	host, port, err := splitHostPort(r.cfg.AdvertiseAddr)
	if err != nil {
		return err
	}
	reg := &api.AgentServiceRegistration{
		ID:      r.id,
		Name:    r.cfg.Service,
		Address: host,
		Port:    port,
		Tags:    r.cfg.Tags,
		Meta:    r.cfg.Meta,
	}
	if r.cfg.HealthURL != "" {
		reg.Check = &api.AgentServiceCheck{
			HTTP:                           r.cfg.HealthURL,
			Interval:                       millis(r.cfg.CheckIntervalMs),
			Timeout:                        millis(max(r.cfg.CheckIntervalMs/2, 1)),
			DeregisterCriticalServiceAfter: millis(r.cfg.DeregisterAfter),
		}
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		metrics.IncrCounterWithDimGroup("discovery", "error_total", 1, map[string]string{"op": "register"})
		return fmt.Errorf("register %s: %w", r.id, err)
	}
	log.Info().Str("service", r.cfg.Service).Str("id", r.id).Str("addr", r.cfg.AdvertiseAddr).Msg("service registered")
	return nil
}

// Deregister removes the service.
func (r *Registrar) Deregister() error {
	if err := r.client.Agent().ServiceDeregister(r.id); err != nil {
		metrics.IncrCounterWithDimGroup("discovery", "error_total", 1, map[string]string{"op": "deregister"})
		return fmt.Errorf("deregister %s: %w", r.id, err)
	}
	log.Info().Str("id", r.id).Msg("service deregistered")
	return nil
}

// Lookup returns the host:port of every instance of the service passing its checks,
// optionally narrowed to tag.
func (r *Registrar) Lookup(ctx context.Context, tag string) ([]string, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(r.cfg.Service, tag, true, q)
	if err != nil {
		metrics.IncrCounterWithDimGroup("discovery", "error_total", 1, map[string]string{"op": "lookup"})
		return nil, fmt.Errorf("lookup %s: %w", r.cfg.Service, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(e.Service.Port)))
	}
	return out, nil
}
