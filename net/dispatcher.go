package net

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// DispatcherDelivery is one inbound message travelling through the filter chain.
type DispatcherDelivery struct {
	ClientID string
	Msg      codec.Message
	Channel  Channel
}

// MsgFilterPluginCfg lists message type names ("chat", "spawn_entity", ...) the
// dispatcher drops before they reach the game.
type MsgFilterPluginCfg struct {
	MsgFilter []string `mapstructure:"msgFilter"`
}

// GetName returns the configuration name for MsgFilterPluginCfg
func (c *MsgFilterPluginCfg) GetName() string {
	return "msg_filter"
}

// Validate validates the MsgFilterPluginCfg parameters
func (c *MsgFilterPluginCfg) Validate() error {
	return nil
}

// DispatcherConfig contains configuration parameters for the inbound dispatcher.
// RecvRateLimit and TokenBurst size a token bucket per client; both support hot reload.
type DispatcherConfig struct {
	RecvRateLimit int                `mapstructure:"recvRateLimit"`
	TokenBurst    int                `mapstructure:"tokenBurst"`
	MsgFilter     MsgFilterPluginCfg `mapstructure:"msgFilter"`
}

// GetName returns the configuration name for DispatcherConfig
func (c *DispatcherConfig) GetName() string {
	return "dispatcher"
}

// Validate validates the DispatcherConfig parameters
func (c *DispatcherConfig) Validate() error {
	if c.RecvRateLimit <= 0 {
		return fmt.Errorf("RecvRateLimit must be positive")
	}
	if c.TokenBurst <= 0 {
		return fmt.Errorf("TokenBurst must be positive")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	if c.TokenBurst > c.RecvRateLimit*10 {
		return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
	}
	return nil
}

// DefaultDispatcherConfig allows 120 messages per second per client with bursts of 60.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{RecvRateLimit: 120, TokenBurst: 60}
}

// Dispatcher sits between a server transport and the game's ServerHandler. Every inbound
// message passes the filter chain (type filter, per-client rate limit, registered filters);
// rejected messages are counted and dropped. Connect and disconnect pass straight through.
type Dispatcher struct {
	next         ServerHandler
	recvLimiter  *DispatcherRecvLimiter
	filters      DispatcherFilterChain
	msgFilterMap map[string]struct{}
	config       *DispatcherConfig
	lock         sync.RWMutex
	limited      sync.Map // client id -> struct{}, warned once per connection
}

// NewDispatcher creates a dispatcher forwarding accepted messages to next.
func NewDispatcher(cfg *DispatcherConfig, next ServerHandler) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("DispatcherConfig cannot be nil, use NewDispatcherWithConfigManager for dynamic configuration")
	}
	if next == nil {
		return nil, errors.New("next handler cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		next:         next,
		recvLimiter:  NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
		msgFilterMap: make(map[string]struct{}),
		config:       cfg,
	}
	d.reloadMsgFilterCfg(&cfg.MsgFilter)

	d.filters = append(d.filters, d.msgFilter)
	d.filters = append(d.filters, d.recvLimiter.recvLimiterFilter)
	return d, nil
}

// NewDispatcherWithConfigManager loads "dispatcher" (defaults when absent) and registers
// the dispatcher for hot reload.
func NewDispatcherWithConfigManager(configManager config.ConfigManager, next ServerHandler) (*Dispatcher, error) {
	cfg := DefaultDispatcherConfig()
	if err := config.LoadOrDefault(configManager, "dispatcher", cfg); err != nil {
		return nil, fmt.Errorf("failed to load dispatcher config: %w", err)
	}
	d, err := NewDispatcher(cfg, next)
	if err != nil {
		return nil, err
	}
	if configManager != nil {
		configManager.AddChangeListener(d)
	}
	return d, nil
}

// OnConfigChanged implements the ConfigChangeListener interface for Dispatcher.
func (d *Dispatcher) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "dispatcher" {
		return nil
	}

	newCfg, ok := newConfig.(*DispatcherConfig)
	if !ok {
		return fmt.Errorf("invalid configuration type for Dispatcher")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.recvLimiter.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
	d.reloadMsgFilterCfg(&newCfg.MsgFilter)
	d.config = newCfg

	log.Info().Str("configName", configName).Msg("Dispatcher configuration updated successfully")
	return nil
}

// RegDispatcherFilter registers an additional filter. Filters run in registration order.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.filters = append(d.filters, f)
}

// OnConnect implements ServerHandler.
func (d *Dispatcher) OnConnect(clientID string) {
	d.next.OnConnect(clientID)
}

// OnDisconnect implements ServerHandler and releases the client's limiter.
func (d *Dispatcher) OnDisconnect(clientID string) {
	d.recvLimiter.Forget(clientID)
	d.limited.Delete(clientID)
	d.next.OnDisconnect(clientID)
}

// OnMessage implements ServerHandler.
func (d *Dispatcher) OnMessage(clientID string, msg codec.Message, ch Channel) {
	d.lock.RLock()
	filters := d.filters
	d.lock.RUnlock()

	dd := &DispatcherDelivery{ClientID: clientID, Msg: msg, Channel: ch}
	err := filters.Handle(dd, d.handleImpl)
	if err == nil {
		return
	}
	metrics.IncrCounterWithDimGroup("net", "dispatch_rejected_total", 1, metrics.Dimension{"type": msg.Type().String()})
	if errors.Is(err, ErrRateLimited) {
		if _, warned := d.limited.LoadOrStore(clientID, struct{}{}); !warned {
			log.Warn().Str("client", clientID).Str("type", msg.Type().String()).Err(err).Msg("client over its message budget, dropping")
		}
		return
	}
	log.Debug().Str("client", clientID).Str("type", msg.Type().String()).Err(err).Msg("inbound message rejected")
}

func (d *Dispatcher) handleImpl(dd *DispatcherDelivery) error {
	if !dd.Msg.Type().ClientToServer() {
		return fmt.Errorf("%s is not a client message", dd.Msg.Type())
	}
	d.next.OnMessage(dd.ClientID, dd.Msg, dd.Channel)
	return nil
}

var _ ServerHandler = (*Dispatcher)(nil)
