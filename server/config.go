package server

import (
	"fmt"
	"time"
)

// ServerCfg configures the authoritative tick loop. TickRate, HeartbeatEvery and
// MaxInputsPerTick support hot reload; EventQueueSize and MaxQueuedInputs apply at start.
type ServerCfg struct {
	TickRate         int `mapstructure:"tickRate"`
	HeartbeatEvery   int `mapstructure:"heartbeatEvery"`
	MaxInputsPerTick int `mapstructure:"maxInputsPerTick"`
	MaxQueuedInputs  int `mapstructure:"maxQueuedInputs"`
	EventQueueSize   int `mapstructure:"eventQueueSize"`
}

// GetName returns the configuration name for ServerCfg
func (c *ServerCfg) GetName() string {
	return "server"
}

// Validate validates the ServerCfg parameters
func (c *ServerCfg) Validate() error {
	if c.TickRate <= 0 || c.TickRate > 240 {
		return fmt.Errorf("tickRate must be in (0, 240], got %d", c.TickRate)
	}
	if c.HeartbeatEvery < 0 {
		return fmt.Errorf("heartbeatEvery must be non-negative, got %d", c.HeartbeatEvery)
	}
	if c.MaxInputsPerTick < 0 {
		return fmt.Errorf("maxInputsPerTick must be non-negative, got %d", c.MaxInputsPerTick)
	}
	if c.MaxQueuedInputs <= 0 {
		return fmt.Errorf("maxQueuedInputs must be positive, got %d", c.MaxQueuedInputs)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("eventQueueSize must be positive, got %d", c.EventQueueSize)
	}
	return nil
}

// TickDuration is the simulated time of one tick.
func (c *ServerCfg) TickDuration() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// DefaultServerCfg ticks at 20 Hz with a heartbeat every tick.
func DefaultServerCfg() *ServerCfg {
	return &ServerCfg{
		TickRate:         20,
		HeartbeatEvery:   1,
		MaxInputsPerTick: 4,
		MaxQueuedInputs:  64,
		EventQueueSize:   4096,
	}
}
