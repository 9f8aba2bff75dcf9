package net

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// NetEmuCfg describes emulated network conditions. Latencies and jitter are in
// milliseconds, loss in percent (0..100).
type NetEmuCfg struct {
	Enabled     bool    `mapstructure:"enabled"`
	TxLatencyMs int     `mapstructure:"txLatencyMs"`
	TxJitterMs  int     `mapstructure:"txJitterMs"`
	TxLossPct   float64 `mapstructure:"txLossPct"`
	RxLatencyMs int     `mapstructure:"rxLatencyMs"`
	RxJitterMs  int     `mapstructure:"rxJitterMs"`
	RxLossPct   float64 `mapstructure:"rxLossPct"`
}

func (c *NetEmuCfg) GetName() string {
	return "netem"
}

func (c *NetEmuCfg) Validate() error {
	if c.TxLatencyMs < 0 || c.RxLatencyMs < 0 || c.TxJitterMs < 0 || c.RxJitterMs < 0 {
		return errNegativeNetEmu
	}
	if c.TxLossPct < 0 || c.TxLossPct > 100 || c.RxLossPct < 0 || c.RxLossPct > 100 {
		return errLossRange
	}
	return nil
}

// NetEmuOption configures a NetEmu.
type NetEmuOption func(*NetEmu)

// WithRandom replaces the random source used for loss and jitter rolls.
func WithRandom(r *rand.Rand) NetEmuOption {
	return func(n *NetEmu) {
		n.rnd = r
	}
}

// NetEmu decorates a client transport with latency, jitter and loss in both directions.
// It changes timing only; the wrapped transport's interface and ordering guarantees of
// undelayed traffic are preserved.
type NetEmu struct {
	inner ClientTransport

	mu      sync.Mutex
	cfg     NetEmuCfg
	rnd     *rand.Rand
	timers  map[*time.Timer]struct{}
	handler ClientHandler
	gate    gate
}

// NewNetEmu wraps inner.
func NewNetEmu(inner ClientTransport, cfg NetEmuCfg, opts ...NetEmuOption) *NetEmu {
	n := &NetEmu{
		inner:  inner,
		cfg:    cfg,
		timers: make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.rnd == nil {
		n.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7115))
	}
	return n
}

// NewNetEmuWithConfigManager loads "netem" (disabled when absent) and registers the
// decorator so edits to netem.yaml take effect on the running connection.
func NewNetEmuWithConfigManager(configManager config.ConfigManager, inner ClientTransport, opts ...NetEmuOption) (*NetEmu, error) {
	cfg := &NetEmuCfg{}
	if err := config.LoadOrDefault(configManager, cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load netem config: %w", err)
	}
	n := NewNetEmu(inner, *cfg, opts...)
	if configManager != nil {
		configManager.AddChangeListener(n)
	}
	return n, nil
}

// OnConfigChanged implements config.ConfigChangeListener.
func (n *NetEmu) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "netem" {
		return nil
	}
	cfg, ok := newConfig.(*NetEmuCfg)
	if !ok {
		return fmt.Errorf("invalid config type for netem: %T", newConfig)
	}
	n.SetConfig(*cfg)
	log.Info().Bool("enabled", cfg.Enabled).Int("tx_latency_ms", cfg.TxLatencyMs).
		Int("rx_latency_ms", cfg.RxLatencyMs).Msg("netem config reloaded")
	return nil
}

// SetConfig swaps the emulated conditions at runtime. Already scheduled deliveries keep
// their original delay.
func (n *NetEmu) SetConfig(cfg NetEmuCfg) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// Config returns the current conditions.
func (n *NetEmu) Config() NetEmuCfg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// roll decides whether to drop and how long to delay. Must hold n.mu.
func (n *NetEmu) roll(lossPct float64, latencyMs, jitterMs int) (bool, time.Duration) {
	if lossPct > 0 && n.rnd.Float64()*100 < lossPct {
		return true, 0
	}
	delay := float64(latencyMs)
	if jitterMs > 0 {
		delay += (n.rnd.Float64()*2 - 1) * float64(jitterMs)
	}
	if delay < 0 {
		delay = 0
	}
	return false, time.Duration(delay * float64(time.Millisecond))
}

// schedule runs fn after d unless Close cancels it first. Must hold n.mu.
func (n *NetEmu) schedule(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		n.mu.Lock()
		_, live := n.timers[t]
		delete(n.timers, t)
		n.mu.Unlock()
		if live {
			fn()
		}
	})
	n.timers[t] = struct{}{}
}

// Start implements ClientTransport.
func (n *NetEmu) Start(h ClientHandler) error {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
	return n.inner.Start(netemReceiver{n})
}

// netemReceiver is the handler registered with the wrapped transport. Close notices are
// forwarded immediately, ahead of any delayed messages.
type netemReceiver struct {
	n *NetEmu
}

func (r netemReceiver) OnMessage(msg codec.Message, ch Channel) { r.n.receive(msg, ch) }

func (r netemReceiver) OnClose(err error) {
	r.n.mu.Lock()
	h := r.n.handler
	r.n.mu.Unlock()
	if closer, ok := h.(ClientCloser); ok {
		r.n.gate.do(func() { closer.OnClose(err) })
	}
}

func (n *NetEmu) receive(msg codec.Message, ch Channel) {
	n.mu.Lock()
	h := n.handler
	cfg := n.cfg
	if !cfg.Enabled {
		n.mu.Unlock()
		n.gate.do(func() { h.OnMessage(msg, ch) })
		return
	}
	drop, delay := n.roll(cfg.RxLossPct, cfg.RxLatencyMs, cfg.RxJitterMs)
	if drop {
		n.mu.Unlock()
		metrics.IncrCounterWithDimGroup("net", "netem_dropped_total", 1, metrics.Dimension{"direction": "rx"})
		return
	}
	n.schedule(delay, func() {
		n.gate.do(func() { h.OnMessage(msg, ch) })
	})
	n.mu.Unlock()
}

// Send implements ClientTransport. With emulation enabled the message is accepted
// immediately and forwarded later, so inner send errors are not reported.
func (n *NetEmu) Send(msg codec.Message) error {
	if n.gate.isClosed() {
		return ErrTransportClosed
	}
	n.mu.Lock()
	cfg := n.cfg
	if !cfg.Enabled {
		n.mu.Unlock()
		return n.inner.Send(msg)
	}
	drop, delay := n.roll(cfg.TxLossPct, cfg.TxLatencyMs, cfg.TxJitterMs)
	if drop {
		n.mu.Unlock()
		metrics.IncrCounterWithDimGroup("net", "netem_dropped_total", 1, metrics.Dimension{"direction": "tx"})
		return nil
	}
	n.schedule(delay, func() {
		if !n.gate.isClosed() {
			_ = n.inner.Send(msg)
		}
	})
	n.mu.Unlock()
	return nil
}

// Pending returns the number of scheduled deliveries in both directions.
func (n *NetEmu) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.timers)
}

// Close cancels every pending delivery and closes the wrapped transport.
func (n *NetEmu) Close() error {
	n.gate.close()
	n.mu.Lock()
	for t := range n.timers {
		t.Stop()
	}
	n.timers = make(map[*time.Timer]struct{})
	n.mu.Unlock()
	return n.inner.Close()
}

// Stats forwards the wrapped transport's counters when it has them.
func (n *NetEmu) Stats() Stats {
	if sr, ok := n.inner.(StatsReporter); ok {
		return sr.Stats()
	}
	return Stats{}
}

var _ ClientTransport = (*NetEmu)(nil)
