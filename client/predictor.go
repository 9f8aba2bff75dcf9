package client

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
	"github.com/lcx/tilesync/sim"
)

// PredictionCfg tunes reconciliation. Errors are in tiles; CorrectionRate is the share of
// the remaining visual offset removed per frame.
type PredictionCfg struct {
	TickRate       int     `mapstructure:"tickRate"`
	ErrorThreshold float64 `mapstructure:"errorThreshold"`
	CorrectionRate float64 `mapstructure:"correctionRate"`
	SnapEpsilon    float64 `mapstructure:"snapEpsilon"`
}

// GetName returns the configuration name for PredictionCfg
func (c *PredictionCfg) GetName() string {
	return "prediction"
}

// Validate validates the PredictionCfg parameters
func (c *PredictionCfg) Validate() error {
	if c.TickRate <= 0 {
		return fmt.Errorf("tickRate must be positive, got %d", c.TickRate)
	}
	if c.ErrorThreshold < 0 {
		return fmt.Errorf("errorThreshold must be non-negative, got %v", c.ErrorThreshold)
	}
	if c.CorrectionRate <= 0 || c.CorrectionRate > 1 {
		return fmt.Errorf("correctionRate must be in (0, 1], got %v", c.CorrectionRate)
	}
	if c.SnapEpsilon < 0 {
		return fmt.Errorf("snapEpsilon must be non-negative, got %v", c.SnapEpsilon)
	}
	return nil
}

func (c *PredictionCfg) stepDuration() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// DefaultPredictionCfg matches the default server tick rate. A quarter tile of error is
// logged; the offset loses a fifth per frame and snaps below a hundredth of a tile.
func DefaultPredictionCfg() *PredictionCfg {
	return &PredictionCfg{TickRate: 20, ErrorThreshold: 0.25, CorrectionRate: 0.2, SnapEpsilon: 0.01}
}

// Predictor runs the controlled entity ahead of the server. Inputs are applied at once,
// kept until acknowledged, and replayed on top of every authoritative state. The gap
// between the old and the replayed prediction becomes a visual offset that decays over
// frames instead of snapping.
//
// Predictor is not safe for concurrent use, except OnConfigChanged.
type Predictor struct {
	cfg atomic.Pointer[PredictionCfg]

	pending   []codec.Input
	predicted codec.EntityState
	synced    bool
	offsetX   float64
	offsetY   float64
}

func NewPredictor(cfg *PredictionCfg) *Predictor {
	p := &Predictor{}
	p.cfg.Store(cfg)
	return p
}

// OnConfigChanged implements config.ConfigChangeListener.
func (p *Predictor) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "prediction" {
		return nil
	}
	newCfg, ok := newConfig.(*PredictionCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for prediction")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid prediction configuration: %w", err)
	}
	p.cfg.Store(newCfg)
	log.Info().Float64("errorThreshold", newCfg.ErrorThreshold).Float64("correctionRate", newCfg.CorrectionRate).Msg("prediction configuration updated")
	return nil
}

// Forget drops the prediction and its pending inputs, e.g. after a new entity was
// assigned. The next Reconcile starts over from the authoritative state.
func (p *Predictor) Forget() {
	p.pending = nil
	p.predicted = codec.EntityState{}
	p.synced = false
	p.offsetX, p.offsetY = 0, 0
}

// Apply predicts in immediately and keeps it until the server acknowledges it.
func (p *Predictor) Apply(in codec.Input) {
	p.pending = append(p.pending, in)
	sim.StepInput(&p.predicted, &in, p.cfg.Load().stepDuration())
}

// Reconcile rebases the prediction on the authoritative state auth, which reflects every
// input up to ack. It returns the distance between the previous and the new prediction.
func (p *Predictor) Reconcile(ack uint32, auth codec.EntityState) float64 {
	cfg := p.cfg.Load()
	n := 0
	for n < len(p.pending) && p.pending[n].Seq <= ack {
		n++
	}
	p.pending = p.pending[n:]

	before, hadState := p.predicted, p.synced
	p.predicted = auth
	p.synced = true
	for i := range p.pending {
		sim.StepInput(&p.predicted, &p.pending[i], cfg.stepDuration())
	}
	if !hadState {
		return 0
	}

	dx := float64(before.X - p.predicted.X)
	dy := float64(before.Y - p.predicted.Y)
	dist := math.Hypot(dx, dy)
	if dist == 0 {
		return 0
	}
	if dist > cfg.ErrorThreshold {
		log.Warn().Uint32("ack", ack).Float64("error", dist).Int("pending", len(p.pending)).Msg("prediction diverged from server")
		metrics.IncrCounterWithGroup("client", "prediction_error_total", 1)
	}
	metrics.ObserveWithGroup("client", "prediction_error", metrics.Value(dist))

	// keep the rendered position where it was and let Frame ease it over
	p.offsetX += dx
	p.offsetY += dy
	return dist
}

// Frame decays the visual offset by one render frame.
func (p *Predictor) Frame() {
	cfg := p.cfg.Load()
	p.offsetX *= 1 - cfg.CorrectionRate
	p.offsetY *= 1 - cfg.CorrectionRate
	if math.Hypot(p.offsetX, p.offsetY) < cfg.SnapEpsilon {
		p.offsetX, p.offsetY = 0, 0
	}
}

// Predicted is the simulated state including every pending input.
func (p *Predictor) Predicted() codec.EntityState {
	return p.predicted
}

// Rendered is the predicted position plus the remaining visual offset.
func (p *Predictor) Rendered() (float32, float32) {
	return p.predicted.X + float32(p.offsetX), p.predicted.Y + float32(p.offsetY)
}

// Offset is the part of the last corrections not yet eased away.
func (p *Predictor) Offset() (float64, float64) {
	return p.offsetX, p.offsetY
}

func (p *Predictor) Pending() int {
	return len(p.pending)
}
