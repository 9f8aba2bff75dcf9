// Package client is the player side of tilesync: it mirrors server state, numbers and
// predicts local input, and reconciles the prediction against every authoritative patch.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/net"
)

// ChatFunc receives relayed chat lines.
type ChatFunc func(from, text string)

// Client glues a ClientTransport to a Mirror and a Predictor. Transport callbacks and the
// render loop may run on different goroutines.
type Client struct {
	id        string
	transport net.ClientTransport

	mu         sync.Mutex
	mirror     *Mirror
	predictor  *Predictor
	seq        uint32
	controlled uint32
	camera     [2]float32
	seed       int64
	rtt        time.Duration
	kicked     string
	closeErr   error
	onChat     ChatFunc
}

// New creates a client speaking over transport. cfg may be nil for the defaults.
func New(id string, transport net.ClientTransport, cfg *PredictionCfg) *Client {
	if cfg == nil {
		cfg = DefaultPredictionCfg()
	}
	return &Client{
		id:        id,
		transport: transport,
		mirror:    NewMirror(),
		predictor: NewPredictor(cfg),
	}
}

// NewWithConfigManager loads "prediction" (defaults when absent) and registers the
// predictor for hot reload.
func NewWithConfigManager(configManager config.ConfigManager, id string, transport net.ClientTransport) (*Client, error) {
	cfg := DefaultPredictionCfg()
	if err := config.LoadOrDefault(configManager, cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load prediction config: %w", err)
	}
	c := New(id, transport, cfg)
	if configManager != nil {
		configManager.AddChangeListener(c.predictor)
	}
	return c, nil
}

// OnChat sets the chat callback. It runs on the transport goroutine.
func (c *Client) OnChat(fn ChatFunc) {
	c.mu.Lock()
	c.onChat = fn
	c.mu.Unlock()
}

func (c *Client) ID() string {
	return c.id
}

// Start begins receiving.
func (c *Client) Start() error {
	return c.transport.Start(c)
}

// OnMessage implements net.ClientHandler. Reconciliation happens here, the moment an
// authoritative patch arrives.
func (c *Client) OnMessage(msg codec.Message, ch net.Channel) {
	c.mu.Lock()
	var chat func()
	switch m := msg.(type) {
	case *codec.GameState:
		c.mirror.ApplyGameState(m)
		c.reconcile()
	case *codec.EntityUpdate:
		c.mirror.ApplyEntityUpdate(m)
		c.reconcile()
	case *codec.AssignEntity:
		c.controlled = m.EntityID
		c.predictor.Forget()
		log.Info().Str("client", c.id).Uint32("entity", m.EntityID).Msg("entity assigned")
	case *codec.WorldLoaded:
		c.camera = [2]float32{m.CameraX, m.CameraY}
		c.seed = m.Seed
	case *codec.ChunkSync:
		c.mirror.ApplyChunks(m.Chunks)
	case *codec.Heartbeat:
		if m.EchoClientTimeMs != 0 {
			c.rtt = time.Duration(time.Now().UnixMilli()-m.EchoClientTimeMs) * time.Millisecond
		}
	case *codec.Kicked:
		c.kicked = m.Reason
		log.Warn().Str("client", c.id).Str("reason", m.Reason).Msg("kicked by server")
	case *codec.ChatBroadcast:
		if fn := c.onChat; fn != nil {
			chat = func() { fn(m.From, m.Text) }
		}
	default:
		log.Debug().Str("client", c.id).Str("type", msg.Type().String()).Str("channel", ch.String()).Msg("unexpected message")
	}
	c.mu.Unlock()

	if chat != nil {
		chat()
	}
}

// OnClose implements net.ClientCloser.
func (c *Client) OnClose(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	log.Info().Str("client", c.id).Err(err).Msg("connection closed")
}

func (c *Client) reconcile() {
	if c.controlled == 0 {
		return
	}
	e, ok := c.mirror.Entity(c.controlled)
	if !ok {
		return
	}
	c.predictor.Reconcile(c.mirror.AckSeq(), e.State)
}

// SendInput numbers, predicts and sends one input. It returns the sequence number used.
func (c *Client) SendInput(dirX, dirY float32, sprint, jump bool) (uint32, error) {
	c.mu.Lock()
	c.seq++
	in := codec.Input{Seq: c.seq, DirX: dirX, DirY: dirY, Sprint: sprint, Jump: jump}
	c.predictor.Apply(in)
	c.mu.Unlock()
	return in.Seq, c.transport.Send(&in)
}

// Ping asks for a heartbeat echo to measure the round trip.
func (c *Client) Ping() error {
	return c.transport.Send(&codec.Ping{ClientTimeMs: time.Now().UnixMilli()})
}

// Send forwards any other client message (edits, chat, visible range).
func (c *Client) Send(msg codec.Message) error {
	if msg.Type() == codec.TypeInput {
		return errors.New("inputs must go through SendInput")
	}
	return c.transport.Send(msg)
}

// Frame advances the correction smoothing by one render frame and returns the position to
// draw the controlled entity at.
func (c *Client) Frame() (float32, float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predictor.Frame()
	return c.predictor.Rendered()
}

// View runs fn with the mirror locked. fn must not keep m.
func (c *Client) View(fn func(m *Mirror)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.mirror)
}

// Predicted returns the predicted state of the controlled entity.
func (c *Client) Predicted() codec.EntityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predictor.Predicted()
}

// Offset is the remaining visual correction.
func (c *Client) Offset() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predictor.Offset()
}

// PendingInputs is the number of inputs the server has not acknowledged yet.
func (c *Client) PendingInputs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predictor.Pending()
}

func (c *Client) ControlledID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

func (c *Client) Camera() (float32, float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera[0], c.camera[1]
}

func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// Kicked returns the reason of a server kick, or "".
func (c *Client) Kicked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}

// Err returns the error the connection ended with, if it ended on its own.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

var (
	_ net.ClientHandler = (*Client)(nil)
	_ net.ClientCloser  = (*Client)(nil)
)
