// Package server runs the authoritative tick loop. Transport callbacks only enqueue events;
// the loop drains them, applies inputs, steps the world and sends every session its patch.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/delta"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
	"github.com/lcx/tilesync/net"
	"github.com/lcx/tilesync/session"
	"github.com/lcx/tilesync/sim"
)

var ErrEditorModeRequired = errors.New("editor mode required")

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
)

type event struct {
	kind     eventKind
	clientID string
	msg      codec.Message
}

// Server owns the world and the sessions. Nothing outside the tick loop touches either.
type Server struct {
	cfg       atomic.Pointer[ServerCfg]
	limiter   atomic.Pointer[ratelimit.Limiter]
	transport net.ServerTransport
	world     sim.World
	builder   *delta.Builder
	sessions  *session.Registry
	events    chan event
	tick      uint64

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
	dropped sync.Map // client id -> struct{}, warned once per connection
}

// New creates a server driving world over transport.
func New(cfg *ServerCfg, transport net.ServerTransport, world sim.World, builder *delta.Builder) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("ServerCfg cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil || world == nil || builder == nil {
		return nil, errors.New("transport, world and builder are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		transport: transport,
		world:     world,
		builder:   builder,
		sessions:  session.NewRegistry(cfg.MaxQueuedInputs),
		events:    make(chan event, cfg.EventQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.cfg.Store(cfg)
	limiter := ratelimit.New(cfg.TickRate)
	s.limiter.Store(&limiter)
	return s, nil
}

// NewWithConfigManager loads "server" and "delta" (defaults when absent) and registers the
// server for hot reload.
func NewWithConfigManager(configManager config.ConfigManager, transport net.ServerTransport, world sim.World) (*Server, error) {
	cfg := DefaultServerCfg()
	if err := config.LoadOrDefault(configManager, cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	builder, err := delta.NewBuilderWithConfigManager(configManager)
	if err != nil {
		return nil, err
	}
	s, err := New(cfg, transport, world, builder)
	if err != nil {
		return nil, err
	}
	if configManager != nil {
		configManager.AddChangeListener(s)
	}
	return s, nil
}

// OnConfigChanged implements config.ConfigChangeListener.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "server" {
		return nil
	}
	newCfg, ok := newConfig.(*ServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for server")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	old := s.cfg.Swap(newCfg)
	if old.TickRate != newCfg.TickRate {
		limiter := ratelimit.New(newCfg.TickRate)
		s.limiter.Store(&limiter)
	}
	log.Info().Int("tickRate", newCfg.TickRate).Int("heartbeatEvery", newCfg.HeartbeatEvery).Msg("server configuration updated")
	return nil
}

// Start registers h with the transport and starts the tick loop. h is normally s itself,
// or a net.Dispatcher wrapping it.
func (s *Server) Start(h net.ServerHandler) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	if err := s.transport.Start(h); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	go s.run()
	return nil
}

func (s *Server) run() {
	defer close(s.done)
	log.Info().Int("tickRate", s.cfg.Load().TickRate).Msg("tick loop start")
	defer log.Info().Msg("tick loop exit")

	for {
		(*s.limiter.Load()).Take()
		select {
		case <-s.ctx.Done():
			s.dealLeftEvents()
			return
		default:
		}
		s.Tick()
	}
}

// Close stops the tick loop and then the transport.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
		err = s.transport.Close()
	})
	return err
}

// OnConnect implements net.ServerHandler. Lifecycle events are never dropped.
func (s *Server) OnConnect(clientID string) {
	s.postWait(event{kind: eventConnect, clientID: clientID})
}

// OnDisconnect implements net.ServerHandler.
func (s *Server) OnDisconnect(clientID string) {
	s.dropped.Delete(clientID)
	s.postWait(event{kind: eventDisconnect, clientID: clientID})
}

// OnMessage implements net.ServerHandler. An input waits for room in the queue, holding
// up its connection reader; any other message is dropped when the queue is full.
func (s *Server) OnMessage(clientID string, msg codec.Message, ch net.Channel) {
	ev := event{kind: eventMessage, clientID: clientID, msg: msg}
	if msg.Type() == codec.TypeInput {
		s.postWait(ev)
		return
	}
	select {
	case s.events <- ev:
		metrics.UpdateGaugeWithGroup("server", "event_queue_length", metrics.Value(len(s.events)))
	default:
		metrics.IncrCounterWithDimGroup("server", "event_dropped_total", 1, map[string]string{"reason": "queue_full", "type": msg.Type().String()})
		if _, warned := s.dropped.LoadOrStore(clientID, struct{}{}); !warned {
			log.Warn().Str("client", clientID).Str("type", msg.Type().String()).Int("queue", cap(s.events)).Msg("event queue full, dropping messages")
		}
	}
}

func (s *Server) postWait(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Tick runs one authoritative step. It must only be called by the tick loop, or by tests
// that never started it.
func (s *Server) Tick() {
	startTime := time.Now()
	cfg := s.cfg.Load()
	dt := cfg.TickDuration()
	s.tick++

	s.drainEvents()

	for _, sess := range s.sessions.All() {
		for _, in := range sess.DrainInputs(cfg.MaxInputsPerTick) {
			s.world.ApplyInput(sess.EntityID, &in, dt)
			sess.Ack(in.Seq)
		}
	}
	s.world.Step(dt)

	reporter, _ := s.transport.(net.ChannelReporter)
	heartbeat := cfg.HeartbeatEvery > 0 && s.tick%uint64(cfg.HeartbeatEvery) == 0
	for _, sess := range s.sessions.All() {
		lossy := reporter != nil && reporter.EntitiesAvailable(sess.ClientID)
		s.send(sess.ClientID, s.builder.Build(s.tick, sess, s.world, lossy))

		if heartbeat || sess.PingEcho != 0 {
			s.send(sess.ClientID, &codec.Heartbeat{Tick: s.tick, ServerTimeMs: time.Now().UnixMilli(), EchoClientTimeMs: sess.PingEcho})
			sess.PingEcho = 0
		}
	}

	metrics.IncrCounterWithGroup("server", "tick_total", 1)
	metrics.RecordStopwatchWithGroup("server", "tick_process_time", startTime)
}

// CurrentTick returns the number of ticks run so far. Tick loop only.
func (s *Server) CurrentTick() uint64 {
	return s.tick
}

func (s *Server) send(clientID string, msg codec.Message) {
	if err := s.transport.Send(clientID, msg); err != nil {
		log.Debug().Str("client", clientID).Str("type", msg.Type().String()).Err(err).Msg("send failed")
	}
}

// drainEvents handles the events queued before the tick began; later ones wait.
func (s *Server) drainEvents() {
	for n := len(s.events); n > 0; n-- {
		s.handle(<-s.events)
	}
	metrics.UpdateGaugeWithGroup("server", "event_queue_length", metrics.Value(len(s.events)))
}

func (s *Server) dealLeftEvents() {
	if len(s.events) == 0 {
		return
	}
	log.Info().Int("eventnum", len(s.events)).Msg("left to do")
	s.drainEvents()
}

func (s *Server) handle(ev event) {
	switch ev.kind {
	case eventConnect:
		s.connect(ev.clientID)
	case eventDisconnect:
		s.disconnect(ev.clientID)
	case eventMessage:
		sess, ok := s.sessions.Get(ev.clientID)
		if !ok {
			metrics.IncrCounterWithDimGroup("server", "event_dropped_total", 1, map[string]string{"reason": "no_session", "type": ev.msg.Type().String()})
			return
		}
		if err := s.handleMessage(sess, ev.msg); err != nil {
			metrics.IncrCounterWithDimGroup("server", "message_rejected_total", 1, map[string]string{"type": ev.msg.Type().String()})
			log.Debug().Str("client", ev.clientID).Str("type", ev.msg.Type().String()).Err(err).Msg("message rejected")
		}
	}
}

func (s *Server) connect(clientID string) {
	sess := s.sessions.Create(clientID)
	sess.EntityID = s.world.SpawnPlayer(clientID)
	x, y := s.world.SpawnPoint()
	sess.Camera = session.Vec2{X: x, Y: y}

	s.send(clientID, &codec.WorldLoaded{CameraX: x, CameraY: y, Seed: s.world.Seed()})
	s.send(clientID, &codec.AssignEntity{ClientID: clientID, EntityID: sess.EntityID})
	log.Info().Str("client", clientID).Str("session", sess.ID.String()).Uint32("entity", sess.EntityID).Msg("session created")
}

func (s *Server) disconnect(clientID string) {
	sess, ok := s.sessions.Remove(clientID)
	if !ok {
		return
	}
	s.world.Delete(sess.EntityID)
	log.Info().Str("client", clientID).Str("session", sess.ID.String()).Dur("age", time.Since(sess.CreatedAt)).Msg("session destroyed")
}

func (s *Server) handleMessage(sess *session.Session, msg codec.Message) error {
	switch m := msg.(type) {
	case *codec.Hello:
		// consumed by socket transports; a repeat is harmless
	case *codec.Input:
		sess.QueueInput(*m)
	case *codec.SetEditorMode:
		sess.EditorMode = m.Enabled
	case *codec.VisibleRange:
		sess.SetVisible(m)
	case *codec.CursorMove:
		sess.Cursor = session.Vec2{X: m.X, Y: m.Y}
	case *codec.Ping:
		sess.PingEcho = m.ClientTimeMs
	case *codec.Chat:
		if m.Text == "" {
			return nil
		}
		return s.transport.Broadcast(&codec.ChatBroadcast{From: sess.ClientID, Text: m.Text})
	case *codec.TerrainEdit:
		if !sess.EditorMode {
			return ErrEditorModeRequired
		}
		return s.world.Edit(m)
	case *codec.SpawnEntity:
		if !sess.EditorMode {
			return ErrEditorModeRequired
		}
		if m.Kind == "" || m.Kind == sim.KindPlayer {
			return fmt.Errorf("can not spawn kind %q", m.Kind)
		}
		s.world.Spawn(m.Kind, m.X, m.Y)
	case *codec.DeleteEntity:
		if !sess.EditorMode {
			return ErrEditorModeRequired
		}
		for _, other := range s.sessions.All() {
			if other.EntityID == m.ID {
				return fmt.Errorf("entity %d is controlled by %s", m.ID, other.ClientID)
			}
		}
		if !s.world.Delete(m.ID) {
			return fmt.Errorf("entity %d not found", m.ID)
		}
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}

// Sessions returns the client ids with a live session. Tick loop only.
func (s *Server) Sessions() []string {
	all := s.sessions.All()
	ids := make([]string, len(all))
	for i, sess := range all {
		ids[i] = sess.ClientID
	}
	return ids
}

var _ net.ServerHandler = (*Server)(nil)
