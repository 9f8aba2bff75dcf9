package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// TCPTransportCfg configures the length-prefixed TCP server transport.
type TCPTransportCfg struct {
	Addr string `mapstructure:"addr"`
	// IdleTimeout in seconds; a connection silent for longer is closed. 0 disables it.
	IdleTimeout uint32 `mapstructure:"idleTimeout"`
	// HandshakeTimeout in milliseconds for the first Hello frame.
	HandshakeTimeout uint32 `mapstructure:"handshakeTimeout"`
	SendChannelSize  uint32 `mapstructure:"sendChannelSize"`
	MaxBufferSize    int    `mapstructure:"maxBufferSize"`
}

// GetName returns the configuration name for TCPTransportCfg
func (c *TCPTransportCfg) GetName() string {
	return "tcp_transport"
}

// Validate validates the TCPTransportCfg parameters
func (c *TCPTransportCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.MaxBufferSize <= 0 {
		return fmt.Errorf("MaxBufferSize must be positive")
	}
	if c.SendChannelSize <= 0 {
		return fmt.Errorf("SendChannelSize must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HandshakeTimeout must be positive")
	}
	return nil
}

// DefaultTCPTransportCfg returns the settings used when tcp_transport.yaml is absent.
func DefaultTCPTransportCfg() *TCPTransportCfg {
	return &TCPTransportCfg{
		Addr:             ":7400",
		IdleTimeout:      30,
		HandshakeTimeout: 5000,
		SendChannelSize:  256,
		MaxBufferSize:    1 << 20,
	}
}

func (c *TCPTransportCfg) idle() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

func (c *TCPTransportCfg) handshake() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Millisecond
}

// TCPTransport a transport based on tcp, every connection gets a reader and a writer goroutine.
// The first frame of a connection must be a codec.Hello carrying the stable client id.
type TCPTransport struct {
	lock     sync.RWMutex
	cfg      *TCPTransportCfg
	hub      *Hub
	listener *net.TCPListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPTransportWithConfigManager creates a TCPTransport that supports configuration hot-reload.
func NewTCPTransportWithConfigManager(configManager config.ConfigManager) (*TCPTransport, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := DefaultTCPTransportCfg()
	if err := config.LoadOrDefault(configManager, "tcp_transport", cfg); err != nil {
		return nil, fmt.Errorf("failed to load tcp_transport config: %w", err)
	}

	transport := NewTCPTransportWithConfig(cfg)
	configManager.AddChangeListener(transport)
	return transport, nil
}

// NewTCPTransportWithConfig creates a TCPTransport with the provided configuration.
func NewTCPTransportWithConfig(cfg *TCPTransportCfg) *TCPTransport {
	return &TCPTransport{
		cfg: cfg,
		hub: NewHub("tcp"),
	}
}

// OnConfigChanged implements the ConfigChangeListener interface for TCPTransport.
// The listen address only changes on restart; timeouts and limits apply to new reads.
func (t *TCPTransport) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "tcp_transport" {
		return nil
	}

	newCfg, ok := newConfig.(*TCPTransportCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for TCPTransport")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid TCP transport configuration: %w", err)
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	addr := t.cfg.Addr
	t.cfg = newCfg
	t.cfg.Addr = addr

	log.Info().Str("configName", configName).Msg("TCP transport configuration updated successfully")
	return nil
}

func (t *TCPTransport) config() *TCPTransportCfg {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.cfg
}

// Start implements ServerTransport.
func (t *TCPTransport) Start(h ServerHandler) error {
	metrics.IncrCounterWithGroup("net", "transport_start_total", 1)

	cfg := t.config()
	if cfg == nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "nil_config"})
		return errors.New("TCPTransportCfg is nil")
	}
	if err := cfg.Validate(); err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "config"})
		return err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "resolve"})
		return fmt.Errorf("resolve: %w", err)
	}
	if err := t.hub.Start(h); err != nil {
		return err
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen fail: %w", err)
	}
	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": "tcp"})

	ctx, cancel := context.WithCancel(context.Background())
	t.lock.Lock()
	t.listener = listener
	t.cancel = cancel
	t.lock.Unlock()

	log.Info().Str("addr", listener.Addr().String()).Msg("tcp transport listening")

	t.wg.Add(1)
	go t.serve(ctx, listener)
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (t *TCPTransport) Addr() net.Addr {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close implements ServerTransport.
func (t *TCPTransport) Close() error {
	t.lock.Lock()
	cancel, listener := t.cancel, t.listener
	t.lock.Unlock()

	if !t.hub.CloseAll() {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.wg.Wait()
	return err
}

func (t *TCPTransport) serve(ctx context.Context, listener *net.TCPListener) {
	defer t.wg.Done()

	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			log.Error().Err(err).Msg("tcp accept failed")
			return
		}

		cfg := t.config()
		if err = conn.SetReadBuffer(cfg.MaxBufferSize); err != nil {
			log.Error().Int("BufSize", cfg.MaxBufferSize).Err(err).Msg("Set read buffer err")
			_ = conn.Close()
			continue
		}
		_ = conn.SetNoDelay(true)

		tctx := &tcpctx{
			conn:      conn,
			sendCh:    make(chan outFrame, cfg.SendChannelSize),
			done:      make(chan struct{}),
			transport: t,
		}
		tctx.serve()
	}
}

// Send implements ServerTransport.
func (t *TCPTransport) Send(clientID string, msg codec.Message) error {
	return t.hub.Send(clientID, msg)
}

// Broadcast implements ServerTransport.
func (t *TCPTransport) Broadcast(msg codec.Message) error {
	return t.hub.Broadcast(msg)
}

// EntitiesAvailable implements ChannelReporter. Sockets never negotiate one.
func (t *TCPTransport) EntitiesAvailable(clientID string) bool {
	return t.hub.EntitiesAvailable(clientID)
}

// Stats implements StatsReporter.
func (t *TCPTransport) Stats() Stats {
	return t.hub.Stats()
}

// ConnectedClients returns the ids of the registered connections.
func (t *TCPTransport) ConnectedClients() []string {
	return t.hub.ConnectedClients()
}

type outFrame struct {
	body       []byte
	closeAfter bool
}

type tcpctx struct {
	uid       string
	conn      net.Conn
	sendCh    chan outFrame
	done      chan struct{}
	closeOnce sync.Once
	gate      ConnGate
	transport *TCPTransport
}

func (t *tcpctx) ClientID() string        { return t.uid }
func (t *tcpctx) Gate() *ConnGate         { return &t.gate }
func (t *tcpctx) EntitiesAvailable() bool { return false }

// Enqueue implements HubConn. A socket is a single ordered stream, so ch is ignored.
func (t *tcpctx) Enqueue(ch Channel, body []byte) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.sendCh <- outFrame{body: body}:
		return true
	default:
		return false
	}
}

func (t *tcpctx) Kick(reason string) {
	body, err := codec.Encode(&codec.Kicked{Reason: reason})
	if err != nil {
		t.Shutdown()
		return
	}
	select {
	case t.sendCh <- outFrame{body: body, closeAfter: true}:
	default:
		t.Shutdown()
	}
}

func (t *tcpctx) Shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

func (t *tcpctx) close() {
	t.transport.hub.Unregister(t)
	t.Shutdown()
}

func (t *tcpctx) serve() {
	go t.serveSend()
	go t.serveRecv()
}

// readHello reads the handshake frame and fixes the connection's client id.
func (t *tcpctx) readHello() error {
	cfg := t.transport.config()
	_ = t.conn.SetReadDeadline(time.Now().Add(cfg.handshake()))

	body, err := readFrame(t.conn, nil, cfg.MaxBufferSize)
	if err != nil {
		return err
	}
	msg, err := codec.Decode(body)
	if err != nil {
		return err
	}
	hello, ok := msg.(*codec.Hello)
	if !ok || hello.ClientID == "" {
		return fmt.Errorf("first frame is %s, want hello with client id", msg.Type())
	}
	t.uid = hello.ClientID
	return nil
}

func (t *tcpctx) serveRecv() {
	defer t.close()

	if err := t.readHello(); err != nil {
		metrics.IncrCounterWithGroup("net", "connection_auth_failure_total", 1)
		log.Warn().Str("remote", t.conn.RemoteAddr().String()).Err(err).Msg("tcp handshake failed")
		return
	}
	if !t.transport.hub.Register(t) {
		return
	}

	var buf []byte
	for {
		cfg := t.transport.config()
		t.setReadDeadline(cfg)
		body, err := readFrame(t.conn, buf, cfg.MaxBufferSize)
		if err != nil {
			select {
			case <-t.done:
			default:
				log.Debug().Str("client", t.uid).Err(err).Msg("tcp connection closed")
			}
			return
		}
		buf = body
		t.transport.hub.Deliver(t, body, ChannelSync)
	}
}

func (t *tcpctx) serveSend() {
	var frame []byte
	for {
		select {
		case <-t.done:
			return
		case out := <-t.sendCh:
			frame = appendFrame(frame[:0], out.body)
			_ = t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := t.conn.Write(frame); err != nil {
				t.Shutdown()
				return
			}
			if out.closeAfter {
				t.Shutdown()
				return
			}
		}
	}
}

func (t *tcpctx) setReadDeadline(cfg *TCPTransportCfg) {
	if cfg.IdleTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(cfg.idle()))
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
}

var _ ServerTransport = (*TCPTransport)(nil)
