package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// WSTransportCfg configures the WebSocket server transport.
type WSTransportCfg struct {
	// Addr to listen on. Empty means the transport is mounted on an external mux via ServeHTTP.
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
	// IdleTimeout in seconds; pings are sent every half of it.
	IdleTimeout      uint32 `mapstructure:"idleTimeout"`
	HandshakeTimeout uint32 `mapstructure:"handshakeTimeout"`
	SendChannelSize  uint32 `mapstructure:"sendChannelSize"`
	ReadLimit        int64  `mapstructure:"readLimit"`
}

func (c *WSTransportCfg) GetName() string {
	return "ws_transport"
}

func (c *WSTransportCfg) Validate() error {
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("Path must start with '/'")
	}
	if c.SendChannelSize == 0 {
		return fmt.Errorf("SendChannelSize must be positive")
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("ReadLimit must be positive")
	}
	if c.HandshakeTimeout == 0 {
		return fmt.Errorf("HandshakeTimeout must be positive")
	}
	return nil
}

// DefaultWSTransportCfg returns the settings used when ws_transport.yaml is absent.
func DefaultWSTransportCfg() *WSTransportCfg {
	return &WSTransportCfg{
		Addr:             ":7401",
		Path:             "/ws",
		IdleTimeout:      60,
		HandshakeTimeout: 5000,
		SendChannelSize:  256,
		ReadLimit:        1 << 20,
	}
}

// WSTransport is a duplex socket transport over gorilla/websocket. The client id comes
// from the ?id= query parameter or, when absent, from a Hello as first message.
type WSTransport struct {
	cfg      *WSTransportCfg
	hub      *Hub
	upgrader websocket.Upgrader
	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewWSTransportWithConfigManager loads ws_transport (falling back to defaults).
func NewWSTransportWithConfigManager(configManager config.ConfigManager) (*WSTransport, error) {
	cfg := DefaultWSTransportCfg()
	if err := config.LoadOrDefault(configManager, "ws_transport", cfg); err != nil {
		return nil, fmt.Errorf("failed to load ws_transport config: %w", err)
	}
	return NewWSTransport(cfg), nil
}

// NewWSTransport creates a WebSocket transport.
func NewWSTransport(cfg *WSTransportCfg) *WSTransport {
	return &WSTransport{
		cfg: cfg,
		hub: NewHub("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start implements ServerTransport. With an empty Addr only the handler is registered.
func (t *WSTransport) Start(h ServerHandler) error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}
	if err := t.hub.Start(h); err != nil {
		return err
	}
	if t.cfg.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen fail: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	t.mu.Lock()
	t.srv, t.listener = srv, ln
	t.mu.Unlock()

	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": "ws"})
	log.Info().Str("addr", ln.Addr().String()).Str("path", t.cfg.Path).Msg("websocket transport listening")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("websocket server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address when the transport owns its listener.
func (t *WSTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ServeHTTP upgrades one client connection.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.hub.Running() {
		http.Error(w, "transport not running", http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsconn{
		uid:       r.URL.Query().Get("id"),
		ws:        ws,
		sendCh:    make(chan outFrame, t.cfg.SendChannelSize),
		done:      make(chan struct{}),
		transport: t,
	}
	go c.serveSend()
	c.serveRecv()
}

// Send implements ServerTransport.
func (t *WSTransport) Send(clientID string, msg codec.Message) error {
	return t.hub.Send(clientID, msg)
}

// Broadcast implements ServerTransport.
func (t *WSTransport) Broadcast(msg codec.Message) error {
	return t.hub.Broadcast(msg)
}

// Close implements ServerTransport.
func (t *WSTransport) Close() error {
	if !t.hub.CloseAll() {
		return nil
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	t.wg.Wait()
	return err
}

// EntitiesAvailable implements ChannelReporter. Sockets never negotiate one.
func (t *WSTransport) EntitiesAvailable(clientID string) bool {
	return t.hub.EntitiesAvailable(clientID)
}

// Stats implements StatsReporter.
func (t *WSTransport) Stats() Stats {
	return t.hub.Stats()
}

// ConnectedClients returns the ids of the registered connections.
func (t *WSTransport) ConnectedClients() []string {
	return t.hub.ConnectedClients()
}

type wsconn struct {
	uid       string
	ws        *websocket.Conn
	sendCh    chan outFrame
	done      chan struct{}
	closeOnce sync.Once
	gate      ConnGate
	transport *WSTransport
}

func (c *wsconn) ClientID() string        { return c.uid }
func (c *wsconn) Gate() *ConnGate         { return &c.gate }
func (c *wsconn) EntitiesAvailable() bool { return false }

// Enqueue implements HubConn. A socket is a single ordered stream, so ch is ignored.
func (c *wsconn) Enqueue(ch Channel, body []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- outFrame{body: body}:
		return true
	default:
		return false
	}
}

func (c *wsconn) Kick(reason string) {
	body, err := codec.Encode(&codec.Kicked{Reason: reason})
	if err != nil {
		c.Shutdown()
		return
	}
	select {
	case c.sendCh <- outFrame{body: body, closeAfter: true}:
	default:
		c.Shutdown()
	}
}

func (c *wsconn) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsconn) readHello() error {
	_, body, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	msg, err := codec.Decode(body)
	if err != nil {
		return err
	}
	hello, ok := msg.(*codec.Hello)
	if !ok || hello.ClientID == "" {
		return fmt.Errorf("first message is %s, want hello with client id", msg.Type())
	}
	c.uid = hello.ClientID
	return nil
}

func (c *wsconn) serveRecv() {
	cfg := c.transport.cfg
	defer func() {
		c.transport.hub.Unregister(c)
		c.Shutdown()
	}()

	c.ws.SetReadLimit(cfg.ReadLimit)
	if c.uid == "" {
		_ = c.ws.SetReadDeadline(time.Now().Add(time.Duration(cfg.HandshakeTimeout) * time.Millisecond))
		if err := c.readHello(); err != nil {
			metrics.IncrCounterWithGroup("net", "connection_auth_failure_total", 1)
			log.Warn().Err(err).Msg("websocket handshake failed")
			return
		}
	}

	idle := time.Duration(cfg.IdleTimeout) * time.Second
	extend := func() {
		if idle > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		} else {
			_ = c.ws.SetReadDeadline(time.Time{})
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error { extend(); return nil })

	if !c.transport.hub.Register(c) {
		return
	}

	for {
		kind, body, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		extend()
		if kind != websocket.BinaryMessage {
			continue
		}
		c.transport.hub.Deliver(c, body, ChannelSync)
	}
}

func (c *wsconn) serveSend() {
	var ping <-chan time.Time
	if idle := time.Duration(c.transport.cfg.IdleTimeout) * time.Second; idle > 0 {
		ticker := time.NewTicker(idle / 2)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.Shutdown()
				return
			}
		case out := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, out.body); err != nil {
				c.Shutdown()
				return
			}
			if out.closeAfter {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "kicked"), time.Now().Add(time.Second))
				c.Shutdown()
				return
			}
		}
	}
}

// WSClient is the client side of WSTransport.
type WSClient struct {
	id        string
	ws        *websocket.Conn
	gate      gate
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	stats     statsCounter
	mu        sync.Mutex
	handler   ClientHandler
}

// DialWS connects to a ws:// or wss:// url, passing clientID as the id query parameter.
func DialWS(ctx context.Context, rawURL, clientID string, opts *DialOptions) (*WSClient, error) {
	if clientID == "" {
		return nil, fmt.Errorf("dial ws: empty client id")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial ws: %w", err)
	}
	q := u.Query()
	q.Set("id", clientID)
	u.RawQuery = q.Encode()

	o := opts.withDefaults()
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial ws %s: %w", u.Redacted(), err)
	}
	ws.SetReadLimit(int64(o.MaxBufferSize))
	return &WSClient{
		id:     clientID,
		ws:     ws,
		sendCh: make(chan []byte, o.SendChannelSize),
		done:   make(chan struct{}),
	}, nil
}

// Start implements ClientTransport.
func (c *WSClient) Start(h ClientHandler) error {
	if h == nil {
		return fmt.Errorf("ws client: nil handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return fmt.Errorf("ws client already started")
	}
	c.handler = h
	go c.readLoop()
	go c.writeLoop()
	return nil
}

func (c *WSClient) readLoop() {
	var exitErr error
	defer func() {
		c.shutdown()
		if closer, ok := c.handler.(ClientCloser); ok {
			c.gate.do(func() { closer.OnClose(exitErr) })
		}
		c.gate.close()
	}()

	for {
		kind, body, err := c.ws.ReadMessage()
		if err != nil {
			exitErr = err
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := codec.Decode(body)
		if err != nil {
			c.stats.drop()
			log.Warn().Str("client", c.id).Err(err).Msg("dropping malformed message")
			continue
		}
		c.gate.do(func() {
			c.stats.in(len(body))
			c.handler.OnMessage(msg, ChannelSync)
		})
	}
}

func (c *WSClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case body := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, body); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// Send implements ClientTransport.
func (c *WSClient) Send(msg codec.Message) error {
	if c.gate.isClosed() {
		return ErrTransportClosed
	}
	body, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- body:
		c.stats.out(len(body))
		return nil
	case <-c.done:
		return ErrTransportClosed
	default:
		c.stats.drop()
		return fmt.Errorf("ws client send queue full")
	}
}

func (c *WSClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Close implements ClientTransport.
func (c *WSClient) Close() error {
	c.gate.close()
	c.shutdown()
	return nil
}

// Stats implements StatsReporter.
func (c *WSClient) Stats() Stats {
	return c.stats.snapshot()
}

var (
	_ ServerTransport = (*WSTransport)(nil)
	_ ClientTransport = (*WSClient)(nil)
	_ http.Handler    = (*WSTransport)(nil)
)
