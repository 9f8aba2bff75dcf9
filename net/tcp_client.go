package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/log"
)

// ProtocolVersion is sent in the Hello handshake.
const ProtocolVersion = "1"

// ClientCloser is optionally implemented by a ClientHandler to learn that the
// connection ended without a local Close call.
type ClientCloser interface {
	OnClose(err error)
}

// DialOptions configures the socket client dialers.
type DialOptions struct {
	SendChannelSize int
	MaxBufferSize   int
}

func (o *DialOptions) withDefaults() DialOptions {
	out := DialOptions{SendChannelSize: 256, MaxBufferSize: 1 << 20}
	if o != nil {
		if o.SendChannelSize > 0 {
			out.SendChannelSize = o.SendChannelSize
		}
		if o.MaxBufferSize > 0 {
			out.MaxBufferSize = o.MaxBufferSize
		}
	}
	return out
}

// TCPClient is the client side of TCPTransport.
type TCPClient struct {
	id        string
	conn      net.Conn
	opts      DialOptions
	gate      gate
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	stats     statsCounter
	mu        sync.Mutex
	handler   ClientHandler
}

// DialTCP connects to addr and performs the Hello handshake with clientID.
func DialTCP(ctx context.Context, addr, clientID string, opts *DialOptions) (*TCPClient, error) {
	if clientID == "" {
		return nil, fmt.Errorf("dial tcp: empty client id")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}

	hello, err := codec.Encode(&codec.Hello{ClientID: clientID, Version: ProtocolVersion})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(appendFrame(nil, hello)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	o := opts.withDefaults()
	return &TCPClient{
		id:     clientID,
		conn:   conn,
		opts:   o,
		sendCh: make(chan []byte, o.SendChannelSize),
		done:   make(chan struct{}),
	}, nil
}

// Start implements ClientTransport.
func (c *TCPClient) Start(h ClientHandler) error {
	if h == nil {
		return fmt.Errorf("tcp client: nil handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return fmt.Errorf("tcp client already started")
	}
	c.handler = h
	go c.readLoop()
	go c.writeLoop()
	return nil
}

func (c *TCPClient) readLoop() {
	var (
		buf     []byte
		exitErr error
	)
	defer func() {
		c.shutdown()
		if closer, ok := c.handler.(ClientCloser); ok {
			c.gate.do(func() { closer.OnClose(exitErr) })
		}
		c.gate.close()
	}()

	for {
		body, err := readFrame(c.conn, buf, c.opts.MaxBufferSize)
		if err != nil {
			exitErr = err
			return
		}
		buf = body
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

func (c *TCPClient) writeLoop() {
	var frame []byte
	for {
		select {
		case <-c.done:
			return
		case body := <-c.sendCh:
			frame = appendFrame(frame[:0], body)
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := c.conn.Write(frame); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// Send implements ClientTransport. A full send queue drops the message.
func (c *TCPClient) Send(msg codec.Message) error {
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
		return fmt.Errorf("tcp client send queue full")
	}
}

func (c *TCPClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Close implements ClientTransport.
func (c *TCPClient) Close() error {
	c.gate.close()
	c.shutdown()
	return nil
}

// Stats implements StatsReporter.
func (c *TCPClient) Stats() Stats {
	return c.stats.snapshot()
}

var _ ClientTransport = (*TCPClient)(nil)
