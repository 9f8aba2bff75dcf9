package peer

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/log"
	tnet "github.com/lcx/tilesync/net"
)

// Client is the offering side of a peer connection: the guest dialer used against a
// dedicated server and, through a relay, against a host.
type Client struct {
	*link
	id    string
	sig   *sigConn
	gate  tnet.ConnGate
	stats clientStats

	// dmu orders deliveries with the flush of early messages in Start.
	dmu     sync.Mutex
	mu      sync.Mutex
	handler tnet.ClientHandler
	early   []inbound
	lost    bool
}

type inbound struct {
	msg codec.Message
	ch  tnet.Channel
}

type clientStats struct {
	mu sync.Mutex
	s  tnet.Stats
}

func (c *clientStats) add(fn func(*tnet.Stats)) {
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// Dial negotiates a peer connection through the signaling websocket at signalURL and
// returns once the sync channel is open. clientID is passed as the id query parameter.
// A negotiation that stalls fails with ctx.
func Dial(ctx context.Context, signalURL, clientID string, cfg *PeerCfg) (*Client, error) {
	if cfg == nil {
		cfg = DefaultPeerCfg()
	}
	if clientID == "" {
		return nil, fmt.Errorf("dial peer: empty client id")
	}
	u, err := url.Parse(signalURL)
	if err != nil {
		return nil, fmt.Errorf("dial peer: %w", err)
	}
	q := u.Query()
	q.Set("id", clientID)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", u.Redacted(), err)
	}
	sc := newSigConn(ws)

	pc, err := newAPI().NewPeerConnection(cfg.rtcConfiguration())
	if err != nil {
		_ = sc.close()
		return nil, err
	}
	c := &Client{link: newLink(pc, cfg), id: clientID, sig: sc}
	if err := c.negotiate(ctx); err != nil {
		c.link.close()
		_ = sc.close()
		return nil, err
	}
	return c, nil
}

func (c *Client) negotiate(ctx context.Context) error {
	if err := c.createChannels(); err != nil {
		return err
	}
	opened := make(chan struct{})
	var openOnce sync.Once
	c.channel(tnet.ChannelSync).OnOpen(func() { openOnce.Do(func() { close(opened) }) })
	c.channel(tnet.ChannelEntities).OnOpen(func() { c.entOpen.Store(true) })
	c.bind(tnet.ChannelSync)
	c.bind(tnet.ChannelEntities)

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		_ = c.sig.write(Signal{Type: SignalCandidate, From: c.id, Candidate: &ci})
	})
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if connectionLost(state) {
			go c.lose(fmt.Errorf("peer connection %s", state))
		}
	})

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := c.sig.write(Signal{Type: SignalOffer, From: c.id, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	failed := make(chan error, 1)
	go c.readSignals(failed)

	select {
	case <-opened:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return fmt.Errorf("peer negotiation: %w", ctx.Err())
	}
}

// readSignals applies the answer and trickled candidates until the signaling socket closes.
func (c *Client) readSignals(failed chan<- error) {
	for {
		sig, err := c.sig.read()
		if err != nil {
			select {
			case failed <- fmt.Errorf("signaling closed: %w", err):
			default:
			}
			return
		}
		if err := sig.Validate(); err != nil {
			log.Warn().Str("client", c.id).Err(err).Msg("invalid signal")
			continue
		}
		switch sig.Type {
		case SignalAnswer:
			if err := c.setRemote(sig.Description()); err != nil {
				select {
				case failed <- fmt.Errorf("set remote description: %w", err):
				default:
				}
				return
			}
		case SignalCandidate:
			if err := c.addCandidate(*sig.Candidate); err != nil {
				log.Warn().Str("client", c.id).Err(err).Msg("add ice candidate failed")
			}
		case SignalError:
			select {
			case failed <- fmt.Errorf("%w: %s", ErrSignal, sig.Message):
			default:
			}
			return
		}
	}
}

func (c *Client) bind(ch tnet.Channel) {
	c.channel(ch).OnMessage(func(m webrtc.DataChannelMessage) {
		if m.IsString {
			return
		}
		body, ok := c.receive(ch, m.Data)
		if !ok {
			return
		}
		msg, err := codec.Decode(body)
		if err != nil {
			c.stats.add(func(s *tnet.Stats) { s.Dropped++ })
			log.Warn().Str("client", c.id).Err(err).Msg("dropping malformed message")
			return
		}
		c.deliver(msg, ch, len(body))
	})
	if ch == tnet.ChannelSync {
		c.channel(ch).OnClose(func() { go c.lose(errChannelNotOpen) })
	}
}

func (c *Client) deliver(msg codec.Message, ch tnet.Channel, size int) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.mu.Lock()
	h := c.handler
	if h == nil {
		c.early = append(c.early, inbound{msg: msg, ch: ch})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.gate.Do(func() {
		c.stats.add(func(s *tnet.Stats) {
			s.MessagesIn++
			s.BytesIn += uint64(size)
		})
		h.OnMessage(msg, ch)
	})
}

func (c *Client) lose(err error) {
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = true
	h := c.handler
	c.mu.Unlock()

	c.link.close()
	_ = c.sig.close()
	if closer, ok := h.(tnet.ClientCloser); ok {
		c.gate.Do(func() { closer.OnClose(err) })
	}
	c.gate.Close()
}

// ID returns the client id used for signaling.
func (c *Client) ID() string {
	return c.id
}

// Start implements net.ClientTransport. Messages that arrived since Dial are delivered first.
func (c *Client) Start(h tnet.ClientHandler) error {
	if h == nil {
		return fmt.Errorf("peer client: nil handler")
	}
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.mu.Lock()
	if c.handler != nil {
		c.mu.Unlock()
		return fmt.Errorf("peer client already started")
	}
	c.handler = h
	early := c.early
	c.early = nil
	c.mu.Unlock()

	for _, in := range early {
		c.gate.Do(func() { h.OnMessage(in.msg, in.ch) })
	}
	return nil
}

// Send implements net.ClientTransport.
func (c *Client) Send(msg codec.Message) error {
	if c.gate.Closed() {
		return tnet.ErrTransportClosed
	}
	body, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	r := tnet.Route(msg.Type(), c.entitiesAvailable())
	if err := c.send(r.Channel, body); err != nil {
		c.stats.add(func(s *tnet.Stats) { s.Dropped++ })
		return err
	}
	c.stats.add(func(s *tnet.Stats) {
		s.MessagesOut++
		s.BytesOut += uint64(len(body))
	})
	return nil
}

// Close implements net.ClientTransport.
func (c *Client) Close() error {
	c.mu.Lock()
	c.lost = true
	c.mu.Unlock()
	c.gate.Close()
	c.link.close()
	return c.sig.close()
}

// Stats implements net.StatsReporter.
func (c *Client) Stats() tnet.Stats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	return c.stats.s
}

var _ tnet.ClientTransport = (*Client)(nil)
