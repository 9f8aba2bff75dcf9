package peer

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// PeerCfg configures the peer data channel backend.
type PeerCfg struct {
	// Addr of the dedicated server's signaling endpoint. Empty when the server is mounted
	// elsewhere or runs as a host behind a relay.
	Addr       string   `mapstructure:"addr"`
	SignalPath string   `mapstructure:"signalPath"`
	ICEServers []string `mapstructure:"iceServers"`
	// MaxPayload is the largest data channel message; bigger encodings are fragmented.
	MaxPayload int `mapstructure:"maxPayload"`
	// ConnectTimeout in milliseconds until the sync channel must be open.
	ConnectTimeout uint32 `mapstructure:"connectTimeout"`
	// MaxBufferedAmount drops outgoing messages while a channel holds more unsent bytes.
	MaxBufferedAmount uint64 `mapstructure:"maxBufferedAmount"`
}

func (c *PeerCfg) GetName() string {
	return "peer"
}

func (c *PeerCfg) Validate() error {
	if c.SignalPath == "" || c.SignalPath[0] != '/' {
		return fmt.Errorf("SignalPath must start with '/'")
	}
	if c.MaxPayload <= 0 || c.MaxPayload > 64*1024 {
		return fmt.Errorf("MaxPayload must be in (0, 65536], got %d", c.MaxPayload)
	}
	if c.ConnectTimeout == 0 {
		return fmt.Errorf("ConnectTimeout must be positive")
	}
	return nil
}

// DefaultPeerCfg returns the settings used when peer.yaml is absent.
func DefaultPeerCfg() *PeerCfg {
	return &PeerCfg{
		Addr:              ":7402",
		SignalPath:        "/signal",
		MaxPayload:        16 * 1024,
		ConnectTimeout:    10000,
		MaxBufferedAmount: 1 << 20,
	}
}

func (c *PeerCfg) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

func (c *PeerCfg) rtcConfiguration() webrtc.Configuration {
	conf := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return conf
}

func newAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(5*time.Second, 10*time.Second, 2*time.Second)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
