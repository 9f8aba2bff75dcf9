// Command tilesyncbot connects scripted players to a tilesyncd instance. Each bot walks a
// random path, pings once per second and reports its round trip time and prediction
// error. The netem config applies emulated latency and loss to every bot.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/lcx/tilesync/client"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/net"
	"github.com/lcx/tilesync/net/peer"
)

type options struct {
	transport string
	addr      string
	configDir string
	count     int
	rate      float64
	duration  time.Duration
	prefix    string
}

func parseOptions(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("tilesyncbot", pflag.ContinueOnError)
	fs.StringVarP(&o.transport, "transport", "t", "tcp", "tcp, ws or peer")
	fs.StringVarP(&o.addr, "addr", "a", "127.0.0.1:7400", "tcp address, ws url or peer signaling url")
	fs.StringVarP(&o.configDir, "config", "c", "./configs", "directory holding the yaml configs")
	fs.IntVarP(&o.count, "count", "n", 1, "number of bots")
	fs.Float64Var(&o.rate, "input-rate", 20, "inputs per second per bot")
	fs.DurationVarP(&o.duration, "duration", "d", 0, "stop after this long, 0 runs until interrupted")
	fs.StringVar(&o.prefix, "prefix", "bot", "client id prefix")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}
	if o.rate <= 0 {
		return nil, fmt.Errorf("input-rate must be positive")
	}
	return o, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cm := config.GetInstance()
	cm.SetBasePath(opts.configDir)
	defer cm.Close()
	if err := log.InitializeWithConfigManager(cm); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.count; i++ {
		id := fmt.Sprintf("%s-%d", opts.prefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runBot(ctx, cm, opts, id); err != nil {
				log.Error().Str("bot", id).Err(err).Msg("bot stopped")
			}
		}()
	}
	wg.Wait()
}

func dial(ctx context.Context, cm config.ConfigManager, opts *options, id string) (net.ClientTransport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	switch opts.transport {
	case "tcp":
		return net.DialTCP(dialCtx, opts.addr, id, nil)
	case "ws":
		return net.DialWS(dialCtx, opts.addr, id, nil)
	case "peer":
		cfg := peer.DefaultPeerCfg()
		if err := config.LoadOrDefault(cm, cfg.GetName(), cfg); err != nil {
			return nil, err
		}
		return peer.Dial(dialCtx, opts.addr, id, cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}

func runBot(ctx context.Context, cm config.ConfigManager, opts *options, id string) error {
	inner, err := dial(ctx, cm, opts, id)
	if err != nil {
		return err
	}
	emu, err := net.NewNetEmuWithConfigManager(cm, inner)
	if err != nil {
		_ = inner.Close()
		return err
	}
	defer cm.RemoveChangeListener(emu)

	c, err := client.NewWithConfigManager(cm, id, emu)
	if err != nil {
		_ = emu.Close()
		return err
	}
	defer c.Close()
	if err := c.Start(); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(opts.rate), 1)
	rnd := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(len(id))))
	var dirX, dirY float32
	report := time.NewTicker(time.Second)
	defer report.Stop()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		select {
		case <-report.C:
			if err := c.Ping(); err != nil {
				return err
			}
			offX, offY := c.Offset()
			log.Info().Str("bot", id).Uint32("entity", c.ControlledID()).Dur("rtt", c.RTT()).
				Int("pending", c.PendingInputs()).Float64("offset_x", offX).
				Float64("offset_y", offY).Msg("bot status")
		default:
		}
		if reason := c.Kicked(); reason != "" {
			return fmt.Errorf("kicked: %s", reason)
		}
		if err := c.Err(); err != nil {
			return err
		}
		// 每次大约 5% 的概率换方向
		if rnd.IntN(20) == 0 {
			dirX, dirY = float32(rnd.IntN(3)-1), float32(rnd.IntN(3)-1)
		}
		if _, err := c.SendInput(dirX, dirY, rnd.IntN(4) == 0, rnd.IntN(50) == 0); err != nil {
			return err
		}
		c.Frame()
	}
}
