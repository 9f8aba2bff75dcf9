// Command tilesyncd runs an authoritative tile world behind one of the socket or peer
// transports, or the signaling relay that connects peer hosts with their guests.
package main

import (
	"context"
	"errors"
	"fmt"
	stdnet "net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lcx/tilesync/client"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/discovery"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
	"github.com/lcx/tilesync/net"
	"github.com/lcx/tilesync/net/peer"
	"github.com/lcx/tilesync/plugin"
	"github.com/lcx/tilesync/server"
	"github.com/lcx/tilesync/sim"
)

type options struct {
	mode      string
	configDir string
	env       string
	admin     string
	listen    string
	relayURL  string
	room      string
	player    string
}

func parseOptions(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("tilesyncd", pflag.ContinueOnError)
	fs.StringVarP(&o.mode, "mode", "m", "tcp", "transport: tcp, ws, peer, host or relay")
	fs.StringVarP(&o.configDir, "config", "c", "./configs", "directory holding the yaml configs")
	fs.StringVar(&o.env, "env", "", "environment subdirectory overriding the base configs")
	fs.StringVar(&o.admin, "admin", ":9100", "admin listen address for /metrics and /healthz, empty to disable")
	fs.StringVar(&o.listen, "listen", ":7403", "relay listen address (relay mode)")
	fs.StringVar(&o.relayURL, "relay", "", "relay websocket url (host mode), empty for a local-only game")
	fs.StringVar(&o.room, "room", "default", "room name registered at the relay (host mode)")
	fs.StringVar(&o.player, "player", "host", "client id of the hosting player (host mode)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch o.mode {
	case "tcp", "ws", "peer", "host", "relay":
	default:
		return nil, fmt.Errorf("unknown mode %q", o.mode)
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
	if opts.env != "" {
		cm.SetEnvironment(opts.env)
	}
	defer cm.Close()

	if err := log.InitializeWithConfigManager(cm); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pm := plugin.NewPluginManager()
	if err := registerPlugins(ctx, pm, cm, opts); err != nil {
		log.Error().Err(err).Msg("register plugins failed")
		os.Exit(1)
	}
	if err := pm.StartAll(); err != nil {
		log.Error().Err(err).Msg("start failed")
		_ = pm.StopAll()
		os.Exit(1)
	}
	log.Info().Str("mode", opts.mode).Msg("tilesyncd running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := pm.StopAll(); err != nil {
		log.Error().Err(err).Msg("stop failed")
	}
}

func registerPlugins(ctx context.Context, pm plugin.PluginManager, cm config.ConfigManager, opts *options) error {
	if opts.admin != "" {
		if err := pm.RegisterPlugin(adminPlugin(opts.admin)); err != nil {
			return err
		}
	}

	core := "server"
	if opts.mode == "relay" {
		core = "relay"
		if err := pm.RegisterPlugin(relayPlugin(opts.listen)); err != nil {
			return err
		}
	} else {
		p, err := serverPlugin(cm, opts)
		if err != nil {
			return err
		}
		if err := pm.RegisterPlugin(p); err != nil {
			return err
		}
	}

	reg, err := discovery.NewRegistrarWithConfigManager(cm)
	if err != nil {
		return err
	}
	if reg != nil {
		if err := pm.RegisterPlugin(discoveryPlugin(ctx, reg, core)); err != nil {
			return err
		}
	}
	return nil
}

// adminPlugin serves prometheus metrics and a liveness probe.
func adminPlugin(addr string) plugin.Plugin {
	var srv *http.Server
	return &plugin.Func{
		PluginName: "admin",
		OnStart: func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("ok"))
			})
			srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			return serveHTTP(srv, "admin")
		},
		OnStop: func() error {
			return shutdownHTTP(srv)
		},
	}
}

func relayPlugin(addr string) plugin.Plugin {
	var srv *http.Server
	relay := peer.NewRelay()
	return &plugin.Func{
		PluginName: "relay",
		OnStart: func() error {
			mux := http.NewServeMux()
			mux.Handle("/relay", relay)
			srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			return serveHTTP(srv, "relay")
		},
		OnStop: func() error {
			return shutdownHTTP(srv)
		},
	}
}

// serverPlugin builds the world, the chosen transport and the tick loop. Inbound traffic
// passes the dispatcher's message filter and rate limiter before reaching the server.
func serverPlugin(cm config.ConfigManager, opts *options) (plugin.Plugin, error) {
	var (
		transport net.ServerTransport
		host      *peer.Host
		player    *client.Client
		srv       *server.Server
	)
	return &plugin.Func{
		PluginName: "server",
		OnInit: func() error {
			worldCfg, err := sim.LoadWorldCfg(cm)
			if err != nil {
				return err
			}
			switch opts.mode {
			case "tcp":
				transport, err = net.NewTCPTransportWithConfigManager(cm)
			case "ws":
				transport, err = net.NewWSTransportWithConfigManager(cm)
			case "peer":
				transport, err = peer.NewServerWithConfigManager(cm)
			case "host":
				peerCfg := peer.DefaultPeerCfg()
				if err = config.LoadOrDefault(cm, peerCfg.GetName(), peerCfg); err != nil {
					return err
				}
				host = peer.NewHost(peerCfg, opts.relayURL, opts.room)
				transport = host
			}
			if err != nil {
				return err
			}
			srv, err = server.NewWithConfigManager(cm, transport, sim.NewMemoryWorld(*worldCfg))
			if err != nil {
				return err
			}
			if host != nil {
				player, err = client.NewWithConfigManager(cm, opts.player, host.Local(opts.player))
			}
			return err
		},
		OnStart: func() error {
			d, err := net.NewDispatcherWithConfigManager(cm, srv)
			if err != nil {
				return err
			}
			if err := srv.Start(d); err != nil {
				return err
			}
			if player != nil {
				return player.Start()
			}
			return nil
		},
		OnStop: func() error {
			if player != nil {
				_ = player.Close()
			}
			return srv.Close()
		},
	}, nil
}

func discoveryPlugin(ctx context.Context, reg *discovery.Registrar, dep string) plugin.Plugin {
	return &plugin.Func{
		PluginName: "discovery",
		Deps:       []string{dep},
		OnStart: func() error {
			if err := reg.Register(); err != nil {
				return err
			}
			go func() {
				lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				addrs, err := reg.Lookup(lookupCtx, "")
				if err != nil {
					log.Warn().Err(err).Msg("discovery lookup failed")
					return
				}
				log.Info().Strs("instances", addrs).Msg("healthy instances")
			}()
			return nil
		},
		OnStop: reg.Deregister,
	}
}

func serveHTTP(srv *http.Server, name string) error {
	ln, err := stdnet.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%s listen: %w", name, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Str("name", name).Msg("http listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("name", name).Msg("http server stopped")
		}
	}()
	return nil
}

func shutdownHTTP(srv *http.Server) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
