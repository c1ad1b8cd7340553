package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cubeoverlay/node/internal/config"
	"github.com/cubeoverlay/node/internal/transport"
)

// NewCLI builds the root command. Grounded on cmd/empower1d/cli.NewCLI's
// cobra root-command shape, generalized from the teacher's no-flags
// root to one with a full serve subcommand, since this overlay actually
// has runtime configuration worth exposing.
func NewCLI(run func(cfg config.Config) error) *cobra.Command {
	cfg := config.Default()
	var wsPort, muxPort uint16
	var muxHost string

	rootCmd := &cobra.Command{
		Use:   "cubenoded",
		Short: "cubenoded runs a cube-overlay peer-to-peer node.",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the overlay node: accept connections, auto-connect, and serve cube/key requests.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Transports = cfg.Transports[:0]
			if wsPort != 0 {
				cfg.Transports = append(cfg.Transports, transport.Param{
					Kind: transport.KindWebsocket, ListenHost: "0.0.0.0", ListenPort: wsPort,
				})
			}
			if muxPort != 0 {
				cfg.Transports = append(cfg.Transports, transport.Param{
					Kind: transport.KindMux, ListenHost: muxHost, ListenPort: muxPort,
				})
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cfg)
		},
	}

	flags := serveCmd.Flags()
	flags.Uint16Var(&wsPort, "ws-port", 4301, "websocket transport listen port (0 disables)")
	flags.Uint16Var(&muxPort, "mux-port", 4302, "multiplexed transport listen port (0 disables)")
	flags.StringVar(&muxHost, "mux-host", "0.0.0.0", "multiplexed transport listen host")
	flags.BoolVar(&cfg.NetManager.AutoConnect, "auto-connect", cfg.NetManager.AutoConnect, "automatically dial peers from PeerDB")
	flags.BoolVar(&cfg.NetManager.AnnounceToTorrentTrackers, "announce-to-trackers", cfg.NetManager.AnnounceToTorrentTrackers, "stored in the config; this daemon configures no trackers and runs no tracker announce")
	flags.BoolVar(&cfg.NetManager.AcceptIncomingConnections, "accept-incoming", cfg.NetManager.AcceptIncomingConnections, "accept incoming connections")
	flags.IntVar(&cfg.NetManager.MaximumConnections, "max-connections", cfg.NetManager.MaximumConnections, "connection ceiling")
	flags.BoolVar(&cfg.NetManager.LightNode, "light-node", cfg.NetManager.LightNode, "run as a light node (fetch-only, no auto key requests)")
	flags.StringVar(&cfg.MetricsListenAddr, "metrics-addr", cfg.MetricsListenAddr, "prometheus /metrics listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zap log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
