// Package config aggregates the enumerated configuration spec.md §6
// lists into the construction-time structs each collaborator package
// already declares (netmanager.Config, which itself carries
// networkpeer.Config and peerdb.Config, plus scheduler.Config). No
// teacher config loader exists to imitate (cmd/empower1d/cli/cli.go has
// no flags at all); this is written directly from the external
// interfaces section, bound to cobra/pflag in cmd/cubenoded.
package config

import (
	"fmt"

	"github.com/cubeoverlay/node/internal/netmanager"
	"github.com/cubeoverlay/node/internal/scheduler"
	"github.com/cubeoverlay/node/internal/transport"
)

// Config is the overlay's full process configuration.
type Config struct {
	NetManager netmanager.Config
	Scheduler  scheduler.Config
	Transports []transport.Param

	MetricsListenAddr string
	LogLevel          string
}

func Default() Config {
	return Config{
		NetManager: netmanager.DefaultConfig(),
		Scheduler:  scheduler.DefaultConfig(),
		Transports: []transport.Param{
			{Kind: transport.KindWebsocket, ListenHost: "0.0.0.0", ListenPort: 4301},
		},
		MetricsListenAddr: ":9301",
		LogLevel:          "info",
	}
}

// Validate catches the configuration mistakes that would otherwise
// surface only once the overlay is already running.
func (c Config) Validate() error {
	if c.NetManager.MaximumConnections <= 0 {
		return fmt.Errorf("config: maximumConnections must be positive")
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("config: at least one transport must be configured")
	}
	if c.NetManager.NetworkTimeout <= 0 {
		return fmt.Errorf("config: networkTimeout must be positive")
	}
	if c.NetManager.PeerDBConfig.BadPeerRehabilitationChance < 0 || c.NetManager.PeerDBConfig.BadPeerRehabilitationChance > 1 {
		return fmt.Errorf("config: badPeerRehabilitationChance must be in [0,1]")
	}
	if c.Scheduler.RequestScaleFactor <= 0 || c.Scheduler.RequestScaleFactor > 1 {
		return fmt.Errorf("config: requestScaleFactor must be in (0,1]")
	}
	return nil
}
