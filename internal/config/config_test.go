package config

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/cubeoverlay/node/internal/transport"
)

func TestDefaultConfigValidates(t *testing.T) {
	g := NewWithT(t)
	g.Expect(Default().Validate()).To(Succeed())
}

func TestValidateRejectsNoTransports(t *testing.T) {
	g := NewWithT(t)
	cfg := Default()
	cfg.Transports = nil
	g.Expect(cfg.Validate()).To(HaveOccurred())
}

func TestValidateRejectsNonPositiveMaxConnections(t *testing.T) {
	g := NewWithT(t)
	cfg := Default()
	cfg.NetManager.MaximumConnections = 0
	g.Expect(cfg.Validate()).To(HaveOccurred())
}

func TestValidateRejectsOutOfRangeRehabilitationChance(t *testing.T) {
	g := NewWithT(t)
	cfg := Default()
	cfg.NetManager.PeerDBConfig.BadPeerRehabilitationChance = 1.5
	g.Expect(cfg.Validate()).To(HaveOccurred())
}

func TestValidateRejectsOutOfRangeRequestScaleFactor(t *testing.T) {
	g := NewWithT(t)
	cfg := Default()
	cfg.Scheduler.RequestScaleFactor = 0
	g.Expect(cfg.Validate()).To(HaveOccurred())

	cfg = Default()
	cfg.Scheduler.RequestScaleFactor = 1.1
	g.Expect(cfg.Validate()).To(HaveOccurred())
}

func TestValidateAcceptsMuxTransport(t *testing.T) {
	g := NewWithT(t)
	cfg := Default()
	cfg.Transports = []transport.Param{{Kind: transport.KindMux, ListenHost: "0.0.0.0", ListenPort: 4302}}
	g.Expect(cfg.Validate()).To(Succeed())
}
