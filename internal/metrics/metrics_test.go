package metrics

import (
	"testing"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cubeoverlay/node/internal/wire"
)

func TestPeerGaugesReflectCounts(t *testing.T) {
	g := NewWithT(t)
	reg := prometheus.NewRegistry()
	m := New(reg, func() (unverified, verified, exchangeable, blocked int) {
		return 1, 2, 3, 4
	})

	g.Expect(testutil.ToFloat64(m.PeersUnverified)).To(Equal(1.0))
	g.Expect(testutil.ToFloat64(m.PeersVerified)).To(Equal(2.0))
	g.Expect(testutil.ToFloat64(m.PeersExchangeable)).To(Equal(3.0))
	g.Expect(testutil.ToFloat64(m.PeersBlocked)).To(Equal(4.0))
}

func TestRecordSentAndReceived(t *testing.T) {
	g := NewWithT(t)
	reg := prometheus.NewRegistry()
	m := New(reg, func() (int, int, int, int) { return 0, 0, 0, 0 })

	m.RecordSent(wire.ClassCubeRequest, 128)
	m.RecordSent(wire.ClassCubeRequest, 64)
	m.RecordReceived(wire.ClassCubeResponse, 256)

	g.Expect(testutil.ToFloat64(m.BytesSent)).To(Equal(192.0))
	g.Expect(testutil.ToFloat64(m.BytesReceived)).To(Equal(256.0))
	g.Expect(testutil.ToFloat64(m.MessagesSent.WithLabelValues(wire.ClassCubeRequest.String()))).To(Equal(2.0))
	g.Expect(testutil.ToFloat64(m.MessagesReceived.WithLabelValues(wire.ClassCubeResponse.String()))).To(Equal(1.0))
}
