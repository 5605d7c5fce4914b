package stcpmetrics

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soypat/stcp"
)

type fakeCarrier struct{}

func (fakeCarrier) SendPacket([]byte) error        { return nil }
func (fakeCarrier) RecvPacket([]byte) (int, error) { return 0, nil }
func (fakeCarrier) Wake() error                    { return nil }
func (fakeCarrier) Close() error                   { return nil }
func (fakeCarrier) LocalAddr() stcp.Addr           { return stcp.Addr{} }
func (fakeCarrier) PeerAddr() stcp.Addr            { return stcp.Addr{} }
func (fakeCarrier) Conn() net.Conn                 { return nil }

type fakeFactory struct{}

func (fakeFactory) NewCarrier(local stcp.Endpoint, listening bool) (stcp.Carrier, error) {
	return fakeCarrier{}, nil
}

type noopTransport struct{}

func (noopTransport) Run(svc stcp.Services, active bool) {}

func TestCollectorDescribeAndCollect(t *testing.T) {
	st := stcp.NewStack(stcp.Config{}, fakeFactory{}, func() stcp.TransportLayer { return noopTransport{} })
	sd, err := st.Open(false) // unreliable: the emulator, and its counters, are present
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close(sd)

	col := NewCollector(st, nil)

	descs := make(chan *prometheus.Desc, 32)
	go func() {
		col.Describe(descs)
		close(descs)
	}()
	var descCount int
	for range descs {
		descCount++
	}
	if descCount == 0 {
		t.Fatal("expected at least one metric description")
	}

	metrics := make(chan prometheus.Metric, 32)
	go func() {
		col.Collect(metrics)
		close(metrics)
	}()
	var metricCount int
	for range metrics {
		metricCount++
	}
	if metricCount == 0 {
		t.Fatal("expected at least one metric from the open connection's emulator counters")
	}
}
