// Package stcpmetrics exposes a stack's connections as Prometheus metrics:
// the unreliability emulator's per-connection decision counts (drop,
// duplicate, hold, replay, pass-through) from §4.3, plus, where the
// underlying carrier exposes a real kernel socket, that socket's TCPInfo.
// Grounded on runZeroInc-conniver/pkg/exporter/exporter.go's
// TCPInfoCollector shape (a lazily-scraped prometheus.Collector holding a
// map of tracked connections), adapted to read golang.org/x/sys/unix's
// TCPInfo directly rather than the original's gitlab.com/xerra dependency,
// which isn't part of this module's stack.
package stcpmetrics

import (
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soypat/stcp"
)

// Collector is a prometheus.Collector scraping one Stack's connections on
// every Collect call. The zero value is not usable; construct with
// NewCollector.
type Collector struct {
	stack  *stcp.Stack
	logger func(error)

	dropped, duplicated, held, replayed, passed *prometheus.Desc
	kernel                                      kernelDescs
}

// NewCollector returns a Collector for stack. logger receives any error
// encountered while reading a connection's kernel socket info; it may be
// nil to discard them.
func NewCollector(stack *stcp.Stack, logger func(error)) *Collector {
	if logger == nil {
		logger = func(error) {}
	}
	const ns = "stcp"
	labels := []string{"conn_id", "role", "local_port", "peer_port"}
	return &Collector{
		stack:  stack,
		logger: logger,
		dropped: prometheus.NewDesc(ns+"_emulator_dropped_total",
			"Segments the unreliability emulator chose to drop.", labels, nil),
		duplicated: prometheus.NewDesc(ns+"_emulator_duplicated_total",
			"Segments the unreliability emulator sent twice.", labels, nil),
		held: prometheus.NewDesc(ns+"_emulator_held_total",
			"Segments the unreliability emulator withheld into its single delay slot.", labels, nil),
		replayed: prometheus.NewDesc(ns+"_emulator_replayed_total",
			"Previously-held segments the unreliability emulator replayed.", labels, nil),
		passed: prometheus.NewDesc(ns+"_emulator_passthrough_total",
			"Segments the unreliability emulator sent unchanged.", labels, nil),
		kernel: newKernelDescs(ns, labels),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.dropped
	descs <- c.duplicated
	descs <- c.held
	descs <- c.replayed
	descs <- c.passed
	c.kernel.describe(descs)
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, snap := range c.stack.Snapshot() {
		labels := []string{
			snap.ID,
			snap.Role.String(),
			portString(snap.Local.Port),
			portString(snap.Peer.Port),
		}
		if snap.Emulator != nil {
			e := snap.Emulator
			metrics <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(e.Dropped), labels...)
			metrics <- prometheus.MustNewConstMetric(c.duplicated, prometheus.CounterValue, float64(e.Duplicated), labels...)
			metrics <- prometheus.MustNewConstMetric(c.held, prometheus.CounterValue, float64(e.Held), labels...)
			metrics <- prometheus.MustNewConstMetric(c.replayed, prometheus.CounterValue, float64(e.Replayed), labels...)
			metrics <- prometheus.MustNewConstMetric(c.passed, prometheus.CounterValue, float64(e.PassedThrough), labels...)
		}
		if connGetter, ok := snap.Carrier.(interface{ Conn() net.Conn }); ok {
			if conn := connGetter.Conn(); conn != nil {
				c.kernel.collect(conn, labels, metrics, c.logger)
			}
		}
	}
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}

var _ prometheus.Collector = (*Collector)(nil)
