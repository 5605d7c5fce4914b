//go:build !linux

package stcpmetrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

// kernelDescs is a no-op outside Linux: TCP_INFO is a Linux-specific
// getsockopt, and netfd.GetFdFromConn's usable implementations are
// Linux/BSD-only. A non-Linux build still collects the emulator counters
// in collector.go; it just reports no kernel-level metrics.
type kernelDescs struct{}

func newKernelDescs(prefix string, labels []string) kernelDescs { return kernelDescs{} }

func (kernelDescs) describe(ch chan<- *prometheus.Desc) {}

func (kernelDescs) collect(conn net.Conn, labels []string, metrics chan<- prometheus.Metric, logErr func(error)) {
}
