//go:build linux

package stcpmetrics

import (
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// kernelDescs holds the kernel TCPInfo field descriptions, built once per
// Collector. Field documentation adapted from the M-Lab tcp-info project,
// following exporter.go's makeDescriptions.
type kernelDescs struct {
	descs map[string]*prometheus.Desc
}

func newKernelDescs(prefix string, labels []string) kernelDescs {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_kernel_"+name, help, labels, nil)
	}
	return kernelDescs{descs: map[string]*prometheus.Desc{
		"state":          mk("state", "Connection state, see include/net/tcp_states.h."),
		"rtt":            mk("rtt", "Smoothed round trip time, in microseconds."),
		"rttvar":         mk("rttvar", "Round trip time variance, in microseconds."),
		"snd_cwnd":       mk("snd_cwnd", "Congestion window, in segments."),
		"snd_ssthresh":   mk("snd_ssthresh", "Slow start threshold, in segments."),
		"unacked":        mk("unacked", "Segments between snd.nxt and snd.una."),
		"lost":           mk("lost", "Segments marked lost by loss detection heuristics."),
		"retrans":        mk("retrans", "Segments marked retransmitted."),
		"total_retrans":  mk("total_retrans", "Total segments retransmitted over the connection's lifetime."),
		"last_data_recv": mk("last_data_recv_ms", "Time since last data segment was received, in milliseconds."),
	}}
}

func (k kernelDescs) describe(ch chan<- *prometheus.Desc) {
	for _, d := range k.descs {
		ch <- d
	}
}

func (k kernelDescs) collect(conn net.Conn, labels []string, metrics chan<- prometheus.Metric, logErr func(error)) {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		logErr(fmt.Errorf("stcpmetrics: could not recover file descriptor from %v -> %v", conn.LocalAddr(), conn.RemoteAddr()))
		return
	}
	info, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		logErr(fmt.Errorf("stcpmetrics: TCP_INFO getsockopt on %v -> %v: %w", conn.LocalAddr(), conn.RemoteAddr(), err))
		return
	}
	metrics <- prometheus.MustNewConstMetric(k.descs["state"], prometheus.GaugeValue, float64(info.State), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["rtt"], prometheus.GaugeValue, float64(info.Rtt), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["rttvar"], prometheus.GaugeValue, float64(info.Rttvar), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["snd_cwnd"], prometheus.GaugeValue, float64(info.Snd_cwnd), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["snd_ssthresh"], prometheus.GaugeValue, float64(info.Snd_ssthresh), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["unacked"], prometheus.GaugeValue, float64(info.Unacked), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["lost"], prometheus.GaugeValue, float64(info.Lost), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["retrans"], prometheus.GaugeValue, float64(info.Retrans), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["total_retrans"], prometheus.GaugeValue, float64(info.Total_retrans), labels...)
	metrics <- prometheus.MustNewConstMetric(k.descs["last_data_recv"], prometheus.GaugeValue, float64(info.Last_data_recv), labels...)
}
