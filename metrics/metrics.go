// Package metrics exposes the transmission core's internal state as
// Prometheus collectors. The Transmitter, CongestionController,
// RttEstimator and ReassemblyBuffer each take a *Recorder, and a nil
// *Recorder is safe: a component built without one simply records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CyberFlameGO/kwik/epoch"
)

// Recorder wraps the Prometheus collectors the domain core updates as it
// runs. The zero value is not usable; use NewRecorder.
type Recorder struct {
	congestionWindow  prometheus.Gauge
	bytesInFlight     prometheus.Gauge
	smoothedRTT       prometheus.Gauge
	rttVariance       prometheus.Gauge
	minRTT            prometheus.Gauge
	packetsSent       *prometheus.CounterVec
	packetsAcked      *prometheus.CounterVec
	packetsLost       *prometheus.CounterVec
	reassemblyBuffered prometheus.Gauge
}

// NewRecorder creates a Recorder and registers its collectors with reg. If
// reg is nil, a private, unregistered registry is used instead, which is
// convenient for tests that only want the metric values, not a /metrics
// endpoint.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		congestionWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kwik_congestion_window_bytes",
			Help: "Current congestion window, in bytes.",
		}),
		bytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kwik_bytes_in_flight",
			Help: "Bytes sent but not yet acked or declared lost.",
		}),
		smoothedRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kwik_smoothed_rtt_seconds",
			Help: "Smoothed round-trip-time estimate.",
		}),
		rttVariance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kwik_rtt_variance_seconds",
			Help: "Round-trip-time variance estimate.",
		}),
		minRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kwik_min_rtt_seconds",
			Help: "Minimum observed round-trip-time.",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kwik_packets_sent_total",
			Help: "Packets handed to the datagram sink, by epoch.",
		}, []string{"epoch"}),
		packetsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kwik_packets_acked_total",
			Help: "Packets retired by an incoming ack, by epoch.",
		}, []string{"epoch"}),
		packetsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kwik_packets_lost_total",
			Help: "Packets declared lost, by epoch.",
		}, []string{"epoch"}),
		reassemblyBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kwik_reassembly_buffered_bytes",
			Help: "Bytes currently buffered awaiting a gap-free prefix.",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.congestionWindow, r.bytesInFlight, r.smoothedRTT, r.rttVariance,
		r.minRTT, r.packetsSent, r.packetsAcked, r.packetsLost,
		r.reassemblyBuffered,
	} {
		_ = reg.Register(c)
	}
	return r
}

// SetCongestionWindow records the current congestion window in bytes.
func (r *Recorder) SetCongestionWindow(bytes uint64) {
	if r == nil {
		return
	}
	r.congestionWindow.Set(float64(bytes))
}

// SetBytesInFlight records the current bytes-in-flight.
func (r *Recorder) SetBytesInFlight(bytes uint64) {
	if r == nil {
		return
	}
	r.bytesInFlight.Set(float64(bytes))
}

// SetRTT records the smoothed RTT, RTT variance, and min RTT, in seconds.
func (r *Recorder) SetRTT(smoothed, variance, min float64) {
	if r == nil {
		return
	}
	r.smoothedRTT.Set(smoothed)
	r.rttVariance.Set(variance)
	r.minRTT.Set(min)
}

// AddPacketSent increments the sent counter for e.
func (r *Recorder) AddPacketSent(e epoch.Epoch) {
	if r == nil {
		return
	}
	r.packetsSent.WithLabelValues(e.String()).Inc()
}

// AddPacketsAcked increments the acked counter for e by n.
func (r *Recorder) AddPacketsAcked(e epoch.Epoch, n int) {
	if r == nil || n == 0 {
		return
	}
	r.packetsAcked.WithLabelValues(e.String()).Add(float64(n))
}

// AddPacketsLost increments the lost counter for e by n.
func (r *Recorder) AddPacketsLost(e epoch.Epoch, n int) {
	if r == nil || n == 0 {
		return
	}
	r.packetsLost.WithLabelValues(e.String()).Add(float64(n))
}

// SetReassemblyBuffered records the bytes currently buffered in a
// ReassemblyBuffer. The gauge has no stream label: each call replaces the
// previous value.
func (r *Recorder) SetReassemblyBuffered(bytes uint64) {
	if r == nil {
		return
	}
	r.reassemblyBuffered.Set(float64(bytes))
}
