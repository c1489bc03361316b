// Package config holds the tunable parameters of the transmission core,
// loadable from YAML the way the rest of this module's ecosystem loads
// typed configuration.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be expressed as "50ms" in YAML
// rather than as a raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Transport bundles the RTT, congestion-control, and reassembly knobs the
// domain core needs. Zero-valued fields are filled in by WithDefaults.
type Transport struct {
	// InitialRTT seeds the RttEstimator before any sample has been taken.
	InitialRTT Duration `yaml:"initial_rtt"`
	// Granularity is the floor applied to the PTO RTT-variance term.
	Granularity Duration `yaml:"granularity"`

	// MaxDatagramSize (MSS) sizes the initial and minimum congestion
	// windows as multiples of it.
	MaxDatagramSize uint64 `yaml:"max_datagram_size"`
	// InitialWindowPackets is the initial congestion window, in multiples
	// of MaxDatagramSize.
	InitialWindowPackets uint64 `yaml:"initial_window_packets"`
	// MinimumWindowPackets is the floor the congestion window never goes
	// below, even after a loss event.
	MinimumWindowPackets uint64 `yaml:"minimum_window_packets"`
	// LossReductionFactor multiplies cwnd on loss to derive ssthresh.
	LossReductionFactor float64 `yaml:"loss_reduction_factor"`

	// ReassemblyCeiling is the maximum number of not-yet-consumed bytes a
	// ReassemblyBuffer will hold before reporting backpressure.
	ReassemblyCeiling uint64 `yaml:"reassembly_ceiling"`
}

const (
	defaultInitialRTT           = Duration(100 * time.Millisecond)
	defaultGranularity          = Duration(time.Millisecond)
	defaultMaxDatagramSize      = 1452
	defaultInitialWindowPackets = 10
	defaultMinimumWindowPackets = 2
	defaultLossReductionFactor  = 0.5
	defaultReassemblyCeiling    = 16 << 20 // 16 MiB
)

// WithDefaults returns a copy of t with zero fields replaced by sane
// defaults for a QUIC-family client.
func (t Transport) WithDefaults() Transport {
	if t.InitialRTT == 0 {
		t.InitialRTT = defaultInitialRTT
	}
	if t.Granularity == 0 {
		t.Granularity = defaultGranularity
	}
	if t.MaxDatagramSize == 0 {
		t.MaxDatagramSize = defaultMaxDatagramSize
	}
	if t.InitialWindowPackets == 0 {
		t.InitialWindowPackets = defaultInitialWindowPackets
	}
	if t.MinimumWindowPackets == 0 {
		t.MinimumWindowPackets = defaultMinimumWindowPackets
	}
	if t.LossReductionFactor == 0 {
		t.LossReductionFactor = defaultLossReductionFactor
	}
	if t.ReassemblyCeiling == 0 {
		t.ReassemblyCeiling = defaultReassemblyCeiling
	}
	return t
}

// InitialWindow is InitialWindowPackets*MaxDatagramSize, in bytes.
func (t Transport) InitialWindow() uint64 {
	return t.InitialWindowPackets * t.MaxDatagramSize
}

// MinimumWindow is MinimumWindowPackets*MaxDatagramSize, in bytes.
func (t Transport) MinimumWindow() uint64 {
	return t.MinimumWindowPackets * t.MaxDatagramSize
}

// Parse decodes a Transport configuration from YAML and applies defaults
// to any field left unset.
func Parse(data []byte) (Transport, error) {
	var t Transport
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Transport{}, err
	}
	return t.WithDefaults(), nil
}
