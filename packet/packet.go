// Package packet defines the types shared between the congestion
// controller, the ack tracker, and the transmitter: the packet the
// application hands in, and the bookkeeping record the transmitter keeps
// for it while it is in flight.
package packet

import (
	"time"

	"github.com/rs/xid"

	"github.com/CyberFlameGO/kwik/epoch"
)

// Outcome is the final fate of a sent packet, delivered exactly once to its
// Settled callback.
type Outcome int

const (
	// Acked means the peer acknowledged the packet.
	Acked Outcome = iota
	// Lost means loss detection declared the packet lost.
	Lost
)

func (o Outcome) String() string {
	if o == Acked {
		return "acked"
	}
	return "lost"
}

// Outgoing is an opaque protocol packet carrying one or more frames,
// submitted to the Transmitter for emission.
type Outgoing struct {
	Epoch epoch.Epoch

	// AckEliciting is true iff the packet carries at least one frame that
	// obliges the peer to acknowledge it.
	AckEliciting bool
	// InFlight is true iff the packet consumes congestion window.
	InFlight bool
	// Bypass, when true alongside InFlight==false, lets the packet skip
	// CongestionController.CanSend entirely (probes, urgent acks).
	Bypass bool

	// Size is the encoded byte length, filled in once known (it may be
	// zero until the packet is actually serialized, if the caller doesn't
	// know it up front).
	Size uint64

	// Label identifies the packet in logs. If empty, NewInFlightRecord fills
	// in a generated one.
	Label string

	// Settled is invoked exactly once, when the packet is acked or
	// declared lost.
	Settled func(Outcome)

	// Encode serializes the packet's frames with the given packet number
	// and returns the bytes to hand to the datagram sink. It is called
	// exactly once, immediately before the packet is sent.
	Encode func(epoch.Number) ([]byte, error)
}

// label returns p.Label, generating and caching one if it is empty.
func (p *Outgoing) label() string {
	if p.Label == "" {
		p.Label = xid.New().String()
	}
	return p.Label
}

// InFlightRecord is held from the moment a packet is handed to the
// datagram sink until it is acked or declared lost.
type InFlightRecord struct {
	ID           epoch.ID
	SendTime     time.Time
	Size         uint64
	AckEliciting bool
	InFlight     bool
	Label        string
	packet       *Outgoing
}

// Settle invokes the originating packet's Settled callback, if any. It does
// not guard against repeat calls: each call invokes the callback again.
func (r *InFlightRecord) Settle(outcome Outcome) {
	if r.packet != nil && r.packet.Settled != nil {
		r.packet.Settled(outcome)
	}
}

// NewInFlightRecord builds the bookkeeping record for p, freshly assigned
// packet number num and sent at sendTime.
func NewInFlightRecord(p *Outgoing, num epoch.Number, sendTime time.Time) *InFlightRecord {
	return &InFlightRecord{
		ID:           epoch.ID{Epoch: p.Epoch, Number: num},
		SendTime:     sendTime,
		Size:         p.Size,
		AckEliciting: p.AckEliciting,
		InFlight:     p.InFlight,
		Label:        p.label(),
		packet:       p,
	}
}

// Interval is a closed range [Low, High] of packet numbers.
type Interval struct {
	Low, High epoch.Number
}

// Contains reports whether n falls within [Low, High].
func (i Interval) Contains(n epoch.Number) bool {
	return n >= i.Low && n <= i.High
}

// AckFrame is a non-empty, descending list of disjoint Intervals plus the
// peer-reported delay between receiving the largest acked packet and
// sending this ack.
type AckFrame struct {
	Ranges   []Interval // descending, disjoint
	AckDelay time.Duration
}

// LargestAcked returns the High of the first (largest) range.
func (f AckFrame) LargestAcked() epoch.Number {
	return f.Ranges[0].High
}

// Contains reports whether n is covered by any range in f.
func (f AckFrame) Contains(n epoch.Number) bool {
	for _, r := range f.Ranges {
		if r.Contains(n) {
			return true
		}
		if n > r.High {
			// Ranges are descending; n is above every remaining range.
			return false
		}
	}
	return false
}
