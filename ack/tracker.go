// Package ack implements a per-epoch record of received packet numbers
// that produces compact, descending, disjoint ack ranges on demand and
// retires entries once the peer has acknowledged our own acks of them.
package ack

import (
	"sort"
	"sync"
	"time"

	"github.com/CyberFlameGO/kwik/epoch"
	"github.com/CyberFlameGO/kwik/packet"
	"github.com/CyberFlameGO/kwik/xerrors"
)

type epochState struct {
	mu sync.Mutex

	// received maps a received, ack-eliciting packet number to the time it
	// was received, used to compute ack-delay for the next generated ack.
	received map[epoch.Number]time.Time
	dirty    bool

	// sentAcks maps one of our own packet numbers that carried an ack frame
	// to the largest-acked value that frame reported, so a peer ack of that
	// packet number can retire everything it already covered.
	sentAcks map[epoch.Number]epoch.Number
}

func newEpochState() *epochState {
	return &epochState{
		received: make(map[epoch.Number]time.Time),
		sentAcks: make(map[epoch.Number]epoch.Number),
	}
}

// Tracker holds one epochState per Epoch. It is safe for concurrent use:
// OnPacketReceived is called from the receive path, GenerateAck from the
// sender loop, and OnPeerAckOfOurPacket from ack processing.
type Tracker struct {
	states [epoch.Count]*epochState
}

// New creates a Tracker with empty state for every epoch.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.states {
		t.states[i] = newEpochState()
	}
	return t
}

func (t *Tracker) state(e epoch.Epoch) (*epochState, error) {
	if !e.Valid() {
		return nil, xerrors.New("unknown epoch", e).WithPrefix("ack")
	}
	return t.states[e], nil
}

// OnPacketReceived records num as received in e's space if ackEliciting; a
// non-ack-eliciting packet (a pure ack) needs no acknowledgement of its own
// and is not tracked.
func (t *Tracker) OnPacketReceived(e epoch.Epoch, num epoch.Number, ackEliciting bool, receiveTime time.Time) error {
	if !ackEliciting {
		return nil
	}
	s, err := t.state(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[num] = receiveTime
	s.dirty = true
	return nil
}

// HasNewAck reports whether e has received packets since the last
// GenerateAck call.
func (t *Tracker) HasNewAck(e epoch.Epoch) bool {
	s, err := t.state(e)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// HasAnyAck reports whether e's received set is non-empty.
func (t *Tracker) HasAnyAck(e epoch.Epoch) bool {
	s, err := t.state(e)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received) > 0
}

// GenerateAck builds an AckFrame covering every number currently in e's
// received set, remembers that ourPacketNumber carries it, and clears the
// dirty flag. It reports false if the received set is empty, since there is
// nothing worth acking; callers must check HasAnyAck first.
func (t *Tracker) GenerateAck(e epoch.Epoch, ourPacketNumber epoch.Number, now time.Time) (packet.AckFrame, bool, error) {
	s, err := t.state(e)
	if err != nil {
		return packet.AckFrame{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return packet.AckFrame{}, false, nil
	}

	nums := make([]epoch.Number, 0, len(s.received))
	for n := range s.received {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] > nums[j] })

	ranges := make([]packet.Interval, 0, len(nums))
	i := 0
	for i < len(nums) {
		high := nums[i]
		low := high
		j := i
		for j+1 < len(nums) && nums[j+1] == low-1 {
			low = nums[j+1]
			j++
		}
		ranges = append(ranges, packet.Interval{Low: low, High: high})
		i = j + 1
	}

	largest := nums[0]
	frame := packet.AckFrame{
		Ranges:   ranges,
		AckDelay: now.Sub(s.received[largest]),
	}

	s.sentAcks[ourPacketNumber] = largest
	s.dirty = false
	return frame, true, nil
}

// OnPeerAckOfOurPacket is called once the peer has acknowledged our packet
// ourPacketNumber. If that packet carried an ack frame (per a prior
// GenerateAck call), every number in e's received set at or below the
// largest-acked value that frame reported is dropped: the peer has now
// told us it knows we received them.
func (t *Tracker) OnPeerAckOfOurPacket(e epoch.Epoch, ourPacketNumber epoch.Number) error {
	s, err := t.state(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	largestAcked, ok := s.sentAcks[ourPacketNumber]
	if !ok {
		return nil
	}
	delete(s.sentAcks, ourPacketNumber)
	for n := range s.received {
		if n <= largestAcked {
			delete(s.received, n)
		}
	}
	return nil
}
