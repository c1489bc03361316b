package packet_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/kwik/epoch"
	"github.com/CyberFlameGO/kwik/packet"
)

func TestIntervalContains(t *testing.T) {
	i := packet.Interval{Low: 5, High: 9}
	assert.True(t, i.Contains(5))
	assert.True(t, i.Contains(7))
	assert.True(t, i.Contains(9))
	assert.False(t, i.Contains(4))
	assert.False(t, i.Contains(10))
}

func TestAckFrameLargestAcked(t *testing.T) {
	f := packet.AckFrame{Ranges: []packet.Interval{{Low: 7, High: 9}, {Low: 0, High: 2}}}
	assert.Equal(t, epoch.Number(9), f.LargestAcked())
}

func TestAckFrameContainsAcrossMultipleRanges(t *testing.T) {
	f := packet.AckFrame{Ranges: []packet.Interval{{Low: 7, High: 9}, {Low: 0, High: 2}}}
	for _, n := range []epoch.Number{0, 1, 2, 7, 8, 9} {
		assert.True(t, f.Contains(n), "expected %d to be contained", n)
	}
	for _, n := range []epoch.Number{3, 4, 5, 6, 10} {
		assert.False(t, f.Contains(n), "expected %d to not be contained", n)
	}
}

func TestNewInFlightRecordCopiesPacketFields(t *testing.T) {
	p := &packet.Outgoing{
		Epoch:        epoch.Application,
		AckEliciting: true,
		InFlight:     true,
		Size:         1200,
		Label:        "p0",
	}
	sendTime := time.Now()
	rec := packet.NewInFlightRecord(p, 42, sendTime)

	require.Equal(t, epoch.Application, rec.ID.Epoch)
	assert.Equal(t, epoch.Number(42), rec.ID.Number)
	assert.Equal(t, sendTime, rec.SendTime)
	assert.EqualValues(t, 1200, rec.Size)
	assert.True(t, rec.AckEliciting)
	assert.True(t, rec.InFlight)
	assert.Equal(t, "p0", rec.Label)
}

func TestNewInFlightRecordGeneratesLabelWhenEmpty(t *testing.T) {
	p := &packet.Outgoing{Epoch: epoch.Initial}
	rec := packet.NewInFlightRecord(p, 0, time.Now())
	assert.NotEmpty(t, rec.Label)
}

func TestSettleInvokesCallbackExactlyOnce(t *testing.T) {
	var count int
	var got packet.Outcome
	p := &packet.Outgoing{
		Settled: func(o packet.Outcome) { count++; got = o },
	}
	rec := packet.NewInFlightRecord(p, 0, time.Now())
	rec.Settle(packet.Acked)

	assert.Equal(t, 1, count)
	assert.Equal(t, packet.Acked, got)
}

func TestSettleWithoutCallbackIsNoop(t *testing.T) {
	p := &packet.Outgoing{}
	rec := packet.NewInFlightRecord(p, 0, time.Now())
	assert.NotPanics(t, func() { rec.Settle(packet.Lost) })
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "acked", packet.Acked.String())
	assert.Equal(t, "lost", packet.Lost.String())
}
