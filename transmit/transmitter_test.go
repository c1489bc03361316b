package transmit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/kwik/ack"
	"github.com/CyberFlameGO/kwik/congestion"
	"github.com/CyberFlameGO/kwik/epoch"
	"github.com/CyberFlameGO/kwik/packet"
	"github.com/CyberFlameGO/kwik/rtt"
	"github.com/CyberFlameGO/kwik/transmit"
)

type fakeSink struct{}

func (fakeSink) Send([]byte) error { return nil }

type emission struct {
	label string
	num   epoch.Number
}

func newTransmitter(t *testing.T, cwnd uint64) (*transmit.Transmitter, chan emission, *congestion.Controller) {
	t.Helper()
	emitted := make(chan emission, 64)

	cc := congestion.New(congestion.Params{
		MaxDatagramSize:     1200,
		InitialWindow:       cwnd,
		MinimumWindow:       1200,
		LossReductionFactor: 0.5,
	}, nil, nil)

	tr := transmit.New(transmit.Options{
		Sink: fakeSink{},
		EncodeAck: func(e epoch.Epoch, num epoch.Number, frame packet.AckFrame) ([]byte, error) {
			emitted <- emission{label: "ack", num: num}
			return []byte("ack"), nil
		},
		RTT:         rtt.New(100*time.Millisecond, time.Millisecond, nil, nil),
		Congestion:  cc,
		AckTrackers: ack.New(),
	})
	tr.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	})
	return tr, emitted, cc
}

func outgoing(label string, e epoch.Epoch, size uint64, inFlight bool, emitted chan emission) *packet.Outgoing {
	return &packet.Outgoing{
		Epoch:        e,
		AckEliciting: inFlight,
		InFlight:     inFlight,
		Size:         size,
		Label:        label,
		Encode: func(num epoch.Number) ([]byte, error) {
			emitted <- emission{label: label, num: num}
			return []byte(label), nil
		},
	}
}

func expectEmitted(t *testing.T, ch chan emission, label string) emission {
	t.Helper()
	select {
	case e := <-ch:
		require.Equal(t, label, e.label)
		return e
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q to be emitted", label)
		return emission{}
	}
}

func expectNothingEmitted(t *testing.T, ch chan emission) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected emission: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSingleSendUnderOpenWindow(t *testing.T) {
	tr, emitted, cc := newTransmitter(t, 1250)

	require.NoError(t, tr.Enqueue(outgoing("p0", epoch.Application, 1240, true, emitted)))
	expectEmitted(t, emitted, "p0")

	assert.Eventually(t, func() bool {
		return cc.Snapshot().BytesInFlight == 1240
	}, time.Second, 10*time.Millisecond)
}

func TestBackpressureReleasedByAck(t *testing.T) {
	tr, emitted, _ := newTransmitter(t, 1250)

	require.NoError(t, tr.Enqueue(outgoing("p0", epoch.Application, 1240, true, emitted)))
	expectEmitted(t, emitted, "p0")

	require.NoError(t, tr.Enqueue(outgoing("p1", epoch.Application, 1240, true, emitted)))
	expectNothingEmitted(t, emitted)

	require.NoError(t, tr.ProcessAck(epoch.Application, packet.AckFrame{
		Ranges: []packet.Interval{{Low: 0, High: 0}},
	}, time.Now()))

	expectEmitted(t, emitted, "p1")
}

func TestCrossEpochAckIsolation(t *testing.T) {
	tr, emitted, _ := newTransmitter(t, 1250)

	require.NoError(t, tr.Enqueue(outgoing("init0", epoch.Initial, 12, true, emitted)))
	expectEmitted(t, emitted, "init0")

	require.NoError(t, tr.Enqueue(outgoing("app0", epoch.Application, 1230, true, emitted)))
	expectEmitted(t, emitted, "app0")

	require.NoError(t, tr.Enqueue(outgoing("app1", epoch.Application, 1230, true, emitted)))
	expectNothingEmitted(t, emitted)

	require.NoError(t, tr.ProcessAck(epoch.Initial, packet.AckFrame{
		Ranges: []packet.Interval{{Low: 0, High: 0}},
	}, time.Now()))

	expectNothingEmitted(t, emitted)
}

func TestUrgentAckBypassesBlockedWindow(t *testing.T) {
	tr, emitted, _ := newTransmitter(t, 1212)

	require.NoError(t, tr.Enqueue(outgoing("p0", epoch.Application, 1200, true, emitted)))
	expectEmitted(t, emitted, "p0")

	require.NoError(t, tr.Enqueue(outgoing("p1", epoch.Application, 1200, true, emitted)))
	expectNothingEmitted(t, emitted)

	require.NoError(t, tr.PacketReceived(epoch.Application, 7, true, time.Now()))
	require.NoError(t, tr.PacketProcessed(epoch.Application))

	expectEmitted(t, emitted, "ack")
	expectNothingEmitted(t, emitted) // p1 must still be waiting
}

func TestDuplicateAckIsIgnored(t *testing.T) {
	tr, emitted, _ := newTransmitter(t, 1250)
	require.NoError(t, tr.Enqueue(outgoing("p0", epoch.Application, 1240, true, emitted)))
	expectEmitted(t, emitted, "p0")

	now := time.Now()
	require.NoError(t, tr.ProcessAck(epoch.Application, packet.AckFrame{Ranges: []packet.Interval{{Low: 0, High: 0}}}, now))
	require.NoError(t, tr.ProcessAck(epoch.Application, packet.AckFrame{Ranges: []packet.Interval{{Low: 0, High: 0}}}, now))
}

func TestAckOfUnsentPacketIsIgnored(t *testing.T) {
	tr, _, _ := newTransmitter(t, 1250)
	err := tr.ProcessAck(epoch.Application, packet.AckFrame{Ranges: []packet.Interval{{Low: 99, High: 99}}}, time.Now())
	assert.NoError(t, err)
}

func TestOnLostRetiresRecordsExactlyOnce(t *testing.T) {
	tr, emitted, _ := newTransmitter(t, 1250)
	var outcome packet.Outcome
	var settledCount int
	p := outgoing("p0", epoch.Application, 1240, true, emitted)
	p.Settled = func(o packet.Outcome) { outcome = o; settledCount++ }
	require.NoError(t, tr.Enqueue(p))
	expectEmitted(t, emitted, "p0")

	require.NoError(t, tr.OnLost(epoch.Application, []epoch.Number{0}))
	require.NoError(t, tr.OnLost(epoch.Application, []epoch.Number{0})) // already retired; no-op

	assert.Equal(t, packet.Lost, outcome)
	assert.Equal(t, 1, settledCount)
}

func TestEnqueueAfterShutdownIsRejected(t *testing.T) {
	tr, emitted, _ := newTransmitter(t, 1250)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))

	err := tr.Enqueue(outgoing("late", epoch.Application, 10, true, emitted))
	assert.Error(t, err)
}
