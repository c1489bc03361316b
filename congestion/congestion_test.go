package congestion_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/kwik/congestion"
)

func newController(initialWindow uint64) *congestion.Controller {
	return congestion.New(congestion.Params{
		MaxDatagramSize:     1200,
		InitialWindow:       initialWindow,
		MinimumWindow:       2 * 1200,
		LossReductionFactor: 0.5,
	}, nil, nil)
}

func TestCanSendUnderOpenWindow(t *testing.T) {
	c := newController(1250)
	require.True(t, c.CanSend(1240))
	c.RegisterInFlight(true, 1240)

	assert.Equal(t, uint64(1240), c.Snapshot().BytesInFlight)
	assert.False(t, c.CanSend(1240)) // 1240+1240 > 1250
}

func TestAckReleasesBackpressure(t *testing.T) {
	c := newController(1250)
	c.RegisterInFlight(true, 1240)
	require.False(t, c.CanSend(1240))

	now := time.Now()
	c.RegisterAcked(now, []congestion.AckedPacket{
		{Size: 1240, InFlight: true, SendTime: now.Add(-time.Millisecond)},
	})

	assert.Equal(t, uint64(0), c.Snapshot().BytesInFlight)
	assert.True(t, c.CanSend(1240))
}

// Duplicate ack is a no-op and never drives bytes-in-flight negative.
func TestDuplicateAckIsNoOp(t *testing.T) {
	c := newController(1250)
	c.RegisterInFlight(true, 1240)

	now := time.Now()
	acked := []congestion.AckedPacket{{Size: 1240, InFlight: true, SendTime: now.Add(-time.Millisecond)}}
	c.RegisterAcked(now, acked)
	assert.Equal(t, uint64(0), c.Snapshot().BytesInFlight)

	// A caller must not retire the same record twice (the in-flight log
	// removes it on first ack), but the controller itself is defensive
	// against underflow if it ever receives the same accounting twice.
	c.RegisterAcked(now, acked)
	assert.Equal(t, uint64(0), c.Snapshot().BytesInFlight)
}

func TestNotInFlightPacketsBypassWindow(t *testing.T) {
	c := newController(100)
	c.RegisterInFlight(false, 10_000) // pure ack; does not count
	assert.Equal(t, uint64(0), c.Snapshot().BytesInFlight)
	assert.True(t, c.CanSend(100))
}

func TestOnLostEntersRecoveryAndHalvesWindow(t *testing.T) {
	c := newController(12_000)
	now := time.Now()
	c.RegisterInFlight(true, 6_000)

	c.OnLost(now, []congestion.LostPacket{
		{Size: 6_000, InFlight: true, SendTime: now.Add(-time.Millisecond)},
	})

	snap := c.Snapshot()
	assert.True(t, snap.InRecovery)
	assert.Equal(t, uint64(6_000), snap.CongestionWindow) // 12000*0.5
	assert.Equal(t, uint64(0), snap.BytesInFlight)
}

func TestOnLostNeverDropsBelowMinimumWindow(t *testing.T) {
	c := newController(2_000)
	now := time.Now()
	c.RegisterInFlight(true, 2_000)

	c.OnLost(now, []congestion.LostPacket{
		{Size: 2_000, InFlight: true, SendTime: now.Add(-time.Millisecond)},
	})

	assert.Equal(t, uint64(2*1200), c.Snapshot().CongestionWindow)
}

func TestWaitForUpdateWakesOnAckAndLoss(t *testing.T) {
	c := newController(1250)
	now := time.Now()

	w := c.WaitForUpdate()
	c.RegisterAcked(now, nil) // empty ack: no signal expected
	select {
	case <-w:
		t.Fatal("should not wake on empty ack batch")
	default:
	}

	c.RegisterInFlight(true, 1240)
	c.RegisterAcked(now, []congestion.AckedPacket{{Size: 1240, InFlight: true, SendTime: now.Add(-time.Millisecond)}})
	select {
	case <-w:
	default:
		t.Fatal("expected wake after ack")
	}

	w = c.WaitForUpdate()
	c.RegisterInFlight(true, 1240)
	c.OnLost(now, []congestion.LostPacket{{Size: 1240, InFlight: true, SendTime: now.Add(-time.Millisecond)}})
	select {
	case <-w:
	default:
		t.Fatal("expected wake after loss")
	}
}
