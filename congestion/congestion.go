// Package congestion implements a NewReno-style congestion window that
// admits or defers outgoing packets and grows or shrinks in response to
// acks and declared losses.
package congestion

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CyberFlameGO/kwik/metrics"
	"github.com/CyberFlameGO/kwik/xsignal"
)

// Params are the NewReno tuning knobs.
type Params struct {
	MaxDatagramSize     uint64
	InitialWindow       uint64
	MinimumWindow       uint64
	LossReductionFactor float64
}

// Snapshot is a read-only view of the controller's internal state, used by
// metrics and tests.
type Snapshot struct {
	CongestionWindow uint64
	BytesInFlight    uint64
	SlowStartThresh  uint64
	InRecovery       bool
}

// Controller is the CongestionController. It is safe for concurrent use:
// the sender loop calls CanSend/RegisterInFlight, while the receive path
// calls RegisterAcked/OnLost concurrently.
type Controller struct {
	mu sync.Mutex

	params Params

	cwnd              uint64
	bytesInFlight     uint64
	ssthresh          uint64
	recoveryStartTime time.Time

	notifier *xsignal.Notifier
	metrics  *metrics.Recorder
	log      *logrus.Entry
}

// New creates a Controller from params. rec and log may be nil.
func New(params Params, rec *metrics.Recorder, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Controller{
		params:   params,
		cwnd:     params.InitialWindow,
		ssthresh: ^uint64(0),
		notifier: xsignal.NewNotifier(),
		metrics:  rec,
		log:      log.WithField("component", "congestion"),
	}
	c.report()
	return c
}

// CanSend reports whether an in-flight packet of size bytes may be sent
// right now without exceeding the congestion window.
func (c *Controller) CanSend(size uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesInFlight+size <= c.cwnd
}

// WaitForUpdate returns a channel that closes the next time RegisterAcked
// or OnLost runs with a non-empty batch, so a blocked sender can re-check
// CanSend. Packets not
// counted against the window (pure acks, probes) bypass this entirely and
// are never blocked.
func (c *Controller) WaitForUpdate() <-chan struct{} {
	return c.notifier.Wait()
}

// RegisterInFlight accounts size bytes against bytes-in-flight if inFlight
// is true.
func (c *Controller) RegisterInFlight(inFlight bool, size uint64) {
	if !inFlight {
		return
	}
	c.mu.Lock()
	c.bytesInFlight += size
	c.mu.Unlock()
	c.report()
}

// AckedPacket describes one retired in-flight record, for RegisterAcked.
type AckedPacket struct {
	Size     uint64
	InFlight bool
	SendTime time.Time
}

// RegisterAcked retires acked packets from bytes-in-flight and grows the
// window for any packet sent after the last recovery episode began.
func (c *Controller) RegisterAcked(now time.Time, acked []AckedPacket) {
	if len(acked) == 0 {
		return
	}
	c.mu.Lock()
	for _, p := range acked {
		if !p.InFlight {
			continue
		}
		if p.Size > c.bytesInFlight {
			c.bytesInFlight = 0
		} else {
			c.bytesInFlight -= p.Size
		}
		if p.SendTime.After(c.recoveryStartTime) {
			c.growWindow(p.Size)
		}
	}
	c.mu.Unlock()
	c.report()
	c.notifier.Signal()
}

// growWindow applies NewReno's slow-start/congestion-avoidance increase.
// Caller must hold c.mu.
func (c *Controller) growWindow(ackedSize uint64) {
	if c.cwnd < c.ssthresh {
		c.cwnd += ackedSize
		return
	}
	mss := c.params.MaxDatagramSize
	if mss == 0 {
		mss = 1
	}
	c.cwnd += ackedSize * mss / c.cwnd
}

// LostPacket describes one declared-lost record, for OnLost.
type LostPacket struct {
	Size     uint64
	InFlight bool
	SendTime time.Time
}

// OnLost retires lost packets from bytes-in-flight and, if any lost
// packet's send time is after the current recovery episode's start,
// enters a new recovery episode: halves (by LossReductionFactor) the
// window, floored at MinimumWindow.
func (c *Controller) OnLost(now time.Time, lost []LostPacket) {
	if len(lost) == 0 {
		return
	}
	c.mu.Lock()
	enterRecovery := false
	for _, p := range lost {
		if !p.InFlight {
			continue
		}
		if p.Size > c.bytesInFlight {
			c.bytesInFlight = 0
		} else {
			c.bytesInFlight -= p.Size
		}
		if p.SendTime.After(c.recoveryStartTime) {
			enterRecovery = true
		}
	}
	if enterRecovery {
		reduced := uint64(float64(c.cwnd) * c.params.LossReductionFactor)
		c.ssthresh = max(reduced, c.params.MinimumWindow)
		c.cwnd = c.ssthresh
		c.recoveryStartTime = now
		c.log.WithFields(logrus.Fields{
			"cwnd":     c.cwnd,
			"ssthresh": c.ssthresh,
		}).Info("entering recovery")
	}
	c.mu.Unlock()
	c.report()
	c.notifier.Signal()
}

// Snapshot returns the current CongestionState.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CongestionWindow: c.cwnd,
		BytesInFlight:    c.bytesInFlight,
		SlowStartThresh:  c.ssthresh,
		InRecovery:       !c.recoveryStartTime.IsZero(),
	}
}

func (c *Controller) report() {
	snap := c.Snapshot()
	c.metrics.SetCongestionWindow(snap.CongestionWindow)
	c.metrics.SetBytesInFlight(snap.BytesInFlight)
}
