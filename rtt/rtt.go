// Package rtt implements smoothed RTT, RTT variance, and minimum RTT
// derived from (send-time, ack-receive-time, peer-reported ack-delay)
// triples.
package rtt

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CyberFlameGO/kwik/metrics"
)

// Estimator maintains a connection's RTT signal. It is safe for concurrent
// use: samples arrive from the receive path while other goroutines read
// PTOBase/SmoothedRTT concurrently.
type Estimator struct {
	mu sync.RWMutex

	initialRTT  time.Duration
	granularity time.Duration

	smoothedRTT time.Duration
	rttVariance time.Duration
	minRTT      time.Duration
	hasSample   bool

	metrics *metrics.Recorder
	log     *logrus.Entry
}

// New creates an Estimator seeded with initialRTT and a floor of
// granularity on its PTO variance term. rec and log may be nil.
func New(initialRTT, granularity time.Duration, rec *metrics.Recorder, log *logrus.Entry) *Estimator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Estimator{
		initialRTT:  initialRTT,
		granularity: granularity,
		smoothedRTT: initialRTT,
		rttVariance: initialRTT / 2,
		minRTT:      time.Duration(1<<63 - 1),
		metrics:     rec,
		log:         log.WithField("component", "rtt"),
	}
	e.report()
	return e
}

// AddSample folds one (receive-time, send-time, peer-ack-delay) triple into
// the estimate. Non-positive latest-RTT samples (clock skew) are rejected
// and logged at debug.
func (e *Estimator) AddSample(receiveTime, sendTime time.Time, peerAckDelay time.Duration) {
	latest := receiveTime.Sub(sendTime)
	if latest <= 0 {
		e.log.WithFields(logrus.Fields{
			"receive_time": receiveTime,
			"send_time":    sendTime,
		}).Debug("rejecting non-positive rtt sample")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if latest < e.minRTT {
		e.minRTT = latest
	}
	if latest > e.minRTT+peerAckDelay {
		latest -= peerAckDelay
	}

	if !e.hasSample {
		e.smoothedRTT = latest
		e.rttVariance = latest / 2
		e.hasSample = true
	} else {
		diff := e.smoothedRTT - latest
		if diff < 0 {
			diff = -diff
		}
		e.rttVariance = (e.rttVariance*3 + diff) / 4
		e.smoothedRTT = (e.smoothedRTT*7 + latest) / 8
	}
	e.report()
}

// SmoothedRTT returns the current smoothed RTT estimate.
func (e *Estimator) SmoothedRTT() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.smoothedRTT
}

// RTTVariance returns the current RTT variance estimate.
func (e *Estimator) RTTVariance() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rttVariance
}

// MinRTT returns the minimum observed RTT, or the initial RTT if no sample
// has been recorded yet.
func (e *Estimator) MinRTT() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.hasSample {
		return e.initialRTT
	}
	return e.minRTT
}

// HasSample reports whether at least one sample has been recorded.
func (e *Estimator) HasSample() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasSample
}

// PTOBase returns smoothed + max(4*variance, granularity), the probe-
// timeout base an external loss-detection timer builds on.
func (e *Estimator) PTOBase() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	variance4 := 4 * e.rttVariance
	if variance4 < e.granularity {
		variance4 = e.granularity
	}
	return e.smoothedRTT + variance4
}

// report pushes the current estimate to metrics.
func (e *Estimator) report() {
	min := e.minRTT
	if !e.hasSample {
		min = e.initialRTT
	}
	e.metrics.SetRTT(e.smoothedRTT.Seconds(), e.rttVariance.Seconds(), min.Seconds())
}
