package rtt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CyberFlameGO/kwik/rtt"
)

func newEstimator() *rtt.Estimator {
	return rtt.New(100*time.Millisecond, time.Millisecond, nil, nil)
}

func TestInitialState(t *testing.T) {
	e := newEstimator()
	assert.False(t, e.HasSample())
	assert.Equal(t, 100*time.Millisecond, e.SmoothedRTT())
	assert.Equal(t, 50*time.Millisecond, e.RTTVariance())
	assert.Equal(t, 100*time.Millisecond, e.MinRTT())
}

func TestFirstSampleSeedsSmoothedAndVariance(t *testing.T) {
	e := newEstimator()
	send := time.Now()
	e.AddSample(send.Add(40*time.Millisecond), send, 0)

	assert.True(t, e.HasSample())
	assert.Equal(t, 40*time.Millisecond, e.SmoothedRTT())
	assert.Equal(t, 20*time.Millisecond, e.RTTVariance())
	assert.Equal(t, 40*time.Millisecond, e.MinRTT())
}

func TestNonPositiveSampleIgnored(t *testing.T) {
	e := newEstimator()
	send := time.Now()
	e.AddSample(send, send, 0)           // latest == 0
	e.AddSample(send.Add(-time.Second), send, 0) // latest < 0

	assert.False(t, e.HasSample())
}

func TestAckDelaySubtractedWhenLatestExceedsMinPlusDelay(t *testing.T) {
	e := newEstimator()
	send := time.Now()
	// Seed min_rtt at 20ms.
	e.AddSample(send.Add(20*time.Millisecond), send, 0)
	// latest=50ms > min(20ms)+delay(10ms) -> subtract delay -> 40ms folded in.
	e.AddSample(send.Add(50*time.Millisecond), send, 10*time.Millisecond)

	smoothed := e.SmoothedRTT()
	// smoothed = 0.875*20ms + 0.125*40ms = 22.5ms
	assert.Equal(t, time.Duration(22500*time.Microsecond), smoothed)
}

func TestAckDelayNotSubtractedWhenLatestDoesNotExceedMinPlusDelay(t *testing.T) {
	e := newEstimator()
	send := time.Now()
	e.AddSample(send.Add(20*time.Millisecond), send, 0)
	// latest=25ms is NOT > min(20ms)+delay(10ms)=30ms, so no subtraction.
	e.AddSample(send.Add(25*time.Millisecond), send, 10*time.Millisecond)

	// smoothed = 0.875*20ms + 0.125*25ms = 20.625ms
	assert.Equal(t, time.Duration(20625*time.Microsecond), e.SmoothedRTT())
}

func TestMinRTTTracksSmallestSample(t *testing.T) {
	e := newEstimator()
	send := time.Now()
	e.AddSample(send.Add(30*time.Millisecond), send, 0)
	e.AddSample(send.Add(10*time.Millisecond), send, 0)
	e.AddSample(send.Add(50*time.Millisecond), send, 0)

	assert.Equal(t, 10*time.Millisecond, e.MinRTT())
}

func TestPTOBaseUsesGranularityFloor(t *testing.T) {
	e := rtt.New(100*time.Millisecond, 50*time.Millisecond, nil, nil)
	// variance starts at 50ms, 4*variance=200ms > granularity(50ms).
	assert.Equal(t, e.SmoothedRTT()+4*e.RTTVariance(), e.PTOBase())

	tiny := rtt.New(10*time.Millisecond, 100*time.Millisecond, nil, nil)
	// variance starts at 5ms, 4*variance=20ms < granularity(100ms) -> floor applies.
	assert.Equal(t, tiny.SmoothedRTT()+100*time.Millisecond, tiny.PTOBase())
}
