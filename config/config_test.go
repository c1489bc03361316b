package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/kwik/config"
)

func TestParseAppliesDefaults(t *testing.T) {
	yaml := []byte(`
initial_rtt: 50ms
max_datagram_size: 1200
`)
	tr, err := config.Parse(yaml)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, tr.InitialRTT.Duration())
	assert.EqualValues(t, 1200, tr.MaxDatagramSize)
	assert.EqualValues(t, 10, tr.InitialWindowPackets)
	assert.EqualValues(t, 1200*10, tr.InitialWindow())
	assert.EqualValues(t, 1200*2, tr.MinimumWindow())
	assert.Equal(t, 0.5, tr.LossReductionFactor)
}

func TestWithDefaultsIsIdempotent(t *testing.T) {
	tr := config.Transport{}.WithDefaults()
	twice := tr.WithDefaults()
	assert.Equal(t, tr, twice)
}
