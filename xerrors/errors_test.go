package xerrors_test

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/kwik/xerrors"
)

func TestErrorChaining(t *testing.T) {
	base := errors.New("socket closed")
	err := xerrors.New("send failed").Base(base).WithPrefix("transmit").AtWarning()

	assert.Contains(t, err.Error(), "transmit")
	assert.Contains(t, err.Error(), "send failed")
	assert.Contains(t, err.Error(), "socket closed")
	assert.Equal(t, logrus.WarnLevel, err.Severity())
	require.ErrorIs(t, err, base)
}

func TestSeverityDefaultsToError(t *testing.T) {
	err := xerrors.New("boom")
	assert.Equal(t, logrus.ErrorLevel, err.Severity())
}

func TestInnerSeverityPropagatesWhenMoreSevere(t *testing.T) {
	inner := xerrors.New("inner").AtError()
	outer := xerrors.New("outer").Base(inner).AtWarning()
	assert.Equal(t, logrus.ErrorLevel, outer.Severity())
}
