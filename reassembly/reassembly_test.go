package reassembly_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/kwik/reassembly"
)

func TestInOrderAddIsImmediatelyAvailable(t *testing.T) {
	b := reassembly.New(0, nil)
	ok, err := b.Add(reassembly.Element{Offset: 0, Payload: []byte("hello")})
	require.NoError(t, err)
	require.True(t, ok)

	assert.EqualValues(t, 5, b.BytesAvailable())
	dst := make([]byte, 5)
	n := b.Read(dst)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst))
}

func TestOutOfOrderOverlappingElementsReassemble(t *testing.T) {
	b := reassembly.New(0, nil)

	_, err := b.Add(reassembly.Element{Offset: 5, Payload: []byte(" World")})
	require.NoError(t, err)
	assert.EqualValues(t, 0, b.BytesAvailable()) // gap at [0,5)

	// Overlaps [3,6) with the previous [5,11) element at offset 5.
	_, err = b.Add(reassembly.Element{Offset: 3, Payload: []byte("lo ")})
	require.NoError(t, err)
	assert.EqualValues(t, 0, b.BytesAvailable()) // still a gap at [0,3)

	_, err = b.Add(reassembly.Element{Offset: 0, Payload: []byte("Hel")})
	require.NoError(t, err)
	assert.EqualValues(t, 11, b.BytesAvailable())

	dst := make([]byte, 11)
	n := b.Read(dst)
	assert.Equal(t, 11, n)
	assert.Equal(t, "Hello World", string(dst))
}

func TestReadEquivalentToTwoSmallerReads(t *testing.T) {
	whole := reassembly.New(0, nil)
	_, err := whole.Add(reassembly.Element{Offset: 0, Payload: []byte("0123456789")})
	require.NoError(t, err)
	full := make([]byte, 10)
	whole.Read(full)

	split := reassembly.New(0, nil)
	_, err = split.Add(reassembly.Element{Offset: 0, Payload: []byte("0123456789")})
	require.NoError(t, err)
	part := make([]byte, 4)
	n1 := split.Read(part)
	rest := make([]byte, 10)
	n2 := split.Read(rest)

	assert.Equal(t, string(full), string(part[:n1])+string(rest[:n2]))
}

func TestDuplicateAddIsNoOp(t *testing.T) {
	b := reassembly.New(0, nil)
	_, err := b.Add(reassembly.Element{Offset: 0, Payload: []byte("abc")})
	require.NoError(t, err)
	ok, err := b.Add(reassembly.Element{Offset: 0, Payload: []byte("abc")})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 3, b.BytesAvailable())
}

func TestElementFullyBeforeProcessedOffsetIsRejected(t *testing.T) {
	b := reassembly.New(0, nil)
	_, err := b.Add(reassembly.Element{Offset: 0, Payload: []byte("abc")})
	require.NoError(t, err)
	b.Read(make([]byte, 3))

	ok, err := b.Add(reassembly.Element{Offset: 0, Payload: []byte("abc")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinalElementClosesStreamOnceConsumed(t *testing.T) {
	b := reassembly.New(0, nil)
	_, err := b.Add(reassembly.Element{Offset: 0, Payload: []byte("abc"), Final: true})
	require.NoError(t, err)
	assert.False(t, b.Closed())

	b.Read(make([]byte, 3))
	assert.True(t, b.Closed())
}

func TestAddReportsOverflowAtCeiling(t *testing.T) {
	b := reassembly.New(4, nil)
	// Out-of-order element beyond the read offset, counts toward buffered bytes.
	_, err := b.Add(reassembly.Element{Offset: 10, Payload: []byte("12345")})
	assert.Error(t, err)
}

func TestAddWithinCeilingSucceeds(t *testing.T) {
	b := reassembly.New(4, nil)
	ok, err := b.Add(reassembly.Element{Offset: 10, Payload: []byte("1234")})
	require.NoError(t, err)
	assert.True(t, ok)
}
