package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktforge/internal/core"
)

func TestDataIsSharedUntilModified(t *testing.T) {
	orig := []byte{1, 2, 3, 4}
	p := FromBytes(orig)

	assert.Same(t, &orig[0], &p.Data()[0])
	assert.False(t, p.Modified())
	assert.Equal(t, 0, p.Copies())

	buf, err := p.DataModifiable()
	require.NoError(t, err)
	assert.True(t, p.Modified())
	assert.Equal(t, 1, p.Copies())

	buf[0] = 0xff
	assert.Equal(t, byte(1), orig[0], "captured bytes must not change")
	assert.Equal(t, byte(0xff), p.Data()[0])
}

func TestDataModifiableCopiesOnce(t *testing.T) {
	p := FromBytes([]byte{1, 2, 3})

	first, err := p.DataModifiable()
	require.NoError(t, err)
	second, err := p.DataModifiable()
	require.NoError(t, err)

	assert.Same(t, &first[0], &second[0])
	assert.Equal(t, 1, p.Copies())
}

func TestDataModifiableAllocatorFailure(t *testing.T) {
	p := FromBytes([]byte{1, 2, 3}, WithAllocator(func(int) ([]byte, error) {
		return nil, errors.New("out of buffers")
	}))

	_, err := p.DataModifiable()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAllocationFailed))
	assert.False(t, p.Modified())
}

func TestDataModifiableShortAllocation(t *testing.T) {
	p := FromBytes([]byte{1, 2, 3}, WithAllocator(func(int) ([]byte, error) {
		return make([]byte, 1), nil
	}))

	_, err := p.DataModifiable()
	assert.ErrorIs(t, err, core.ErrAllocationFailed)
}

func TestClosedPacketRefusesModification(t *testing.T) {
	p := FromBytes([]byte{1})
	p.Close()

	_, err := p.DataModifiable()
	assert.ErrorIs(t, err, core.ErrAllocationFailed)
}

func TestRawReflectsCurrentBytes(t *testing.T) {
	p := New(core.RawPacket{Data: []byte{9, 9}, OrigLen: 60, CaptureLen: 2, Seq: 7})
	buf, err := p.DataModifiable()
	require.NoError(t, err)
	buf[1] = 1

	raw := p.Raw()
	assert.Equal(t, []byte{9, 1}, raw.Data)
	assert.Equal(t, uint32(60), raw.OrigLen)
	assert.Equal(t, uint64(7), raw.Seq)
}
