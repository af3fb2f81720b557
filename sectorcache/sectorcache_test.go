package sectorcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedflash/ftlfs/sectorcache"
)

type fakeSectors struct {
	secSize uint32
	data    map[uint32][]byte
	reads   int
	writes  int
}

func newFakeSectors(secSize uint32) *fakeSectors {
	return &fakeSectors{secSize: secSize, data: make(map[uint32][]byte)}
}

func (f *fakeSectors) SectorSize() uint32 { return f.secSize }

func (f *fakeSectors) Read(sector uint32, buf []byte) error {
	f.reads++
	d, ok := f.data[sector]
	if !ok {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}
	copy(buf, d)
	return nil
}

func (f *fakeSectors) Write(sector uint32, buf []byte) error {
	f.writes++
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.data[sector] = cp
	return nil
}

func TestMoveLoadsSector(t *testing.T) {
	dev := newFakeSectors(16)
	dev.data[3] = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	c := sectorcache.New(dev)

	require.NoError(t, c.Move(3))
	assert.Equal(t, dev.data[3], c.Buf())
}

func TestMoveSameSectorIsNoop(t *testing.T) {
	dev := newFakeSectors(16)
	c := sectorcache.New(dev)

	require.NoError(t, c.Move(1))
	require.NoError(t, c.Move(1))
	assert.Equal(t, 1, dev.reads)
}

func TestDirtyWindowFlushesOnMove(t *testing.T) {
	dev := newFakeSectors(16)
	c := sectorcache.New(dev)

	require.NoError(t, c.Move(1))
	c.Buf()[0] = 0x42
	c.MarkDirty()

	require.NoError(t, c.Move(2))
	assert.Equal(t, byte(0x42), dev.data[1][0])
}

func TestFlushWritesMirror(t *testing.T) {
	dev := newFakeSectors(16)
	c := sectorcache.New(dev)
	c.Mirror = 100

	require.NoError(t, c.Move(1))
	c.Buf()[0] = 0x7
	c.MarkDirty()
	require.NoError(t, c.Flush())

	assert.Equal(t, byte(0x7), dev.data[1][0])
	assert.Equal(t, byte(0x7), dev.data[101][0])
}

func TestInvalidateDropsWithoutFlush(t *testing.T) {
	dev := newFakeSectors(16)
	c := sectorcache.New(dev)

	require.NoError(t, c.Move(1))
	c.MarkDirty()
	c.Invalidate()

	_, valid := c.Sector()
	assert.False(t, valid)
	assert.False(t, c.Dirty())
	assert.NoError(t, c.Flush())
	assert.Equal(t, 0, dev.writes)
}
