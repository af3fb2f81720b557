package norftl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedflash/ftlfs/norftl"
	"github.com/embeddedflash/ftlfs/phydev"
	"github.com/embeddedflash/ftlfs/phydev/phydevtest"
)

func testGeom() phydev.Geometry {
	return phydev.Geometry{BlockCount: 8, BlockSize: 4096}
}

var testConfig = norftl.Config{
	SectorSize:       512,
	ActiveBlockCount: 2,
	PctRsvd:          10,
}

func formatAndOpen(t *testing.T, dev phydev.Device, cfg norftl.Config) *norftl.Volume {
	t.Helper()
	require.NoError(t, norftl.Format(dev, cfg))
	v, err := norftl.Open(dev, phydev.NewHostExecutor(), cfg)
	require.NoError(t, err)
	return v
}

func openVolume(t *testing.T, dev phydev.Device) *norftl.Volume {
	t.Helper()
	return formatAndOpen(t, dev, testConfig)
}

func TestOpenFreshDeviceMounts(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)
	assert.Greater(t, v.Size(), uint32(0))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	payload := make([]byte, v.SectorSize())
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, v.Write(3, payload))

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(3, got))
	assert.Equal(t, payload, got)
}

func TestReadUnassignedSectorReturnsErased(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(5, got))
	for _, b := range got {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestOverwriteInvalidatesOldSlot(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	a := make([]byte, v.SectorSize())
	b := make([]byte, v.SectorSize())
	for i := range a {
		a[i] = 0xAA
		b[i] = 0xBB
	}
	require.NoError(t, v.Write(1, a))
	require.NoError(t, v.Write(1, b))

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(1, got))
	assert.Equal(t, b, got)

	stats := v.Stats()
	assert.GreaterOrEqual(t, stats.SecInvalid, uint32(1))
}

func TestManyWritesForceErase(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	payload := make([]byte, v.SectorSize())
	// Repeatedly rewrite the same handful of sectors far more times than
	// any single block's slot count, forcing the erase-selection
	// algorithm to reclaim invalidated slots.
	for round := 0; round < 50; round++ {
		for sec := uint32(0); sec < 4; sec++ {
			payload[0] = byte(round)
			require.NoError(t, v.Write(sec, payload))
		}
	}
	stats := v.Stats()
	assert.Greater(t, stats.BlkErased+stats.BlkValid, uint32(0))
}

func TestRemountPreservesData(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	payload := make([]byte, v.SectorSize())
	payload[0] = 0x42
	require.NoError(t, v.Write(7, payload))

	v2, err := norftl.Open(dev, phydev.NewHostExecutor(), testConfig)
	require.NoError(t, err)
	got := make([]byte, v2.SectorSize())
	require.NoError(t, v2.Read(7, got))
	assert.Equal(t, payload, got)
}

func TestReleaseUnassignsSector(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	payload := make([]byte, v.SectorSize())
	payload[0] = 0x11
	require.NoError(t, v.Write(2, payload))
	require.NoError(t, v.Release(2))

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(2, got))
	for _, b := range got {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestWriteToReadOnlyVolumeFails(t *testing.T) {
	dev := phydevtest.New(testGeom())
	cfg := norftl.Config{SectorSize: 512, ReadOnly: true}
	require.NoError(t, norftl.Format(dev, cfg))
	v, err := norftl.Open(dev, phydev.NewHostExecutor(), cfg)
	require.NoError(t, err)

	payload := make([]byte, v.SectorSize())
	err = v.Write(0, payload)
	assert.ErrorIs(t, err, norftl.ErrReadOnly)
}
