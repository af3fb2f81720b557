package nandftl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedflash/ftlfs/internal/bch"
	"github.com/embeddedflash/ftlfs/nandftl"
	"github.com/embeddedflash/ftlfs/phydev"
	"github.com/embeddedflash/ftlfs/phydev/phydevtest"
)

func testGeom() phydev.Geometry {
	return phydev.Geometry{BlockCount: 10, BlockSize: 4096}
}

var testConfig = nandftl.Config{
	SectorSize:      512,
	RsvdAvailBlkCnt: 1,
	ECC:             bch.Software{},
}

func formatAndOpen(t *testing.T, dev phydev.Device, cfg nandftl.Config) *nandftl.Volume {
	t.Helper()
	require.NoError(t, nandftl.Format(dev, cfg))
	v, err := nandftl.Open(dev, cfg)
	require.NoError(t, err)
	return v
}

func openVolume(t *testing.T, dev phydev.Device) *nandftl.Volume {
	t.Helper()
	return formatAndOpen(t, dev, testConfig)
}

func TestFormatThenOpenMounts(t *testing.T) {
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
	require.NoError(t, v.Write(0, payload))

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(0, got))
	assert.Equal(t, payload, got)
}

func TestReadUnassignedSectorReturnsErased(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(1, got))
	for _, b := range got {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestSequentialWritesFillSUBAndMerge(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	secsPerLogicalBlock := v.Size() / 3 // three logical blocks given testGeom/testConfig.
	payload := make([]byte, v.SectorSize())
	for sec := uint32(0); sec < secsPerLogicalBlock; sec++ {
		payload[0] = byte(sec)
		require.NoError(t, v.Write(sec, payload))
	}

	for sec := uint32(0); sec < secsPerLogicalBlock; sec++ {
		got := make([]byte, v.SectorSize())
		require.NoError(t, v.Read(sec, got))
		assert.Equal(t, byte(sec), got[0])
	}
}

func TestOutOfOrderWriteConvertsSUBToRUB(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	a := make([]byte, v.SectorSize())
	a[0] = 0xAA
	require.NoError(t, v.Write(0, a)) // offset 0: starts a SUB.

	b := make([]byte, v.SectorSize())
	b[0] = 0xBB
	require.NoError(t, v.Write(2, b)) // offset 2 != next free slot 1: forces SUB->RUB.

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(0, got))
	assert.Equal(t, byte(0xAA), got[0])
	require.NoError(t, v.Read(2, got))
	assert.Equal(t, byte(0xBB), got[0])
}

func TestOverwriteReturnsLatestValue(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	a := make([]byte, v.SectorSize())
	b := make([]byte, v.SectorSize())
	a[0] = 0x11
	b[0] = 0x22
	require.NoError(t, v.Write(3, a))
	require.NoError(t, v.Write(3, b))

	got := make([]byte, v.SectorSize())
	require.NoError(t, v.Read(3, got))
	assert.Equal(t, byte(0x22), got[0])
}

func TestSyncThenRemountPreservesData(t *testing.T) {
	dev := phydevtest.New(testGeom())
	v := openVolume(t, dev)

	payload := make([]byte, v.SectorSize())
	payload[0] = 0x42
	require.NoError(t, v.Write(5, payload))
	require.NoError(t, v.Sync())

	v2, err := nandftl.Open(dev, testConfig)
	require.NoError(t, err)
	got := make([]byte, v2.SectorSize())
	require.NoError(t, v2.Read(5, got))
	assert.Equal(t, payload, got)
}

func TestAutoSyncPersistsAcrossRemount(t *testing.T) {
	dev := phydevtest.New(testGeom())
	cfg := testConfig
	cfg.AutoSync = true
	v := formatAndOpen(t, dev, cfg)

	payload := make([]byte, v.SectorSize())
	payload[0] = 0x77
	require.NoError(t, v.Write(6, payload))

	v2, err := nandftl.Open(dev, cfg)
	require.NoError(t, err)
	got := make([]byte, v2.SectorSize())
	require.NoError(t, v2.Read(6, got))
	assert.Equal(t, payload, got)
}

func TestWriteToReadOnlyVolumeFails(t *testing.T) {
	dev := phydevtest.New(testGeom())
	cfg := testConfig
	cfg.ReadOnly = true
	require.NoError(t, nandftl.Format(dev, cfg))
	v, err := nandftl.Open(dev, cfg)
	require.NoError(t, err)

	payload := make([]byte, v.SectorSize())
	err = v.Write(0, payload)
	assert.ErrorIs(t, err, nandftl.ErrReadOnly)
}

func TestInvalidParamOnTooFewBlocks(t *testing.T) {
	dev := phydevtest.New(phydev.Geometry{BlockCount: 3, BlockSize: 4096})
	err := nandftl.Format(dev, testConfig)
	assert.ErrorIs(t, err, nandftl.ErrInvalidParam)
}
