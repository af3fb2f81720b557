package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// formatTarget returns a BytesBlocks backing store and a total block
// count comfortably over the FAT32 minimum cluster count
// (clustMaxFAT16), so Formatter.formatFAT is exercised on its real
// FAT32 path rather than rejected as "too small".
func formatTarget(t *testing.T) (*BytesBlocks, int) {
	t.Helper()
	const (
		blockSize   = 512
		totalBlocks = 70000
	)
	blk, err := makeBlockIndexer(blockSize)
	require.NoError(t, err)
	return &BytesBlocks{
		blk: blk,
		buf: make([]byte, blockSize*totalBlocks),
	}, totalBlocks
}

func TestFormatRejectsUndersizedVolume(t *testing.T) {
	dev, _ := formatTarget(t)
	var f Formatter
	err := f.Format(dev, 512, 100, FormatConfig{Format: FormatFAT32})
	assert.Error(t, err)
}

func TestFormatRejectsBadBlockSize(t *testing.T) {
	dev, total := formatTarget(t)
	var f Formatter
	err := f.Format(dev, 511, total, FormatConfig{Format: FormatFAT32})
	assert.Error(t, err)
}

func TestFormatThenMountRoundTrip(t *testing.T) {
	dev, total := formatTarget(t)
	var f Formatter
	err := f.Format(dev, 512, total, FormatConfig{Label: "TESTVOL", Format: FormatFAT32, ClusterSize: 1})
	require.NoError(t, err)

	var fs FS
	fr := fs.mount_volume(dev, 512, faRead|faWrite)
	require.Equal(t, frOK, fr, fr.Error())

	assert.Equal(t, fstypeFAT32, fs.fstype)
	assert.Greater(t, fs.n_fatent, uint32(clustMaxFAT16))
}

func TestFormatThenCreateAndReadFile(t *testing.T) {
	dev, total := formatTarget(t)
	var f Formatter
	require.NoError(t, f.Format(dev, 512, total, FormatConfig{Format: FormatFAT32, ClusterSize: 1}))

	var fs FS
	fr := fs.mount_volume(dev, 512, faRead|faWrite)
	require.Equal(t, frOK, fr, fr.Error())

	const want = "hello from a freshly formatted volume"
	var fp File
	fr = fs.f_open(&fp, "greeting.txt\x00", faRead|faWrite|faCreateNew)
	require.Equal(t, frOK, fr, fr.Error())
	n, fr := fp.f_write([]byte(want))
	require.Equal(t, frOK, fr, fr.Error())
	require.Equal(t, len(want), n)
	require.Equal(t, frOK, fp.f_close())

	fr = fs.f_open(&fp, "greeting.txt\x00", faRead)
	require.Equal(t, frOK, fr, fr.Error())
	buf := make([]byte, len(want))
	n, fr = fp.f_read(buf)
	require.Equal(t, frOK, fr, fr.Error())
	assert.Equal(t, want, string(buf[:n]))
	require.Equal(t, frOK, fp.f_close())
}

func TestFormatVolumeLabel(t *testing.T) {
	dev, total := formatTarget(t)
	var f Formatter
	require.NoError(t, f.Format(dev, 512, total, FormatConfig{Label: "MYDISK", Format: FormatFAT32, ClusterSize: 1}))

	boot := make([]byte, 512)
	_, err := dev.ReadBlocks(boot, 0)
	require.NoError(t, err)
	assert.Equal(t, "MYDISK     ", string(boot[bsVolLab32:bsVolLab32+11]))
	assert.Equal(t, uint16(0xAA55), uint16(boot[bs55AA])|uint16(boot[bs55AA+1])<<8)
}
