package journal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedflash/ftlfs/journal"
)

type fakeSectors struct {
	secSize uint32
	data    map[uint32][]byte
}

func newFakeSectors(secSize uint32) *fakeSectors {
	return &fakeSectors{secSize: secSize, data: make(map[uint32][]byte)}
}

func (f *fakeSectors) SectorSize() uint32 { return f.secSize }

func (f *fakeSectors) Read(sector uint32, buf []byte) error {
	d, ok := f.data[sector]
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, d)
	return nil
}

func (f *fakeSectors) Write(sector uint32, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.data[sector] = cp
	return nil
}

func TestFormatThenOpen(t *testing.T) {
	dev := newFakeSectors(64)
	require.NoError(t, journal.Format(dev, 4))

	j, err := journal.Open(dev, 4)
	require.NoError(t, err)
	assert.Equal(t, journal.StateStopped, j.State())
	assert.False(t, j.NeedsReplay())
}

func TestAppendAndReplay(t *testing.T) {
	dev := newFakeSectors(64)
	require.NoError(t, journal.Format(dev, 4))
	j, err := journal.Open(dev, 4)
	require.NoError(t, err)
	require.NoError(t, j.Start())

	require.NoError(t, j.Append(journal.KindClusChainAlloc, journal.EncodeClusChainAlloc(journal.ClusChainAlloc{StartClus: 5, IsNewChain: true})))
	require.NoError(t, j.Append(journal.KindEntryCreate, journal.EncodeEntryCreate(journal.EntryCreate{DirStartPos: 10, DirEndPos: 11})))

	var got []journal.Record
	require.NoError(t, j.Replay(func(r journal.Record) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 2)
	alloc, err := journal.DecodeClusChainAlloc(got[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), alloc.StartClus)
	assert.True(t, alloc.IsNewChain)

	entry, err := journal.DecodeEntryCreate(got[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), entry.DirStartPos)
	assert.Equal(t, uint32(11), entry.DirEndPos)

	assert.Equal(t, journal.StateStarted, j.State())
	assert.False(t, j.NeedsReplay())
}

func TestCompleteMakesRecordsUnreachable(t *testing.T) {
	dev := newFakeSectors(64)
	require.NoError(t, journal.Format(dev, 4))
	j, err := journal.Open(dev, 4)
	require.NoError(t, err)
	require.NoError(t, j.Start())

	require.NoError(t, j.Append(journal.KindEntryCreate, journal.EncodeEntryCreate(journal.EntryCreate{DirStartPos: 1, DirEndPos: 2})))
	require.NoError(t, j.Complete())
	assert.False(t, j.NeedsReplay())

	j2, err := journal.Open(dev, 4)
	require.NoError(t, err)
	assert.False(t, j2.NeedsReplay())

	var calls int
	require.NoError(t, j2.Replay(func(journal.Record) error {
		calls++
		return nil
	}))
	assert.Equal(t, 0, calls)
}

func TestReplayStopsAtTornRecord(t *testing.T) {
	dev := newFakeSectors(64)
	require.NoError(t, journal.Format(dev, 4))
	j, err := journal.Open(dev, 4)
	require.NoError(t, err)
	require.NoError(t, j.Start())

	require.NoError(t, j.Append(journal.KindClusChainDel, journal.EncodeClusChainDel(journal.ClusChainDel{StartClus: 1, NbrClus: 2, DelFirst: true})))

	require.NoError(t, j.Append(journal.KindEntryCreate, journal.EncodeEntryCreate(journal.EntryCreate{DirStartPos: 4, DirEndPos: 5})))

	// Simulate a crash mid-append of a third record by corrupting one of
	// the second record's CRC bytes in place.
	secondRecordOffset := 18 // size of the first ClusChainDel record.
	crcOffset := secondRecordOffset + 5 + 8 + 4 - 1 // last byte of the second record's CRC.
	corrupt := make([]byte, dev.secSize)
	require.NoError(t, dev.Read(1, corrupt))
	corrupt[crcOffset] ^= 0xFF
	require.NoError(t, dev.Write(1, corrupt))

	j2, err := journal.Open(dev, 4)
	require.NoError(t, err)

	var got []journal.Record
	require.NoError(t, j2.Replay(func(r journal.Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	del, err := journal.DecodeClusChainDel(got[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), del.StartClus)
}

func TestAppendReturnsJournalFullWhenRegionExhausted(t *testing.T) {
	dev := newFakeSectors(32)
	require.NoError(t, journal.Format(dev, 2)) // one 32-byte data sector.
	j, err := journal.Open(dev, 2)
	require.NoError(t, err)
	require.NoError(t, j.Start())

	big := make([]byte, 64)
	err = j.Append(journal.KindEntryUpdate, journal.EncodeEntryUpdate(journal.EntryUpdate{DirStartPos: 1, DirEndPos: 2, BeforeImage: big}))
	assert.ErrorIs(t, err, journal.ErrJournalFull)
}
