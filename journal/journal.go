// Package journal implements the redo-style metadata journal of §4.3: a
// contiguous file-like region holding a circular sequence of CRC-framed
// log records, replayed at mount time to restore FAT metadata
// operations interrupted by a crash.
//
// The on-disk record framing (kind | length | payload | checksum) is
// grounded on the checksummed-append-only-log idiom common to the
// pack's standalone WAL examples (closest:
// other_examples/2389ad4a_return2faye-SiltKV__internal-wal-wal.go.go's
// `checksum(4) | kSize(4) | vSize(4)` header plus crc32.ChecksumIEEE),
// adapted from an OS-file byte stream to a sector-addressed circular
// region per spec.md §3's `{kind, length, payload, CRC}` record shape
// and §4.3's head/tail/state bookkeeping.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Sectors is the minimal contract the journal needs from the layer
// beneath it — satisfied directly by norftl.Volume/nandftl.Volume, or
// by a sectorcache.Cache-fronted region.
type Sectors interface {
	Read(sector uint32, buf []byte) error
	Write(sector uint32, buf []byte) error
	SectorSize() uint32
}

// State is the journal's state machine (§4.3: STOPPED → STARTED →
// REPLAYING → STARTED → STOPPED).
type State uint8

const (
	StateStopped State = iota
	StateStarted
	StateReplaying
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarted:
		return "started"
	case StateReplaying:
		return "replaying"
	default:
		return "unknown"
	}
}

// RecordKind enumerates the four record kinds of §4.3.
type RecordKind uint8

const (
	_ RecordKind = iota
	KindClusChainAlloc
	KindClusChainDel
	KindEntryCreate
	KindEntryUpdate
)

// Record is a decoded journal entry.
type Record struct {
	Kind    RecordKind
	Payload []byte
}

// ClusChainAlloc records a cluster-chain allocation (§4.3).
type ClusChainAlloc struct {
	StartClus  uint32
	IsNewChain bool
}

// ClusChainDel records a cluster-chain deallocation (§4.3).
type ClusChainDel struct {
	StartClus uint32
	NbrClus   uint32
	DelFirst  bool
}

// EntryCreate records a directory-entry creation span (§4.3).
type EntryCreate struct {
	DirStartPos uint32
	DirEndPos   uint32
}

// EntryUpdate records a directory-entry update, with the pre-update
// image so the replayer can roll it back if the top-level action never
// committed (§4.3).
type EntryUpdate struct {
	DirStartPos uint32
	DirEndPos   uint32
	BeforeImage []byte
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// EncodeClusChainAlloc serializes a ClusChainAlloc record payload.
func EncodeClusChainAlloc(r ClusChainAlloc) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf, r.StartClus)
	buf[4] = boolByte(r.IsNewChain)
	return buf
}

// DecodeClusChainAlloc parses a ClusChainAlloc record payload.
func DecodeClusChainAlloc(b []byte) (ClusChainAlloc, error) {
	if len(b) < 5 {
		return ClusChainAlloc{}, fmt.Errorf("journal: short ClusChainAlloc payload")
	}
	return ClusChainAlloc{StartClus: binary.LittleEndian.Uint32(b), IsNewChain: b[4] != 0}, nil
}

// EncodeClusChainDel serializes a ClusChainDel record payload.
func EncodeClusChainDel(r ClusChainDel) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint32(buf[0:], r.StartClus)
	binary.LittleEndian.PutUint32(buf[4:], r.NbrClus)
	buf[8] = boolByte(r.DelFirst)
	return buf
}

// DecodeClusChainDel parses a ClusChainDel record payload.
func DecodeClusChainDel(b []byte) (ClusChainDel, error) {
	if len(b) < 9 {
		return ClusChainDel{}, fmt.Errorf("journal: short ClusChainDel payload")
	}
	return ClusChainDel{
		StartClus: binary.LittleEndian.Uint32(b[0:]),
		NbrClus:   binary.LittleEndian.Uint32(b[4:]),
		DelFirst:  b[8] != 0,
	}, nil
}

// EncodeEntryCreate serializes an EntryCreate record payload.
func EncodeEntryCreate(r EntryCreate) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], r.DirStartPos)
	binary.LittleEndian.PutUint32(buf[4:], r.DirEndPos)
	return buf
}

// DecodeEntryCreate parses an EntryCreate record payload.
func DecodeEntryCreate(b []byte) (EntryCreate, error) {
	if len(b) < 8 {
		return EntryCreate{}, fmt.Errorf("journal: short EntryCreate payload")
	}
	return EntryCreate{DirStartPos: binary.LittleEndian.Uint32(b[0:]), DirEndPos: binary.LittleEndian.Uint32(b[4:])}, nil
}

// EncodeEntryUpdate serializes an EntryUpdate record payload.
func EncodeEntryUpdate(r EntryUpdate) []byte {
	buf := make([]byte, 8+len(r.BeforeImage))
	binary.LittleEndian.PutUint32(buf[0:], r.DirStartPos)
	binary.LittleEndian.PutUint32(buf[4:], r.DirEndPos)
	copy(buf[8:], r.BeforeImage)
	return buf
}

// DecodeEntryUpdate parses an EntryUpdate record payload.
func DecodeEntryUpdate(b []byte) (EntryUpdate, error) {
	if len(b) < 8 {
		return EntryUpdate{}, fmt.Errorf("journal: short EntryUpdate payload")
	}
	img := make([]byte, len(b)-8)
	copy(img, b[8:])
	return EntryUpdate{DirStartPos: binary.LittleEndian.Uint32(b[0:]), DirEndPos: binary.LittleEndian.Uint32(b[4:]), BeforeImage: img}, nil
}

// Journal-level sum-type errors.
type Err uint8

const (
	_ Err = iota
	ErrJournalFull
	ErrCorrupt
	ErrNotFormatted
)

func (e Err) Error() string {
	switch e {
	case ErrJournalFull:
		return "journal: full"
	case ErrCorrupt:
		return "journal: corrupt record"
	case ErrNotFormatted:
		return "journal: region not formatted"
	default:
		return "journal: unknown error"
	}
}

const (
	headerMagic   = 0x4C4E524A // "JRNL"
	headerVersion = 1

	// header layout within sector 0: magic(4) version(2) state(1)
	// reserved(1) headOff(4) tailOff(4).
	hOffMagic   = 0
	hOffVersion = 4
	hOffState   = 6
	hOffHeadOff = 8
	hOffTailOff = 12
	headerSize  = 16

	recordHeaderSize = 5 // kind(1) + length(4)
	recordCRCSize    = 4
)

// Journal is a mounted journal region: sector 0 is the header, the
// remaining sectors form a circular byte-addressed record buffer.
type Journal struct {
	dev         Sectors
	secSize     uint32
	dataSectors uint32
	dataBytes   uint32

	state          State
	headOff, tailOff uint32
}

// Format initializes a fresh journal region: header in STOPPED state,
// empty ring buffer. secCount is the total sector count reserved for
// the journal, including the header sector.
func Format(dev Sectors, secCount uint32) error {
	if secCount < 2 {
		return fmt.Errorf("journal: region too small")
	}
	j := &Journal{dev: dev, secSize: dev.SectorSize(), dataSectors: secCount - 1}
	j.dataBytes = j.dataSectors * j.secSize
	j.state = StateStopped
	j.headOff, j.tailOff = 0, 0
	return j.writeHeader()
}

// Open loads an existing journal region's header.
func Open(dev Sectors, secCount uint32) (*Journal, error) {
	if secCount < 2 {
		return nil, fmt.Errorf("journal: region too small")
	}
	j := &Journal{dev: dev, secSize: dev.SectorSize(), dataSectors: secCount - 1}
	j.dataBytes = j.dataSectors * j.secSize
	if err := j.readHeader(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) writeHeader() error {
	buf := make([]byte, j.secSize)
	binary.LittleEndian.PutUint32(buf[hOffMagic:], headerMagic)
	binary.LittleEndian.PutUint16(buf[hOffVersion:], headerVersion)
	buf[hOffState] = byte(j.state)
	binary.LittleEndian.PutUint32(buf[hOffHeadOff:], j.headOff)
	binary.LittleEndian.PutUint32(buf[hOffTailOff:], j.tailOff)
	return j.dev.Write(0, buf)
}

func (j *Journal) readHeader() error {
	buf := make([]byte, j.secSize)
	if err := j.dev.Read(0, buf); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(buf[hOffMagic:]) != headerMagic ||
		binary.LittleEndian.Uint16(buf[hOffVersion:]) != headerVersion {
		return ErrNotFormatted
	}
	j.state = State(buf[hOffState])
	j.headOff = binary.LittleEndian.Uint32(buf[hOffHeadOff:])
	j.tailOff = binary.LittleEndian.Uint32(buf[hOffTailOff:])
	return nil
}

// State reports the journal's current state.
func (j *Journal) State() State { return j.state }

// Start transitions STOPPED → STARTED, persisting the header.
func (j *Journal) Start() error {
	j.state = StateStarted
	return j.writeHeader()
}

// NeedsReplay reports whether records appended since the last Complete
// are outstanding (head != tail), whatever state the previous session
// left the journal in.
func (j *Journal) NeedsReplay() bool {
	return j.headOff != j.tailOff
}

func (j *Journal) dataSectorAddr(idx uint32) uint32 { return 1 + idx }

func (j *Journal) readRegion(offset uint32, buf []byte) error {
	n := uint32(len(buf))
	pos := uint32(0)
	for n > 0 {
		off := offset % j.dataBytes
		sectorIdx := off / j.secSize
		inSector := off % j.secSize
		avail := j.secSize - inSector
		chunk := avail
		if chunk > n {
			chunk = n
		}
		sbuf := make([]byte, j.secSize)
		if err := j.dev.Read(j.dataSectorAddr(sectorIdx), sbuf); err != nil {
			return err
		}
		copy(buf[pos:pos+chunk], sbuf[inSector:inSector+chunk])
		offset += chunk
		pos += chunk
		n -= chunk
	}
	return nil
}

func (j *Journal) writeRegion(offset uint32, data []byte) error {
	n := uint32(len(data))
	pos := uint32(0)
	for n > 0 {
		off := offset % j.dataBytes
		sectorIdx := off / j.secSize
		inSector := off % j.secSize
		avail := j.secSize - inSector
		chunk := avail
		if chunk > n {
			chunk = n
		}
		sbuf := make([]byte, j.secSize)
		if err := j.dev.Read(j.dataSectorAddr(sectorIdx), sbuf); err != nil {
			return err
		}
		copy(sbuf[inSector:inSector+chunk], data[pos:pos+chunk])
		if err := j.dev.Write(j.dataSectorAddr(sectorIdx), sbuf); err != nil {
			return err
		}
		offset += chunk
		pos += chunk
		n -= chunk
	}
	return nil
}

// freeBytes returns the number of bytes available between tail and
// head without overrunning unconsumed records, leaving one byte as a
// full/empty disambiguator.
func (j *Journal) freeBytes() uint32 {
	used := (j.tailOff - j.headOff + j.dataBytes) % j.dataBytes
	return j.dataBytes - used - 1
}

// Append writes a record at the tail and advances it. The header is
// persisted immediately so the new tail is durable before the caller's
// next action.
func (j *Journal) Append(kind RecordKind, payload []byte) error {
	total := uint32(recordHeaderSize + len(payload) + recordCRCSize)
	if total > j.freeBytes() {
		return ErrJournalFull
	}
	buf := make([]byte, total)
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)
	crc := crc32.ChecksumIEEE(buf[:recordHeaderSize+len(payload)])
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+len(payload):], crc)

	if err := j.writeRegion(j.tailOff, buf); err != nil {
		return err
	}
	j.tailOff = (j.tailOff + total) % j.dataBytes
	return j.writeHeader()
}

// Complete marks the current top-level action as committed: head
// catches up to tail, making every record appended for it unreachable
// to a future replay (§4.3: "On top-level completion, the journal is
// reset").
func (j *Journal) Complete() error {
	j.headOff = j.tailOff
	return j.writeHeader()
}

// Replay walks outstanding records from head to tail, calling apply for
// each one whose CRC verifies, and stops at the first corrupt or
// truncated record (a torn write from the crash). It then advances
// head to the last verified record's end and transitions to STARTED
// (§4.3 "Replay algorithm").
func (j *Journal) Replay(apply func(Record) error) error {
	j.state = StateReplaying
	cursor := j.headOff
	for cursor != j.tailOff {
		hdr := make([]byte, recordHeaderSize)
		if err := j.readRegion(cursor, hdr); err != nil {
			return err
		}
		kind := RecordKind(hdr[0])
		length := binary.LittleEndian.Uint32(hdr[1:])
		remaining := (j.tailOff - cursor + j.dataBytes) % j.dataBytes
		if uint32(recordHeaderSize)+length+recordCRCSize > remaining {
			break // Torn record from a crash mid-append.
		}
		body := make([]byte, recordHeaderSize+int(length)+recordCRCSize)
		if err := j.readRegion(cursor, body); err != nil {
			return err
		}
		wantCRC := binary.LittleEndian.Uint32(body[recordHeaderSize+int(length):])
		gotCRC := crc32.ChecksumIEEE(body[:recordHeaderSize+int(length)])
		if wantCRC != gotCRC {
			break
		}
		payload := make([]byte, length)
		copy(payload, body[recordHeaderSize:recordHeaderSize+int(length)])
		if err := apply(Record{Kind: kind, Payload: payload}); err != nil {
			return err
		}
		cursor = (cursor + uint32(len(body))) % j.dataBytes
	}
	j.headOff = cursor
	j.tailOff = cursor
	j.state = StateStarted
	return j.writeHeader()
}

// Stop transitions to STOPPED, persisting the header.
func (j *Journal) Stop() error {
	j.state = StateStopped
	return j.writeHeader()
}
