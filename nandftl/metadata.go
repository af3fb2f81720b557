package nandftl

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/embeddedflash/ftlfs/internal/bitpack"
	"github.com/embeddedflash/ftlfs/phydev"
)

// Metadata record layout within a whole metadata block (§4.2 "Fold
// metadata" / §6's NAND metadata page format, adapted from a
// per-page sequence to a single whole-block record since a volume
// keeps exactly two candidate metadata blocks):
//
//	magic(4) seq(4) length(4) status(4) payload(length) crc(4)
const (
	metaMagic      = 0x544D444E // "NDMT"
	metaHeaderSize = 16

	mOffMagic  = 0
	mOffSeq    = 4
	mOffLength = 8
	mOffStatus = 12
)

type metaStatus uint32

const (
	metaStatusWriting metaStatus = 0xFFFFFF00
	metaStatusValid   metaStatus = 0xFFFF0000
)

func (v *Volume) blockHeaderAddr(blk uint32) uint32 { return blk * v.geom.BlockSize }

// serializeMetadata packs the L2P table, dirty-block bitmap, block role
// array, data-block assignments and UB descriptor list into one buffer.
func (v *Volume) serializeMetadata() []byte {
	var buf []byte

	putU32 := func(x uint32) { buf = append(buf, byte(x), byte(x>>8), byte(x>>16), byte(x>>24)) }

	putU32(uint32(v.l2p.Width()))
	putU32(uint32(v.l2p.Len()))
	buf = append(buf, v.l2p.Bytes()...)

	putU32(uint32(v.dirtyMap.Len()))
	buf = append(buf, v.dirtyMap.Bytes()...)

	putU32(uint32(len(v.roles)))
	for _, r := range v.roles {
		buf = append(buf, byte(r))
	}

	putU32(uint32(len(v.dataBlock)))
	for _, d := range v.dataBlock {
		putU32(d)
	}

	putU32(uint32(len(v.ubs)))
	for lb, ub := range v.ubs {
		putU32(lb)
		putU32(ub.physBlock)
		buf = append(buf, byte(ub.kind))
		putU32(ub.nextFreeSlot)
		putU32(ub.seq)
	}
	return buf
}

// deserializeMetadata restores volume state from a serialized buffer
// produced by serializeMetadata.
func (v *Volume) deserializeMetadata(buf []byte) error {
	pos := 0
	getU32 := func() (uint32, error) {
		if pos+4 > len(buf) {
			return 0, fmt.Errorf("nandftl: truncated metadata")
		}
		x := binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
		return x, nil
	}

	l2pWidth, err := getU32()
	if err != nil {
		return err
	}
	l2pLen, err := getU32()
	if err != nil {
		return err
	}
	l2pByteLen := (int(l2pLen)*int(l2pWidth) + 7) / 8
	if pos+l2pByteLen > len(buf) {
		return fmt.Errorf("nandftl: truncated L2P table")
	}
	v.l2p = bitpack.New(int(l2pLen), uint(l2pWidth))
	v.l2p.LoadBytes(buf[pos : pos+l2pByteLen])
	pos += l2pByteLen

	dirtyLen, err := getU32()
	if err != nil {
		return err
	}
	dirtyByteLen := (int(dirtyLen) + 7) / 8
	if pos+dirtyByteLen > len(buf) {
		return fmt.Errorf("nandftl: truncated dirty map")
	}
	v.dirtyMap = bitpack.New(int(dirtyLen), 1)
	v.dirtyMap.LoadBytes(buf[pos : pos+dirtyByteLen])
	pos += dirtyByteLen

	roleLen, err := getU32()
	if err != nil {
		return err
	}
	if pos+int(roleLen) > len(buf) {
		return fmt.Errorf("nandftl: truncated role array")
	}
	v.roles = make([]Role, roleLen)
	for i := range v.roles {
		v.roles[i] = Role(buf[pos])
		pos++
	}

	dbLen, err := getU32()
	if err != nil {
		return err
	}
	v.dataBlock = make([]uint32, dbLen)
	for i := range v.dataBlock {
		x, err := getU32()
		if err != nil {
			return err
		}
		v.dataBlock[i] = x
	}

	ubCount, err := getU32()
	if err != nil {
		return err
	}
	v.ubs = make(map[uint32]*ubState, ubCount)
	for i := uint32(0); i < ubCount; i++ {
		lb, err := getU32()
		if err != nil {
			return err
		}
		physBlock, err := getU32()
		if err != nil {
			return err
		}
		if pos >= len(buf) {
			return fmt.Errorf("nandftl: truncated UB descriptor")
		}
		kind := Role(buf[pos])
		pos++
		nextFree, err := getU32()
		if err != nil {
			return err
		}
		seq, err := getU32()
		if err != nil {
			return err
		}
		v.ubs[lb] = &ubState{physBlock: physBlock, kind: kind, nextFreeSlot: nextFree, seq: seq}
	}
	return nil
}

// foldMetadata writes a fresh snapshot into the currently-inactive
// metadata block (two-phase WRITING→VALID commit, §4.2 "Fold metadata").
func (v *Volume) foldMetadata() error {
	target := 1 - v.metaActive
	targetBlock := v.metaBlocks[target]

	if err := v.dev.EraseBlock(v.blockHeaderAddr(targetBlock), v.geom.BlockSize); err != nil {
		return err
	}

	payload := v.serializeMetadata()
	v.metaSeq++
	if uint32(metaHeaderSize+len(payload)+4) > v.geom.BlockSize {
		return fmt.Errorf("nandftl: metadata snapshot exceeds block size")
	}

	hdr := make([]byte, metaHeaderSize)
	binary.LittleEndian.PutUint32(hdr[mOffMagic:], metaMagic)
	binary.LittleEndian.PutUint32(hdr[mOffSeq:], v.metaSeq)
	binary.LittleEndian.PutUint32(hdr[mOffLength:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[mOffStatus:], uint32(metaStatusWriting))
	if err := v.dev.Write(v.blockHeaderAddr(targetBlock), hdr); err != nil {
		return err
	}
	if err := v.dev.Write(v.blockHeaderAddr(targetBlock)+metaHeaderSize, payload); err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(payload)
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	if err := v.dev.Write(v.blockHeaderAddr(targetBlock)+metaHeaderSize+uint32(len(payload)), crcBuf); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[mOffStatus:], uint32(metaStatusValid))
	if err := v.dev.Write(v.blockHeaderAddr(targetBlock), hdr); err != nil {
		return err
	}

	v.metaActive = target
	return nil
}

// readMetadataCandidate reads and validates the metadata record stored
// in physBlock, returning its sequence number and payload if valid.
func (v *Volume) readMetadataCandidate(physBlock uint32) (seq uint32, payload []byte, ok bool) {
	hdr := make([]byte, metaHeaderSize)
	if err := v.dev.Read(v.blockHeaderAddr(physBlock), hdr); err != nil {
		return 0, nil, false
	}
	if binary.LittleEndian.Uint32(hdr[mOffMagic:]) != metaMagic {
		return 0, nil, false
	}
	if metaStatus(binary.LittleEndian.Uint32(hdr[mOffStatus:])) != metaStatusValid {
		return 0, nil, false
	}
	length := binary.LittleEndian.Uint32(hdr[mOffLength:])
	if metaHeaderSize+length+4 > v.geom.BlockSize {
		return 0, nil, false
	}
	payload = make([]byte, length)
	if err := v.dev.Read(v.blockHeaderAddr(physBlock)+metaHeaderSize, payload); err != nil {
		return 0, nil, false
	}
	crcBuf := make([]byte, 4)
	if err := v.dev.Read(v.blockHeaderAddr(physBlock)+metaHeaderSize+length, crcBuf); err != nil {
		return 0, nil, false
	}
	if binary.LittleEndian.Uint32(crcBuf) != crc32.ChecksumIEEE(payload) {
		return 0, nil, false
	}
	seq = binary.LittleEndian.Uint32(hdr[mOffSeq:])
	return seq, payload, true
}

// mount implements §4.2's mount procedure: pick the authoritative
// metadata candidate, load state, and re-check UB consistency.
func (v *Volume) mount() error {
	seq0, payload0, ok0 := v.readMetadataCandidate(v.metaBlocks[0])
	seq1, payload1, ok1 := v.readMetadataCandidate(v.metaBlocks[1])

	switch {
	case ok0 && (!ok1 || seq0 >= seq1):
		v.metaActive = 0
		v.metaSeq = seq0
		if err := v.deserializeMetadata(payload0); err != nil {
			return err
		}
	case ok1:
		v.metaActive = 1
		v.metaSeq = seq1
		if err := v.deserializeMetadata(payload1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: no valid metadata candidate", ErrInvalidLowFormat)
	}

	for lb, ub := range v.ubs {
		if err := v.verifyUBConsistency(lb, ub); err != nil {
			if err := v.mergeLogicalBlock(lb); err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyUBConsistency scans the UB's written pages, checking each
// header's logical sector number falls within the owning logical
// block (§4.2 mount step 4: "Any UB whose headers are inconsistent
// with the metadata snapshot is merged immediately").
func (v *Volume) verifyUBConsistency(logicalBlockIdx uint32, ub *ubState) error {
	lowSec := logicalBlockIdx * v.secsPerBlock
	highSec := lowSec + v.secsPerBlock
	payload := make([]byte, v.secSize)
	for slot := uint32(0); slot < ub.nextFreeSlot; slot++ {
		logicalSec, ubSeq, _, err := v.readPage(ub.physBlock, slot, payload)
		if err != nil && err != ErrEccCorrectable && err != ErrEccCriticalCorrectable {
			return fmt.Errorf("nandftl: UB page unreadable: %w", err)
		}
		if logicalSec < lowSec || logicalSec >= highSec || ubSeq != ub.seq {
			return fmt.Errorf("nandftl: UB header inconsistent with metadata snapshot")
		}
	}
	return nil
}

// Format initializes a fresh NAND FTL volume: erases every block and
// folds an empty metadata snapshot into the primary metadata block.
func Format(dev phydev.Device, cfg Config) error {
	v, err := newVolumeSkeleton(dev, cfg)
	if err != nil {
		return err
	}
	for b := uint32(0); b < v.geom.BlockCount; b++ {
		if err := dev.EraseBlock(b*v.geom.BlockSize, v.geom.BlockSize); err != nil {
			return fmt.Errorf("nandftl: erasing block %d: %w", b, err)
		}
	}
	v.metaActive = 1 // fold target is 1-metaActive, so this writes metaBlocks[0] first.
	return v.foldMetadata()
}
