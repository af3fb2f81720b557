// Package nandftl implements the NAND flash translation layer of §4.2:
// a logical sector array over NAND flash using per-logical-block update
// blocks (sequential or random), a BCH-protected page header, a
// ping-pong metadata block pair, and a dirty-block cache.
//
// Grounded the same way norftl is — soypat/fat's
// windowHandler sector-window idiom generalized into a page-oriented
// log-structured allocator — with defaults and the update-block/merge
// vocabulary taken from
// original_source/Dev/NAND/Cfg/Template/fs_dev_nand_cfg.h and
// Dev/NAND/Ctrlr/GenExt/fs_dev_nand_ctrlr_imx28_bch.c (page-header ECC
// shape).
package nandftl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/embeddedflash/ftlfs/internal/bitpack"
	"github.com/embeddedflash/ftlfs/internal/pool"
	"github.com/embeddedflash/ftlfs/phydev"
)

// Default configuration values, confirmed against
// original_source/Dev/NAND/Cfg/Template/fs_dev_nand_cfg.h.
const (
	DefaultRsvdAvailBlkCnt = 3
	DefaultMaxRdRetries    = 10
	DefaultMaxSubPct       = 30
	DefaultMergeRubPct     = 20 // TH_PCT_MERGE_RUB_START_SUB
	DefaultConvertSubPct   = 10 // TH_PCT_CONVERT_SUB_TO_RUB
	DefaultPadSubPct       = 5  // TH_PCT_PAD_SUB
)

// Role is a physical block's current role.
type Role uint8

const (
	RoleFree Role = iota
	RoleData
	RoleSUB
	RoleRUB
	RoleMeta
	RoleBad
)

// Err is the sum of NAND-FTL-level error kinds (§7).
type Err uint8

const (
	_ Err = iota
	ErrInvalidLowFormat
	ErrDevFull
	ErrReadOnly
	ErrInvalidParam
	ErrEccUncorrectable
	ErrEccCorrectable
	ErrEccCriticalCorrectable
)

func (e Err) Error() string {
	switch e {
	case ErrInvalidLowFormat:
		return "nandftl: device not formatted with this FTL"
	case ErrDevFull:
		return "nandftl: device full"
	case ErrReadOnly:
		return "nandftl: volume is read-only"
	case ErrInvalidParam:
		return "nandftl: invalid parameter"
	case ErrEccUncorrectable:
		return "nandftl: uncorrectable ECC error"
	case ErrEccCorrectable:
		return "nandftl: correctable ECC error"
	case ErrEccCriticalCorrectable:
		return "nandftl: correctable ECC error with high bit-error count"
	default:
		return "nandftl: unknown error"
	}
}

// Config configures a NAND volume at Open time.
type Config struct {
	SectorSize       uint32
	RsvdAvailBlkCnt  uint32 // Blocks held back as always-free headroom.
	MaxRdRetries     int
	MaxSubPct        uint32
	MergeRubPct      uint32
	ConvertSubPct    uint32
	PadSubPct        uint32
	AutoSync         bool // NAND_AUTO_SYNC: fold metadata after every write.
	UbMetaCache      bool // NAND_UB_META_CACHE (informational; L2P is always the full index at subset size 1).
	DirtyMapCache    bool // NAND_DIRTY_MAP_CACHE
	ReadOnly         bool
	ECC              phydev.ECC
	Log              *slog.Logger
}

type ubState struct {
	physBlock    uint32
	kind         Role // RoleSUB or RoleRUB
	nextFreeSlot uint32
	seq          uint32
}

const sentinelBlock = ^uint32(0)

// Volume is a mounted NAND logical-sector array.
type Volume struct {
	mu sync.Mutex

	dev phydev.Device
	ecc phydev.ECC
	log *slog.Logger

	geom          phydev.Geometry
	secSize       uint32
	pageSize      uint32
	secsPerBlock  uint32 // pages per block, and logical sectors per logical block.
	blockCount    uint32
	logicalBlocks uint32
	size          uint32

	l2p       *bitpack.Array
	dirtyMap  *bitpack.Array
	roles     []Role
	dataBlock []uint32 // per logical block: physical Data block, or sentinel.
	ubs       map[uint32]*ubState

	// bufPool recycles the sector-sized scratch buffers the merge/pad
	// paths copy pages through (§9's free-list pool for FTL sector
	// buffers), instead of a fresh make([]byte, secSize) per copied page.
	bufPool *pool.Pool

	metaBlocks [2]uint32
	metaActive int // index into metaBlocks of the currently authoritative block.
	metaSeq    uint32

	cfg Config

	readOnly bool
}

// pageHeaderSize: logical_sec(4) + ub_seq(4) + generation(4).
const pageHeaderSize = 12

func (v *Volume) pageSizeFor(secSize uint32) uint32 {
	eccSize := uint32(8)
	if v.ecc != nil {
		// Probe with a representative buffer to size the ECC output once.
		if b, err := v.ecc.Calc(0, make([]byte, secSize), nil); err == nil {
			eccSize = uint32(len(b))
		}
	}
	return secSize + pageHeaderSize + eccSize
}

// newVolumeSkeleton validates geometry and allocates the in-memory
// tables shared by Open and Format, without touching the device beyond
// the initial Open/geometry probe.
func newVolumeSkeleton(dev phydev.Device, cfg Config) (*Volume, error) {
	geom, err := dev.Open()
	if err != nil {
		return nil, fmt.Errorf("nandftl: opening device: %w", err)
	}
	if geom.BlockCount < 4 {
		return nil, fmt.Errorf("%w: need at least 4 blocks (2 metadata + data)", ErrInvalidParam)
	}
	ss := cfg.SectorSize
	if ss == 0 {
		ss = 512
	}
	v := &Volume{
		dev:      dev,
		ecc:      cfg.ECC,
		log:      cfg.Log,
		geom:     geom,
		secSize:  ss,
		cfg:      cfg,
		ubs:      make(map[uint32]*ubState),
		readOnly: cfg.ReadOnly,
	}
	applyDefaults(&v.cfg)
	v.pageSize = v.pageSizeFor(ss)
	v.secsPerBlock = geom.BlockSize / v.pageSize
	if v.secsPerBlock == 0 {
		return nil, fmt.Errorf("%w: block too small for sector size", ErrInvalidParam)
	}
	v.blockCount = geom.BlockCount
	v.metaBlocks = [2]uint32{geom.BlockCount - 2, geom.BlockCount - 1}

	// Reserve headroom so every logical block can simultaneously hold a
	// data block and an update block, plus the configured always-free
	// spares (§4.2's RSVD_AVAIL_BLK_CNT).
	dataCapableBlocks := geom.BlockCount - 2
	if dataCapableBlocks <= v.cfg.RsvdAvailBlkCnt {
		return nil, fmt.Errorf("%w: too few blocks for configured reserve", ErrInvalidParam)
	}
	v.logicalBlocks = (dataCapableBlocks - v.cfg.RsvdAvailBlkCnt) / 2
	if v.logicalBlocks == 0 {
		return nil, fmt.Errorf("%w: too few blocks to hold any logical block", ErrInvalidParam)
	}
	v.size = v.logicalBlocks * v.secsPerBlock

	v.roles = make([]Role, geom.BlockCount)
	v.roles[v.metaBlocks[0]] = RoleMeta
	v.roles[v.metaBlocks[1]] = RoleMeta
	v.dataBlock = make([]uint32, v.logicalBlocks)
	for i := range v.dataBlock {
		v.dataBlock[i] = sentinelBlock
	}
	totalPhysPages := v.blockCount * v.secsPerBlock
	v.l2p = bitpack.New(int(v.size), bitpack.Width(totalPhysPages))
	v.l2p.Clear()
	v.dirtyMap = bitpack.New(int(v.logicalBlocks), 1)
	v.bufPool = pool.New(noopGuard{}, int(v.secSize), 2)
	return v, nil
}

// noopGuard satisfies pool.InterruptGuard with no-op masking: every
// bufPool.Get/Put call in this package already happens under v.mu, so the
// pool's own critical section has nothing left to race with on hosted Go.
type noopGuard struct{}

func (noopGuard) InterruptsDisable() {}
func (noopGuard) InterruptsEnable()  {}

// Open validates geometry, allocates in-memory tables, and mounts an
// existing NAND FTL volume (§4.2 "Mount").
func Open(dev phydev.Device, cfg Config) (*Volume, error) {
	v, err := newVolumeSkeleton(dev, cfg)
	if err != nil {
		return nil, err
	}
	if err := v.mount(); err != nil {
		return nil, err
	}
	return v, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RsvdAvailBlkCnt == 0 {
		cfg.RsvdAvailBlkCnt = DefaultRsvdAvailBlkCnt
	}
	if cfg.MaxRdRetries == 0 {
		cfg.MaxRdRetries = DefaultMaxRdRetries
	}
	if cfg.MaxSubPct == 0 {
		cfg.MaxSubPct = DefaultMaxSubPct
	}
	if cfg.MergeRubPct == 0 {
		cfg.MergeRubPct = DefaultMergeRubPct
	}
	if cfg.ConvertSubPct == 0 {
		cfg.ConvertSubPct = DefaultConvertSubPct
	}
	if cfg.PadSubPct == 0 {
		cfg.PadSubPct = DefaultPadSubPct
	}
}

func (v *Volume) trace(msg string, args ...any) {
	if v.log != nil {
		v.log.Log(context.Background(), slog.LevelDebug-2, msg, args...)
	}
}

func (v *Volume) logerror(msg string, args ...any) {
	if v.log != nil {
		v.log.Error(msg, args...)
	}
}

// Sync folds the current L2P/dirty/UB state into the inactive metadata
// block, making it the new authoritative snapshot a remount will pick
// up. Callers that disable AutoSync are responsible for calling this at
// their own durability points (§4.2 "Fold metadata").
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return ErrReadOnly
	}
	return v.foldMetadata()
}

// Size returns the usable logical sector count.
func (v *Volume) Size() uint32 { return v.size }

// SectorSize returns the configured logical sector size in bytes.
func (v *Volume) SectorSize() uint32 { return v.secSize }

func (v *Volume) pageAddr(physBlock, slot uint32) uint32 {
	return physBlock*v.geom.BlockSize + slot*v.pageSize
}

// Read resolves logicalSec through the L2P table and reads its current
// page, or fills buf with 0xFF if unassigned.
func (v *Volume) Read(logicalSec uint32, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if logicalSec >= v.size {
		return ErrInvalidParam
	}
	phys := v.l2p.Get(int(logicalSec))
	if phys == v.l2p.Unassigned() {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}
	physBlock, slot := phys/v.secsPerBlock, phys%v.secsPerBlock
	_, _, _, err := v.readPage(physBlock, slot, buf)
	switch err {
	case nil, ErrEccCorrectable, ErrEccCriticalCorrectable:
		return nil
	default:
		return err
	}
}

// Write performs the sector write path of §4.2 steps 1-6.
func (v *Volume) Write(logicalSec uint32, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return ErrReadOnly
	}
	if logicalSec >= v.size {
		return ErrInvalidParam
	}
	return v.writeLocked(logicalSec, buf)
}

func (v *Volume) writeLocked(logicalSec uint32, buf []byte) error {
	logicalBlockIdx := logicalSec / v.secsPerBlock
	offsetInBlock := logicalSec % v.secsPerBlock

	ub, err := v.ensureUB(logicalBlockIdx, offsetInBlock)
	if err != nil {
		return err
	}

	if offsetInBlock != ub.nextFreeSlot && ub.kind == RoleSUB {
		if err := v.convertSUBtoRUB(logicalBlockIdx, ub); err != nil {
			return err
		}
	}

	slot := ub.nextFreeSlot
	generation := v.nextGeneration(logicalSec)
	if err := v.writePage(ub.physBlock, slot, buf, logicalSec, ub.seq, generation); err != nil {
		return err
	}
	v.l2p.Set(int(logicalSec), ub.physBlock*v.secsPerBlock+slot)
	ub.nextFreeSlot++
	v.dirtyMap.Set(int(logicalBlockIdx), 1)

	if ub.nextFreeSlot >= v.secsPerBlock {
		if err := v.mergeLogicalBlock(logicalBlockIdx); err != nil {
			return err
		}
	}
	if v.cfg.AutoSync {
		if err := v.foldMetadata(); err != nil {
			return err
		}
	}
	return nil
}

// nextGeneration returns one past the generation currently recorded for
// logicalSec, 0 if it has never been written.
func (v *Volume) nextGeneration(logicalSec uint32) uint32 {
	phys := v.l2p.Get(int(logicalSec))
	if phys == v.l2p.Unassigned() {
		return 0
	}
	physBlock, slot := phys/v.secsPerBlock, phys%v.secsPerBlock
	_, _, gen, err := v.readPage(physBlock, slot, make([]byte, v.secSize))
	if err != nil {
		return 0
	}
	return gen + 1
}

// ensureUB finds or allocates the update block owning logicalBlockIdx
// (§4.2 step 2).
func (v *Volume) ensureUB(logicalBlockIdx, offsetInBlock uint32) (*ubState, error) {
	if ub, ok := v.ubs[logicalBlockIdx]; ok {
		return ub, nil
	}
	if err := v.ensureFreeBlocks(); err != nil {
		return nil, err
	}
	blk, ok := v.pickFreeBlock()
	if !ok {
		return nil, ErrDevFull
	}
	kind := RoleRUB
	if offsetInBlock == 0 && !v.subPctExceeded() {
		kind = RoleSUB
	}
	v.roles[blk] = kind
	v.metaSeq++
	ub := &ubState{physBlock: blk, kind: kind, nextFreeSlot: 0, seq: v.metaSeq}
	v.ubs[logicalBlockIdx] = ub
	return ub, nil
}

func (v *Volume) subPctExceeded() bool {
	subCount := 0
	for _, r := range v.roles {
		if r == RoleSUB {
			subCount++
		}
	}
	return uint32(subCount*100) >= v.cfg.MaxSubPct*v.blockCount
}

func (v *Volume) convertSUBtoRUB(logicalBlockIdx uint32, ub *ubState) error {
	v.trace("nandftl: converting SUB to RUB", "logical_block", logicalBlockIdx)
	ub.kind = RoleRUB
	v.roles[ub.physBlock] = RoleRUB
	return nil
}

func (v *Volume) pickFreeBlock() (uint32, bool) {
	for b := uint32(0); b < v.blockCount; b++ {
		if v.roles[b] == RoleFree {
			return b, true
		}
	}
	return 0, false
}

func (v *Volume) countFreeBlocks() int {
	n := 0
	for _, r := range v.roles {
		if r == RoleFree {
			n++
		}
	}
	return n
}

// ensureFreeBlocks applies the merge/convert/pad triggers of §4.2's
// threshold table when free blocks run low.
func (v *Volume) ensureFreeBlocks() error {
	total := v.blockCount
	free := uint32(v.countFreeBlocks())
	if free > v.cfg.RsvdAvailBlkCnt {
		return nil
	}
	pct := free * 100 / total

	if pct < v.cfg.MergeRubPct {
		if lb, ok := v.oldestRUB(); ok {
			return v.mergeLogicalBlock(lb)
		}
	}
	if pct < v.cfg.ConvertSubPct {
		if lb, ok := v.quietestSUB(); ok {
			if ub := v.ubs[lb]; ub != nil {
				return v.convertSUBtoRUB(lb, ub)
			}
		}
	}
	if pct < v.cfg.PadSubPct {
		if lb, ok := v.quietestSUB(); ok {
			return v.padAndMerge(lb)
		}
	}
	if free == 0 {
		return ErrDevFull
	}
	return nil
}

func (v *Volume) oldestRUB() (uint32, bool) {
	var best uint32
	bestSeq := ^uint32(0)
	found := false
	for lb, ub := range v.ubs {
		if ub.kind == RoleRUB && ub.seq < bestSeq {
			bestSeq = ub.seq
			best = lb
			found = true
		}
	}
	return best, found
}

func (v *Volume) quietestSUB() (uint32, bool) {
	var best uint32
	bestSeq := ^uint32(0)
	found := false
	for lb, ub := range v.ubs {
		if ub.kind == RoleSUB && ub.seq < bestSeq {
			bestSeq = ub.seq
			best = lb
			found = true
		}
	}
	return best, found
}

// padAndMerge fills the remainder of a SUB with copies of the
// corresponding data block's current pages, then merges it, matching
// §4.2's "pad SUB with copied pages to completion" trigger.
func (v *Volume) padAndMerge(logicalBlockIdx uint32) error {
	ub := v.ubs[logicalBlockIdx]
	if ub == nil {
		return nil
	}
	payload := v.bufPool.Get()
	defer v.bufPool.Put(payload)
	for offset := ub.nextFreeSlot; offset < v.secsPerBlock; offset++ {
		logicalSec := logicalBlockIdx*v.secsPerBlock + offset
		if err := v.readLogicalUnlocked(logicalSec, payload); err != nil {
			return err
		}
		gen := v.nextGeneration(logicalSec)
		if err := v.writePage(ub.physBlock, offset, payload, logicalSec, ub.seq, gen); err != nil {
			return err
		}
		v.l2p.Set(int(logicalSec), ub.physBlock*v.secsPerBlock+offset)
	}
	ub.nextFreeSlot = v.secsPerBlock
	return v.mergeLogicalBlock(logicalBlockIdx)
}

func (v *Volume) readLogicalUnlocked(logicalSec uint32, buf []byte) error {
	phys := v.l2p.Get(int(logicalSec))
	if phys == v.l2p.Unassigned() {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}
	physBlock, slot := phys/v.secsPerBlock, phys%v.secsPerBlock
	_, _, _, err := v.readPage(physBlock, slot, buf)
	if err == ErrEccCorrectable || err == ErrEccCriticalCorrectable {
		return nil
	}
	return err
}

// mergeLogicalBlock allocates a fresh data block, copies every logical
// sector of logicalBlockIdx's current state into it, then frees the
// old data block and UB (§4.2 "Merge UB → data block").
func (v *Volume) mergeLogicalBlock(logicalBlockIdx uint32) error {
	v.trace("nandftl: merging logical block", "logical_block", logicalBlockIdx)
	newBlock, ok := v.pickFreeBlock()
	if !ok {
		return ErrDevFull
	}
	v.roles[newBlock] = RoleData

	payload := v.bufPool.Get()
	defer v.bufPool.Put(payload)
	for offset := uint32(0); offset < v.secsPerBlock; offset++ {
		logicalSec := logicalBlockIdx*v.secsPerBlock + offset
		if err := v.readLogicalUnlocked(logicalSec, payload); err != nil {
			return err
		}
		if err := v.writePage(newBlock, offset, payload, logicalSec, 0, 0); err != nil {
			return err
		}
		v.l2p.Set(int(logicalSec), newBlock*v.secsPerBlock+offset)
	}

	if ub, ok := v.ubs[logicalBlockIdx]; ok {
		if err := v.dev.EraseBlock(ub.physBlock*v.geom.BlockSize, v.geom.BlockSize); err != nil {
			return err
		}
		v.roles[ub.physBlock] = RoleFree
		delete(v.ubs, logicalBlockIdx)
	}
	if old := v.dataBlock[logicalBlockIdx]; old != sentinelBlock {
		if err := v.dev.EraseBlock(old*v.geom.BlockSize, v.geom.BlockSize); err != nil {
			return err
		}
		v.roles[old] = RoleFree
	}
	v.dataBlock[logicalBlockIdx] = newBlock
	v.dirtyMap.Set(int(logicalBlockIdx), 0)
	return nil
}
