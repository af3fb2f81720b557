// Package ftlfs wires the pieces of this module into one mountable
// filesystem: a phydev.Device-backed FTL (norftl or nandftl) provides
// the logical sector array, a reserved low range of that array backs a
// journal.Journal, and the rest backs a fat.FS through a
// fat.BlockDevice adapter built on sectorcache.Cache (§4.3/§4.4).
//
// Grounded the same way the rest of this module is, on soypat/fat's
// vfs_test.go BlockMap/BlockByteSlice adapters (fat/vfs_test.go),
// generalized from an in-memory slice to the FTL Volume contract.
package ftlfs

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/embeddedflash/ftlfs/fat"
	"github.com/embeddedflash/ftlfs/journal"
	"github.com/embeddedflash/ftlfs/sectorcache"
)

// Volume is the logical sector array either FTL presents.
type Volume interface {
	Read(sector uint32, buf []byte) error
	Write(sector uint32, buf []byte) error
	SectorSize() uint32
	Size() uint32
}

// Releaser is implemented by FTLs that support an explicit trim/release
// of a logical sector (norftl.Volume). Optional: EraseBlocks is a no-op
// on a Volume that doesn't implement it (e.g. nandftl, which always
// folds stale pages away during merge regardless of an explicit trim).
type Releaser interface {
	Release(sector uint32) error
}

// regionView offsets a Volume by a fixed sector count, letting the
// journal and the FAT block device share one underlying Volume without
// colliding addresses.
type regionView struct {
	vol   Volume
	base  uint32
	count uint32
}

func (r regionView) SectorSize() uint32 { return r.vol.SectorSize() }

func (r regionView) Read(sector uint32, buf []byte) error {
	if sector >= r.count {
		return fmt.Errorf("ftlfs: region read out of range: sector=%d count=%d", sector, r.count)
	}
	return r.vol.Read(r.base+sector, buf)
}

func (r regionView) Write(sector uint32, buf []byte) error {
	if sector >= r.count {
		return fmt.Errorf("ftlfs: region write out of range: sector=%d count=%d", sector, r.count)
	}
	return r.vol.Write(r.base+sector, buf)
}

// blockDevice adapts a Volume region to fat.BlockDevice. Single-sector
// transfers go through a sectorcache.Cache window; multi-sector
// transfers (directory/FAT table scans, file I/O spanning clusters) go
// straight to the Volume and invalidate the cache so it can't serve a
// stale sector afterward.
type blockDevice struct {
	region regionView
	cache  *sectorcache.Cache
}

func newBlockDevice(region regionView) *blockDevice {
	return &blockDevice{region: region, cache: sectorcache.New(region)}
}

func (b *blockDevice) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	ss := int(b.region.SectorSize())
	if len(dst) == ss {
		if err := b.cache.Move(uint32(startBlock)); err != nil {
			return 0, err
		}
		copy(dst, b.cache.Buf())
		return len(dst), nil
	}
	b.cache.Invalidate()
	n := len(dst) / ss
	for i := 0; i < n; i++ {
		if err := b.region.Read(uint32(startBlock)+uint32(i), dst[i*ss:(i+1)*ss]); err != nil {
			return i * ss, err
		}
	}
	return n * ss, nil
}

func (b *blockDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	ss := int(b.region.SectorSize())
	if len(data) == ss {
		if err := b.cache.Move(uint32(startBlock)); err != nil {
			return 0, err
		}
		copy(b.cache.Buf(), data)
		b.cache.MarkDirty()
		if err := b.cache.Flush(); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	b.cache.Invalidate()
	n := len(data) / ss
	for i := 0; i < n; i++ {
		if err := b.region.Write(uint32(startBlock)+uint32(i), data[i*ss:(i+1)*ss]); err != nil {
			return i * ss, err
		}
	}
	return n * ss, nil
}

func (b *blockDevice) EraseBlocks(startBlock, numBlocks int64) error {
	releaser, ok := b.region.vol.(Releaser)
	if !ok {
		return nil
	}
	b.cache.Invalidate()
	for i := int64(0); i < numBlocks; i++ {
		if err := releaser.Release(b.region.base + uint32(startBlock+i)); err != nil {
			return err
		}
	}
	return nil
}

// Config configures a mounted Filesystem.
type Config struct {
	// JournalSectors is how many of the Volume's leading sectors are set
	// aside for the metadata journal. Must be large enough to hold a
	// handful of records (§4.3); 64 sectors comfortably covers typical
	// directory-operation bursts at 512-byte sectors.
	JournalSectors uint32
	Mode           fat.Mode
	Log            *slog.Logger

	// Label and ClusterSize are forwarded to fat.FormatConfig by Format.
	// ClusterSize is in sectors; 0 picks fat's own default (8 sectors).
	// Both are ignored by Mount.
	Label       string
	ClusterSize int
}

// Filesystem bundles a mounted fat.FS with the journal guarding its
// metadata operations.
type Filesystem struct {
	FS      fat.FS
	journal *journal.Journal
	bd      *blockDevice
	log     *slog.Logger
}

// Format lays down a fresh journal and FAT32 volume across vol.
func Format(vol Volume, cfg Config) error {
	if cfg.JournalSectors == 0 {
		return errors.New("ftlfs: JournalSectors must be > 0")
	}
	if cfg.JournalSectors >= vol.Size() {
		return errors.New("ftlfs: JournalSectors leaves no room for the FAT volume")
	}
	jr := regionView{vol: vol, base: 0, count: cfg.JournalSectors}
	if err := journal.Format(jr, cfg.JournalSectors); err != nil {
		return fmt.Errorf("ftlfs: formatting journal: %w", err)
	}

	dataRegion := regionView{vol: vol, base: cfg.JournalSectors, count: vol.Size() - cfg.JournalSectors}
	bd := newBlockDevice(dataRegion)
	var f fat.Formatter
	err := f.Format(bd, int(vol.SectorSize()), int(dataRegion.count), fat.FormatConfig{
		Format:      fat.FormatFAT32,
		Label:       cfg.Label,
		ClusterSize: cfg.ClusterSize,
	})
	if err != nil {
		return fmt.Errorf("ftlfs: formatting FAT volume: %w", err)
	}
	return nil
}

// Mount opens the journal (replaying it if a prior session left it
// dirty) and mounts the FAT volume over the remaining sectors.
func Mount(vol Volume, cfg Config) (*Filesystem, error) {
	if cfg.JournalSectors == 0 {
		return nil, errors.New("ftlfs: JournalSectors must be > 0")
	}
	if cfg.Mode == 0 {
		cfg.Mode = fat.ModeRW
	}
	jr := regionView{vol: vol, base: 0, count: cfg.JournalSectors}
	j, err := journal.Open(jr, cfg.JournalSectors)
	if err != nil {
		return nil, fmt.Errorf("ftlfs: opening journal: %w", err)
	}

	dataRegion := regionView{vol: vol, base: cfg.JournalSectors, count: vol.Size() - cfg.JournalSectors}
	bd := newBlockDevice(dataRegion)

	fsys := &Filesystem{journal: j, bd: bd, log: cfg.Log}

	if j.NeedsReplay() {
		if err := j.Replay(fsys.applyRecoveryRecord); err != nil {
			return nil, fmt.Errorf("ftlfs: replaying journal: %w", err)
		}
	}
	if err := j.Start(); err != nil {
		return nil, fmt.Errorf("ftlfs: starting journal: %w", err)
	}

	if err := fsys.FS.Mount(bd, int(vol.SectorSize()), cfg.Mode); err != nil {
		return nil, fmt.Errorf("ftlfs: mounting FAT volume: %w", err)
	}
	// Every cluster-chain and directory-entry mutation fsys.FS makes from
	// here on appends a record before it commits (§4.3); read-only mounts
	// still attach it since a read-only fat.FS never calls journalAppend.
	fsys.FS.SetJournal(j)
	return fsys, nil
}

// applyRecoveryRecord implements §4.3's crash-recovery rule: an
// EntryUpdate record carries the directory region's before-image, so an
// incomplete operation (one the journal never got to mark Complete) is
// undone by writing that image back. The cluster-chain and entry-create
// record kinds carry no before-image — a reader can use them to see
// what was in flight, but there is nothing to write back, since
// SPEC_FULL.md's journal is a metadata-consistency log, not a full
// block-level undo log for cluster content.
func (fsys *Filesystem) applyRecoveryRecord(r journal.Record) error {
	switch r.Kind {
	case journal.KindEntryUpdate:
		upd, err := journal.DecodeEntryUpdate(r.Payload)
		if err != nil {
			return err
		}
		ss := int(fsys.bd.region.SectorSize())
		nSectors := int(upd.DirEndPos-upd.DirStartPos) + 1
		if len(upd.BeforeImage) != nSectors*ss {
			return fmt.Errorf("ftlfs: recovery: before-image size mismatch")
		}
		for i := 0; i < nSectors; i++ {
			sec := upd.DirStartPos + uint32(i)
			if err := fsys.bd.region.Write(sec, upd.BeforeImage[i*ss:(i+1)*ss]); err != nil {
				return err
			}
		}
		fsys.trace("ftlfs: recovery undid incomplete directory update", "dir_start", upd.DirStartPos, "dir_end", upd.DirEndPos)
	default:
		fsys.trace("ftlfs: recovery observed in-flight record with no undo image", "kind", r.Kind)
	}
	return nil
}

func (fsys *Filesystem) trace(msg string, args ...any) {
	if fsys.log != nil {
		fsys.log.Debug(msg, args...)
	}
}

// Sync marks the journal's current action complete (head catches up to
// tail). It does not flush the FAT volume's windows itself.
func (fsys *Filesystem) Sync() error {
	return fsys.journal.Complete()
}

// Close stops the journal. The caller is responsible for closing the
// underlying phydev.Device/Volume separately.
func (fsys *Filesystem) Close() error {
	return fsys.journal.Stop()
}
