package fat

import (
	"encoding/binary"
	"errors"
)

type Format uint8

const (
	_FormatUnknown Format = iota
	FormatFAT12
	FormatFAT16
	FormatFAT32
	FormatExFAT
)

type Formatter struct {
	window     []byte
	windowaddr lba
	// block device is temporarily used by the formatter to read/write blocks.
	bd BlockDevice
}

type FormatConfig struct {
	Label string
	// ClusterSize is the size of a FAT cluster in blocks. 0 picks a
	// reasonable default (8 sectors/cluster).
	ClusterSize int
	// Format selects the FAT format to use. If not specified will use FAT32.
	Format Format
	// VolumeID is the 32-bit volume serial number stamped into the boot
	// sector. 0 picks a fixed default, since this module never runs on
	// bare metal with access to an RTC to seed one.
	VolumeID uint32
	// Number of reserved blocks for FAT tables. Either 1 or 2. 0 defaults to 2.
	// NumberOfFATs uint8
}

func (f *Formatter) Format(bd BlockDevice, blocksize, fsSizeInBlocks int, cfg FormatConfig) error {
	if cfg.Format == 0 {
		cfg.Format = FormatFAT32
	}
	if blocksize < 512 || fsSizeInBlocks <= 32 || bd == nil || cfg.Format != FormatFAT32 {
		return errors.New("invalid Format argument")
	}
	if len(f.window) < blocksize {
		f.window = make([]byte, blocksize)
	}
	if cfg.Label == "" {
		cfg.Label = "tinygo.unnamed"
	}
	f.windowaddr = ^lba(0)
	f.bd = bd

	switch cfg.Format {
	case FormatFAT12, FormatFAT16, FormatFAT32:
		return f.formatFAT(bd, blocksize, fsSizeInBlocks, cfg)
	case FormatExFAT:
		return frUnsupported
	default:
		return frUnsupported
	}
}

// formatFAT lays down a fresh FAT32 volume: boot sector (plus its backup),
// FSInfo (plus its backup), zeroed FAT tables with the three reserved
// entries set, and a zeroed one-cluster root directory. Layout mirrors
// what init_fat (§ mount_volume) expects to read back, and the reserved/
// backup sector placement follows the conventional mkfs.vfat layout
// (FSInfo at sector 1, backup boot sector at sector 6).
func (f *Formatter) formatFAT(bd BlockDevice, blocksize, fsSizeInBlocks int, cfg FormatConfig) error {
	const (
		reservedSectors  = 32
		numFATs          = 2
		backupBootSector = 6
		fsInfoSector     = 1
		fatEntrySize     = 4 // FAT32.
	)
	clusterSize := cfg.ClusterSize
	if clusterSize <= 0 {
		clusterSize = 8
	}
	totalSectors := uint32(fsSizeInBlocks)

	// Two-pass fixed point: FAT size depends on cluster count, which
	// depends on how many sectors the FATs themselves consume.
	fatSize := uint32(1)
	var clusterCount uint32
	for i := 0; i < 2; i++ {
		dataSectors := totalSectors - reservedSectors - numFATs*fatSize
		clusterCount = dataSectors / uint32(clusterSize)
		neededFATBytes := uint64(clusterCount+2) * fatEntrySize
		fatSize = uint32((neededFATBytes + uint64(blocksize) - 1) / uint64(blocksize))
	}
	if clusterCount < 2 {
		return errors.New("fat: volume too small to format")
	}
	if clusterCount <= clustMaxFAT16 {
		return errors.New("fat: volume too small for FAT32 (would format as FAT12/16)")
	}

	const rootCluster = 2
	fatBase := uint32(reservedSectors)
	dataBase := fatBase + numFATs*fatSize

	volID := cfg.VolumeID
	if volID == 0 {
		volID = 0x00000001
	}

	boot := make([]byte, blocksize)
	boot[bsJmpBoot] = 0xEB
	boot[bsJmpBoot+1] = 0x58
	boot[bsJmpBoot+2] = 0x90
	copy(boot[bsOEMName:], "MSWIN4.1")
	binary.LittleEndian.PutUint16(boot[bpbBytsPerSec:], uint16(blocksize))
	boot[bpbSecPerClus] = byte(clusterSize)
	binary.LittleEndian.PutUint16(boot[bpbRsvdSecCnt:], reservedSectors)
	boot[bpbNumFATs] = numFATs
	binary.LittleEndian.PutUint16(boot[bpbRootEntCnt:], 0) // FAT32: must be 0.
	binary.LittleEndian.PutUint16(boot[bpbTotSec16:], 0)
	boot[bpbMedia] = 0xF8
	binary.LittleEndian.PutUint16(boot[bpbFATSz16:], 0)
	binary.LittleEndian.PutUint32(boot[bpbHiddSec:], 0)
	binary.LittleEndian.PutUint32(boot[bpbTotSec32:], totalSectors)
	binary.LittleEndian.PutUint32(boot[bpbFATSz32:], fatSize)
	binary.LittleEndian.PutUint16(boot[bpbExtFlags32:], 0)
	binary.LittleEndian.PutUint16(boot[bpbFSVer32:], 0)
	binary.LittleEndian.PutUint32(boot[bpbRootClus32:], rootCluster)
	binary.LittleEndian.PutUint16(boot[bpbFSInfo32:], fsInfoSector)
	binary.LittleEndian.PutUint16(boot[bpbBkBootSec32:], backupBootSector)
	boot[bsDrvNum32] = 0x80
	boot[bsBootSig32] = 0x29
	binary.LittleEndian.PutUint32(boot[bsVolID32:], volID)
	copy(boot[bsVolLab32:], padLabel(cfg.Label, 11))
	copy(boot[bsFilSysType32:], "FAT32   ")
	binary.LittleEndian.PutUint16(boot[bs55AA:], 0xAA55)

	if err := f.writeSector(boot, 0); err != nil {
		return err
	}
	if err := f.writeSector(boot, int64(backupBootSector)); err != nil {
		return err
	}

	fsinfo := make([]byte, blocksize)
	binary.LittleEndian.PutUint32(fsinfo[fsiLeadSig:], 0x41615252)
	binary.LittleEndian.PutUint32(fsinfo[fsiStrucSig:], 0x61417272)
	binary.LittleEndian.PutUint32(fsinfo[fsiFree_Count:], clusterCount-1) // root cluster already allocated.
	binary.LittleEndian.PutUint32(fsinfo[fsiNxt_Free:], rootCluster+1)
	binary.LittleEndian.PutUint16(fsinfo[blocksize-2:], 0xAA55)
	if err := f.writeSector(fsinfo, fsInfoSector); err != nil {
		return err
	}
	if err := f.writeSector(fsinfo, int64(backupBootSector+fsInfoSector)); err != nil {
		return err
	}

	fat0 := make([]byte, blocksize)
	binary.LittleEndian.PutUint32(fat0[0:], 0x0FFFFFF8) // Entry 0: media descriptor in low byte.
	binary.LittleEndian.PutUint32(fat0[4:], 0x0FFFFFFF) // Entry 1: reserved, EOC.
	binary.LittleEndian.PutUint32(fat0[8:], 0x0FFFFFFF) // Entry 2: root directory, single cluster, EOC.
	zero := make([]byte, blocksize)
	for n := uint32(0); n < numFATs; n++ {
		base := int64(fatBase) + int64(n)*int64(fatSize)
		if err := f.writeSector(fat0, base); err != nil {
			return err
		}
		for s := uint32(1); s < fatSize; s++ {
			if err := f.writeSector(zero, base+int64(s)); err != nil {
				return err
			}
		}
	}

	for s := 0; s < clusterSize; s++ {
		if err := f.writeSector(zero, int64(dataBase)+int64(s)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Formatter) writeSector(buf []byte, sector int64) error {
	_, err := f.bd.WriteBlocks(buf, sector)
	return err
}

// padLabel truncates or space-pads s to exactly n bytes, the FAT volume
// label convention.
func padLabel(s string, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, s)
	return buf
}

func (f *Formatter) move_window(addr lba) error {
	if addr != f.windowaddr {
		if _, err := f.bd.ReadBlocks(f.window, int64(addr)); err != nil {
			return err
		}
		f.windowaddr = addr
	}
	return nil
}
