// Package phydevtest provides an in-memory phydev.Device fake for tests,
// generalized from soypat/fat's vfs_test.go BlockMap: a
// map-backed block store with read/write/erase, extended here with
// crash-injection hooks so norftl/nandftl tests can exercise the
// testable properties of §8 (power loss mid-write, mid-erase).
package phydevtest

import (
	"fmt"

	"github.com/embeddedflash/ftlfs/phydev"
)

// MemDevice is a byte-addressed in-memory flash fake. Erased bytes read
// as 0xFF; EraseBlock resets a region to 0xFF.
type MemDevice struct {
	geom phydev.Geometry
	data []byte

	// CrashAfter, when > 0, causes the device to stop accepting writes
	// after that many successful Write/EraseBlock calls, simulating a
	// power failure mid-sequence (§8 scenarios 1-3). Reads still succeed
	// against whatever was durably written so far.
	CrashAfter int
	writeCount int
	crashed    bool

	badBlocks map[uint32]bool
}

// New creates a fully-erased MemDevice with the given geometry.
func New(geom phydev.Geometry) *MemDevice {
	d := &MemDevice{
		geom:      geom,
		data:      make([]byte, geom.BlockCount*geom.BlockSize),
		badBlocks: make(map[uint32]bool),
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

func (d *MemDevice) Open() (phydev.Geometry, error) { return d.geom, nil }
func (d *MemDevice) Close() error                   { return nil }

func (d *MemDevice) Read(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(d.data) {
		return fmt.Errorf("phydevtest: read out of range: addr=%d len=%d", addr, len(buf))
	}
	copy(buf, d.data[addr:int(addr)+len(buf)])
	return nil
}

func (d *MemDevice) Write(addr uint32, buf []byte) error {
	if d.crashed {
		return phydev.ErrDevIo
	}
	if int(addr)+len(buf) > len(d.data) {
		return fmt.Errorf("phydevtest: write out of range: addr=%d len=%d", addr, len(buf))
	}
	blk := addr / d.geom.BlockSize
	if d.badBlocks[blk] {
		return phydev.ErrDevIo
	}
	// NOR/NAND program-over-erased semantics: a program can only clear
	// bits, never set them, modeled here with a bitwise AND.
	for i, b := range buf {
		d.data[int(addr)+i] &= b
	}
	d.writeCount++
	if d.CrashAfter > 0 && d.writeCount >= d.CrashAfter {
		d.crashed = true
	}
	return nil
}

func (d *MemDevice) EraseBlock(addr uint32, size uint32) error {
	if d.crashed {
		return phydev.ErrDevIo
	}
	if int(addr)+int(size) > len(d.data) {
		return fmt.Errorf("phydevtest: erase out of range: addr=%d size=%d", addr, size)
	}
	blk := addr / d.geom.BlockSize
	if d.badBlocks[blk] {
		return phydev.ErrDevIo
	}
	for i := int(addr); i < int(addr)+int(size); i++ {
		d.data[i] = 0xFF
	}
	d.writeCount++
	if d.CrashAfter > 0 && d.writeCount >= d.CrashAfter {
		d.crashed = true
	}
	return nil
}

func (d *MemDevice) IOCtl(cmd phydev.IOCtlCmd, arg any) (any, error) {
	switch cmd {
	case phydev.CmdBadBlkQuery:
		blk, _ := arg.(uint32)
		return d.badBlocks[blk], nil
	default:
		return nil, phydev.ErrNotSupported
	}
}

// MarkBad flags a block so that Write and EraseBlock on it fail with
// ErrDevIo, for testing bad-block handling paths. Reads are not affected.
func (d *MemDevice) MarkBad(blk uint32) { d.badBlocks[blk] = true }

// Crashed reports whether the simulated power loss has occurred.
func (d *MemDevice) Crashed() bool { return d.crashed }

// Reset clears the crash/write-count state without erasing content, to
// simulate a power-cycle followed by remount.
func (d *MemDevice) Reset() {
	d.crashed = false
	d.writeCount = 0
}
