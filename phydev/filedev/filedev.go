// Package filedev backs a phydev.Device with an ordinary OS file, the
// way host-side flash tooling usually stands in for real media: a disk
// image on the local filesystem instead of a memory-mapped controller.
//
// Grounded the same way phydevtest.MemDevice is (soypat/fat's
// vfs_test.go BlockMap), but trading the in-memory byte slice for
// direct os.File ReadAt/WriteAt calls so cmd/ftlfsutil can operate on
// images too large to comfortably hold in RAM.
package filedev

import (
	"fmt"
	"io"
	"os"

	"github.com/embeddedflash/ftlfs/phydev"
)

// Device is a phydev.Device backed by a regular file. Program-over-erased
// semantics (a write can only clear bits, never set them) are modeled
// the same way phydevtest.MemDevice does, with a read-modify-write
// bitwise AND.
type Device struct {
	f    *os.File
	geom phydev.Geometry
}

// Open opens (creating if needed) the image at path, sized to geom; a
// freshly created image is filled with 0xFF, flash's erased state.
func Open(path string, geom phydev.Geometry) (*Device, error) {
	wantSize := int64(geom.BlockCount) * int64(geom.BlockSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("filedev: opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := fillErased(f, wantSize); err != nil {
			f.Close()
			return nil, err
		}
	} else if info.Size() != wantSize {
		f.Close()
		return nil, fmt.Errorf("filedev: %s is %d bytes, want %d for the given geometry", path, info.Size(), wantSize)
	}
	return &Device{f: f, geom: geom}, nil
}

func fillErased(f *os.File, size int64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for i := range buf {
		buf[i] = 0xFF
	}
	for off := int64(0); off < size; off += chunk {
		n := chunk
		if rem := size - off; rem < int64(n) {
			n = int(rem)
		}
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) Open() (phydev.Geometry, error) { return d.geom, nil }

func (d *Device) Close() error { return d.f.Close() }

func (d *Device) Read(addr uint32, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(addr))
	if err != nil && err != io.EOF {
		return fmt.Errorf("filedev: read at %d: %w", addr, err)
	}
	return nil
}

func (d *Device) Write(addr uint32, buf []byte) error {
	cur := make([]byte, len(buf))
	if _, err := d.f.ReadAt(cur, int64(addr)); err != nil && err != io.EOF {
		return fmt.Errorf("filedev: write read-modify at %d: %w", addr, err)
	}
	for i, b := range buf {
		cur[i] &= b
	}
	if _, err := d.f.WriteAt(cur, int64(addr)); err != nil {
		return fmt.Errorf("filedev: write at %d: %w", addr, err)
	}
	return nil
}

func (d *Device) EraseBlock(addr uint32, size uint32) error {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	if _, err := d.f.WriteAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("filedev: erase at %d: %w", addr, err)
	}
	return nil
}

func (d *Device) IOCtl(cmd phydev.IOCtlCmd, arg any) (any, error) {
	return nil, phydev.ErrNotSupported
}
