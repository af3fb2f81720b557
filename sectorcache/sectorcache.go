// Package sectorcache implements the single-buffer sector window of
// §4.4: one scratch buffer that tracks which logical sector it currently
// holds, lazily flushing on move and marking itself dirty on write,
// shared by the FAT core above either FTL.
//
// Grounded on soypat/fat's windowHandler (fat/sectors.go): a single
// [512]byte window moved across sectors with move/sync/flagAsModified,
// generalized here to an arbitrary sector size and to an injected
// Sectors interface instead of a concrete BlockDevice, and extended
// with mirrored-copy (redundant FAT) write-through.
package sectorcache

import "fmt"

// Sectors is the minimal read/write contract a Cache needs from the
// layer beneath it (a norftl.Volume or nandftl.Volume, or any other
// fixed-size logical sector array).
type Sectors interface {
	Read(sector uint32, buf []byte) error
	Write(sector uint32, buf []byte) error
	SectorSize() uint32
}

// Cache is a single-sector write-back window.
type Cache struct {
	dev Sectors

	sector  uint32
	valid   bool
	dirty   bool
	buf     []byte

	// Mirror, when non-zero, causes Flush to additionally write the
	// window to sector+Mirror (the redundant-FAT-copy idiom carried from
	// windowHandler's `reduntant`/`fatbase`/`fatsize` fields).
	Mirror uint32
}

// New creates a Cache backed by dev.
func New(dev Sectors) *Cache {
	return &Cache{dev: dev, buf: make([]byte, dev.SectorSize())}
}

// Move flushes the current window if dirty, then loads sector into it.
// Moving to the already-loaded sector is a no-op.
func (c *Cache) Move(sector uint32) error {
	if c.valid && c.sector == sector {
		return nil
	}
	if err := c.Flush(); err != nil {
		return err
	}
	if err := c.dev.Read(sector, c.buf); err != nil {
		c.valid = false
		return fmt.Errorf("sectorcache: reading sector %d: %w", sector, err)
	}
	c.sector = sector
	c.valid = true
	return nil
}

// Buf returns the live window buffer. Callers that mutate it must call
// MarkDirty.
func (c *Cache) Buf() []byte { return c.buf }

// MarkDirty flags the window as needing a write-back on the next Flush
// or Move.
func (c *Cache) MarkDirty() { c.dirty = true }

// Dirty reports whether the window has unflushed modifications.
func (c *Cache) Dirty() bool { return c.dirty }

// Sector returns the logical sector currently held, and whether the
// window holds a valid loaded sector at all.
func (c *Cache) Sector() (uint32, bool) { return c.sector, c.valid }

// Flush writes the window back if dirty, mirroring to Mirror+sector if
// configured.
func (c *Cache) Flush() error {
	if !c.dirty {
		return nil
	}
	if !c.valid {
		c.dirty = false
		return nil
	}
	if err := c.dev.Write(c.sector, c.buf); err != nil {
		return fmt.Errorf("sectorcache: writing sector %d: %w", c.sector, err)
	}
	if c.Mirror != 0 {
		if err := c.dev.Write(c.sector+c.Mirror, c.buf); err != nil {
			return fmt.Errorf("sectorcache: writing mirror sector %d: %w", c.sector+c.Mirror, err)
		}
	}
	c.dirty = false
	return nil
}

// Invalidate drops the window without flushing, for use after a replay
// or format that has made its contents stale.
func (c *Cache) Invalidate() {
	c.valid = false
	c.dirty = false
}
