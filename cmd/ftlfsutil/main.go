// Command ftlfsutil is a host-side front end for this module: format a
// disk image, mount it, and move files in and out, the way a real
// target would only ever do through its own application code.
//
// Grounded on dsoprea/go-exfat's cmd/ front ends (single jessevdk/go-flags
// parser per concern, required/short/long tags), generalized here into
// one binary with go-flags subcommands instead of several binaries.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/embeddedflash/ftlfs/fat"
	"github.com/embeddedflash/ftlfs/ftlfs"
	"github.com/embeddedflash/ftlfs/internal/bch"
	"github.com/embeddedflash/ftlfs/nandftl"
	"github.com/embeddedflash/ftlfs/norftl"
	"github.com/embeddedflash/ftlfs/phydev"
	"github.com/embeddedflash/ftlfs/phydev/filedev"
)

// deviceFlags is embedded by every subcommand that needs to open an
// image: which kind of FTL backs it and the geometry used to open (or,
// for format, first create) the backing file.
type deviceFlags struct {
	Image      string `long:"image" description:"Path to the flash image file" required:"true"`
	Type       string `long:"type" description:"FTL type: nor or nand" default:"nor" choice:"nor" choice:"nand"`
	Blocks     uint32 `long:"blocks" description:"Block count" default:"256"`
	BlockSize  uint32 `long:"block-size" description:"Block size in bytes" default:"65536"`
	SectorSize uint32 `long:"sector-size" description:"Logical sector size in bytes" default:"512"`
	JournalSec uint32 `long:"journal-sectors" description:"Sectors reserved for the metadata journal" default:"64"`
}

func (d *deviceFlags) geometry() phydev.Geometry {
	return phydev.Geometry{BlockCount: d.Blocks, BlockSize: d.BlockSize}
}

// openVolume opens (but does not format) the image and mounts the
// chosen FTL over it, returning a ftlfs.Volume ready for ftlfs.Mount.
func (d *deviceFlags) openVolume() (ftlfs.Volume, func() error, error) {
	dev, err := filedev.Open(d.Image, d.geometry())
	if err != nil {
		return nil, nil, err
	}
	switch d.Type {
	case "nand":
		v, err := nandftl.Open(dev, nandftl.Config{SectorSize: d.SectorSize, ECC: bch.Software{}})
		if err != nil {
			dev.Close()
			return nil, nil, err
		}
		return v, dev.Close, nil
	default:
		v, err := norftl.Open(dev, phydev.NewHostExecutor(), norftl.Config{SectorSize: d.SectorSize})
		if err != nil {
			dev.Close()
			return nil, nil, err
		}
		return v, dev.Close, nil
	}
}

type formatCmd struct {
	deviceFlags
	Label       string `long:"label" description:"Volume label" default:"ftlfs"`
	ClusterSize int    `long:"cluster-size" description:"Sectors per FAT cluster, 0 picks the default"`
}

func (c *formatCmd) Execute(args []string) error {
	dev, err := filedev.Open(c.Image, c.geometry())
	if err != nil {
		return err
	}
	defer dev.Close()

	switch c.Type {
	case "nand":
		if err := nandftl.Format(dev, nandftl.Config{SectorSize: c.SectorSize, ECC: bch.Software{}}); err != nil {
			return fmt.Errorf("low-level NAND format: %w", err)
		}
	default:
		if err := norftl.Format(dev, norftl.Config{SectorSize: c.SectorSize}); err != nil {
			return fmt.Errorf("low-level NOR format: %w", err)
		}
	}

	vol, closeDev, err := c.deviceFlags.openVolume()
	if err != nil {
		return err
	}
	defer closeDev()

	fcfg := ftlfs.Config{JournalSectors: c.JournalSec, Label: c.Label, ClusterSize: c.ClusterSize}
	if err := ftlfs.Format(vol, fcfg); err != nil {
		return fmt.Errorf("formatting FAT32 volume: %w", err)
	}
	fmt.Printf("formatted %s (%s, %d blocks x %d bytes)\n", c.Image, c.Type, c.Blocks, c.BlockSize)
	return nil
}

type mountedCmd struct {
	deviceFlags
}

func (c *mountedCmd) mount() (*ftlfs.Filesystem, func() error, error) {
	vol, closeDev, err := c.deviceFlags.openVolume()
	if err != nil {
		return nil, nil, err
	}
	fsys, err := ftlfs.Mount(vol, ftlfs.Config{JournalSectors: c.JournalSec})
	if err != nil {
		closeDev()
		return nil, nil, err
	}
	return fsys, closeDev, nil
}

type infoCmd struct {
	mountedCmd
}

func (c *infoCmd) Execute(args []string) error {
	fsys, closeDev, err := c.mount()
	if err != nil {
		return err
	}
	defer closeDev()
	defer fsys.Close()

	var dir fat.Dir
	if err := fsys.FS.OpenDir(&dir, "/"); err != nil {
		return fmt.Errorf("opening root directory: %w", err)
	}
	count := 0
	err = dir.ForEachFile(func(fi *fat.FileInfo) error {
		count++
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d entries at root\n", c.Image, c.Type, count)
	return nil
}

type lsCmd struct {
	mountedCmd
	Path string `long:"path" description:"Directory to list" default:"/"`
}

func (c *lsCmd) Execute(args []string) error {
	fsys, closeDev, err := c.mount()
	if err != nil {
		return err
	}
	defer closeDev()
	defer fsys.Close()

	var dir fat.Dir
	if err := fsys.FS.OpenDir(&dir, c.Path); err != nil {
		return fmt.Errorf("opening %s: %w", c.Path, err)
	}
	return dir.ForEachFile(func(fi *fat.FileInfo) error {
		kind := "-"
		if fi.IsDir() {
			kind = "d"
		}
		fmt.Printf("%s %10d %s %s\n", kind, fi.Size(), fi.ModTime().Format("2006-01-02 15:04"), fi.Name())
		return nil
	})
}

type catCmd struct {
	mountedCmd
	Path string `long:"path" description:"File to print to stdout" required:"true"`
}

func (c *catCmd) Execute(args []string) error {
	fsys, closeDev, err := c.mount()
	if err != nil {
		return err
	}
	defer closeDev()
	defer fsys.Close()

	var fp fat.File
	if err := fsys.FS.OpenFile(&fp, c.Path, fat.ModeRead); err != nil {
		return fmt.Errorf("opening %s: %w", c.Path, err)
	}
	defer fp.Close()
	_, err = io.Copy(os.Stdout, &fp)
	return err
}

type putCmd struct {
	mountedCmd
	Path string `long:"path" description:"Destination path on the volume" required:"true"`
	Src  string `long:"src" description:"Local source file" required:"true"`
}

func (c *putCmd) Execute(args []string) error {
	src, err := os.Open(c.Src)
	if err != nil {
		return err
	}
	defer src.Close()

	fsys, closeDev, err := c.mount()
	if err != nil {
		return err
	}
	defer closeDev()
	defer fsys.Close()

	var fp fat.File
	if err := fsys.FS.OpenFile(&fp, c.Path, fat.ModeCreateAlways|fat.ModeWrite); err != nil {
		return fmt.Errorf("creating %s: %w", c.Path, err)
	}
	if _, err := io.Copy(&fp, src); err != nil {
		fp.Close()
		return err
	}
	if err := fp.Close(); err != nil {
		return err
	}
	return fsys.Sync()
}

type rmCmd struct {
	mountedCmd
	Path string `long:"path" description:"File or directory entry to remove (a directory's contents are not checked)" required:"true"`
}

func (c *rmCmd) Execute(args []string) error {
	fsys, closeDev, err := c.mount()
	if err != nil {
		return err
	}
	defer closeDev()
	defer fsys.Close()

	if err := fsys.FS.Remove(c.Path); err != nil {
		return fmt.Errorf("removing %s: %w", c.Path, err)
	}
	return fsys.Sync()
}

type truncateCmd struct {
	mountedCmd
	Path string `long:"path" description:"File to truncate" required:"true"`
	Size int64  `long:"size" description:"New size in bytes, must not exceed the current size" default:"0"`
}

func (c *truncateCmd) Execute(args []string) error {
	fsys, closeDev, err := c.mount()
	if err != nil {
		return err
	}
	defer closeDev()
	defer fsys.Close()

	var fp fat.File
	if err := fsys.FS.OpenFile(&fp, c.Path, fat.ModeWrite); err != nil {
		return fmt.Errorf("opening %s: %w", c.Path, err)
	}
	if err := fp.Truncate(c.Size); err != nil {
		fp.Close()
		return fmt.Errorf("truncating %s: %w", c.Path, err)
	}
	if err := fp.Close(); err != nil {
		return err
	}
	return fsys.Sync()
}

// globalOpts holds no flags of its own; every option lives on a
// subcommand. go-flags still wants a non-nil root struct to parse into.
type globalOpts struct{}

func main() {
	parser := flags.NewParser(&globalOpts{}, flags.Default)
	mustCommand(parser, "format", "Low-format the image and lay down a fresh FAT32 volume", &formatCmd{})
	mustCommand(parser, "info", "Print a summary of the mounted volume", &infoCmd{})
	mustCommand(parser, "ls", "List a directory", &lsCmd{})
	mustCommand(parser, "cat", "Print a file's contents to stdout", &catCmd{})
	mustCommand(parser, "put", "Copy a local file onto the volume", &putCmd{})
	mustCommand(parser, "rm", "Remove a file or directory entry", &rmCmd{})
	mustCommand(parser, "truncate", "Resize a file down to the given size", &truncateCmd{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustCommand(parser *flags.Parser, name, short string, data any) {
	if _, err := parser.AddCommand(name, short, short, data); err != nil {
		panic(err)
	}
}
