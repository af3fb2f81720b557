package nandftl

import (
	"encoding/binary"

	"github.com/embeddedflash/ftlfs/phydev"
)

// encodePageHeader writes the out-of-payload header: logical sector
// number, owning UB's sequence number, and a per-sector generation
// counter (§4.2 "Page-header protection").
func encodePageHeader(buf []byte, logicalSec, ubSeq, generation uint32) {
	_ = buf[:pageHeaderSize]
	binary.LittleEndian.PutUint32(buf[0:], logicalSec)
	binary.LittleEndian.PutUint32(buf[4:], ubSeq)
	binary.LittleEndian.PutUint32(buf[8:], generation)
}

func decodePageHeader(buf []byte) (logicalSec, ubSeq, generation uint32) {
	logicalSec = binary.LittleEndian.Uint32(buf[0:])
	ubSeq = binary.LittleEndian.Uint32(buf[4:])
	generation = binary.LittleEndian.Uint32(buf[8:])
	return
}

// readPage reads payload, header and ECC for the page at (physBlock,
// slot), verifying ECC. An uncorrectable outcome is retried up to
// MaxRdRetries times before giving up; a correctable-but-high-error-count
// outcome returns ErrEccCriticalCorrectable at once, without a retry or
// a rewrite of the page.
func (v *Volume) readPage(physBlock, slot uint32, payload []byte) (logicalSec, ubSeq, generation uint32, err error) {
	addr := v.pageAddr(physBlock, slot)
	hdr := make([]byte, pageHeaderSize)
	eccSize := v.pageSize - v.secSize - pageHeaderSize
	ecc := make([]byte, eccSize)

	var lastOutcome phydev.ECCOutcome
	for attempt := 0; attempt <= v.cfg.MaxRdRetries; attempt++ {
		if err := v.dev.Read(addr, payload[:v.secSize]); err != nil {
			return 0, 0, 0, err
		}
		if err := v.dev.Read(addr+v.secSize, hdr); err != nil {
			return 0, 0, 0, err
		}
		if err := v.dev.Read(addr+v.secSize+pageHeaderSize, ecc); err != nil {
			return 0, 0, 0, err
		}
		if v.ecc == nil {
			logicalSec, ubSeq, generation = decodePageHeader(hdr)
			return logicalSec, ubSeq, generation, nil
		}
		outcome, verr := v.ecc.Verify(0, payload[:v.secSize], hdr, ecc)
		if verr != nil {
			return 0, 0, 0, verr
		}
		lastOutcome = outcome
		switch outcome {
		case phydev.ECCOk:
			logicalSec, ubSeq, generation = decodePageHeader(hdr)
			return logicalSec, ubSeq, generation, nil
		case phydev.ECCCorrectableLow:
			logicalSec, ubSeq, generation = decodePageHeader(hdr)
			v.trace("nandftl: correctable ECC on read", "block", physBlock, "slot", slot)
			return logicalSec, ubSeq, generation, ErrEccCorrectable
		case phydev.ECCCorrectableCritical:
			logicalSec, ubSeq, generation = decodePageHeader(hdr)
			v.trace("nandftl: high-error-count correctable ECC, refresh needed", "block", physBlock, "slot", slot)
			return logicalSec, ubSeq, generation, ErrEccCriticalCorrectable
		}
		// ECCUncorrectable: retry.
	}
	_ = lastOutcome
	v.logerror("nandftl: uncorrectable ECC after retries", "block", physBlock, "slot", slot)
	return 0, 0, 0, ErrEccUncorrectable
}

// writePage programs a page's payload, header and ECC.
func (v *Volume) writePage(physBlock, slot uint32, payload []byte, logicalSec, ubSeq, generation uint32) error {
	addr := v.pageAddr(physBlock, slot)
	if err := v.dev.Write(addr, payload[:v.secSize]); err != nil {
		return err
	}
	hdr := make([]byte, pageHeaderSize)
	encodePageHeader(hdr, logicalSec, ubSeq, generation)
	if err := v.dev.Write(addr+v.secSize, hdr); err != nil {
		return err
	}
	if v.ecc != nil {
		ecc, err := v.ecc.Calc(0, payload[:v.secSize], hdr)
		if err != nil {
			return err
		}
		if err := v.dev.Write(addr+v.secSize+pageHeaderSize, ecc); err != nil {
			return err
		}
	}
	return nil
}
