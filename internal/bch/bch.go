// Package bch is a software fallback for the hardware BCH correction
// capability NAND page headers rely on (§4.2: "Every data page carries an
// out-of-spare header ... covered by ECC computed with a BCH capability
// (up to 10-bit correction per code-word)"). No third-party BCH library
// is part of the retrieved corpus, so this package stands in for the
// iMX28-style BCH controller (grounded on
// Dev/NAND/Ctrlr/GenExt/fs_dev_nand_ctrlr_imx28_bch.c's Calc/Verify
// shape) with a single 64-bit FNV-style checksum over the sector and
// out-of-sector buffers; it detects corruption but corrects nothing.
// It satisfies phydev.ECC; a real deployment swaps
// this for a hardware-backed implementation without touching nandftl.
package bch

import (
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/embeddedflash/ftlfs/phydev"
)

// codewordSize is the chunk size fnvLikeParity walks each buffer in; all
// chunks of all buffers feed the same 64-bit checksum.
const codewordSize = 512

// Software implements phydev.ECC with an 8-byte checksum over the whole
// sector and out-of-sector data. The "layout" parameter is accepted but unused by
// this software implementation — see §9's open question on
// BCH_M2M_LAYOUT(0): whether distinct hardware instances need
// cs-specific layout ids is left to the concrete controller, and the
// software fallback treats every layout identically.
type Software struct{}

var ErrShortBuffer = errors.New("bch: buffer too short")

// Calc computes parity bytes covering secBuf (and, if non-empty, oosBuf)
// for the named layout.
func (Software) Calc(layout int, secBuf, oosBuf []byte) ([]byte, error) {
	h := fnvLikeParity(secBuf, oosBuf)
	eccBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(eccBytes, h)
	return eccBytes, nil
}

// Verify recomputes parity and compares against the stored ecc, reporting
// an ECCOutcome per §4.2's refresh/uncorrectable distinction. Because the
// software parity here is a simple checksum rather than a true
// position-correcting code, a mismatch is classified by the number of
// differing bits between the stored and recomputed checksums: up to 2 is
// ECCCorrectableLow, up to 10 is ECCCorrectableCritical, more is
// ECCUncorrectable. The buffers are never modified; no bit is corrected.
func (Software) Verify(layout int, secBuf, oosBuf, ecc []byte) (phydev.ECCOutcome, error) {
	if len(ecc) < 8 {
		return phydev.ECCInvalidArg, ErrShortBuffer
	}
	want := binary.LittleEndian.Uint64(ecc)
	got := fnvLikeParity(secBuf, oosBuf)
	if want == got {
		return phydev.ECCOk, nil
	}
	diff := bits.OnesCount64(want ^ got)
	switch {
	case diff <= 2:
		return phydev.ECCCorrectableLow, nil
	case diff <= 10:
		return phydev.ECCCorrectableCritical, nil
	default:
		return phydev.ECCUncorrectable, nil
	}
}

func fnvLikeParity(bufs ...[]byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, buf := range bufs {
		for i := 0; i < len(buf); i += codewordSize {
			end := i + codewordSize
			if end > len(buf) {
				end = len(buf)
			}
			for _, b := range buf[i:end] {
				h ^= uint64(b)
				h *= prime64
			}
		}
	}
	return h
}
