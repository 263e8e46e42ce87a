// Copyright (c) 2025 Stefano Scafiti
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package ntfs

import (
	"github.com/sscafiti/blkclone/internal/bytesio"
	"github.com/sscafiti/blkclone/internal/errs"
)

// DataAttrType is the $DATA attribute type code. The driver assumes it is
// always 0x80, avoiding a chicken-and-egg dependency on $AttrDef (§4.3).
const DataAttrType = 0x80

// fixupFileRecord applies the Update Sequence Array fixups to an MFT FILE
// record read from disk, in place. The USA offset and entry count live at
// fixed offsets in the record header; each protected sector's last two bytes
// must match the USN and are replaced with the real saved bytes.
func fixupFileRecord(buf []byte, sectorSize uint32) error {
	if len(buf) < 4 || string(buf[0:4]) != "FILE" {
		return errs.New(errs.CorruptFilesystem, "MFT record has bad magic")
	}

	usaOffset := int(bytesio.U16(buf, 0x04))
	usaCount := int(bytesio.U16(buf, 0x06))
	if usaOffset+2 > len(buf) {
		return errs.New(errs.CorruptFilesystem, "MFT record USA offset out of range")
	}
	usn := bytesio.U16(buf, usaOffset)
	if usn == 0 {
		return errs.New(errs.CorruptFilesystem, "MFT record has zero USN")
	}

	src := usaOffset + 2
	tgt := int(sectorSize) - 2
	for i := 0; i < usaCount-1; i++ {
		if tgt+2 > len(buf) || src+2 > len(buf) {
			return errs.New(errs.CorruptFilesystem, "MFT record truncated during USA fixup")
		}
		if bytesio.U16(buf, tgt) != usn {
			return errs.New(errs.CorruptFilesystem, "MFT record USA fixup mismatch")
		}
		buf[tgt] = buf[src]
		buf[tgt+1] = buf[src+1]
		src += 2
		tgt += int(sectorSize)
	}
	return nil
}

// firstAttr returns the offset of the first attribute in rec, or -1 if rec
// does not carry the "FILE" magic.
func firstAttr(rec []byte) int {
	if len(rec) < 4 || string(rec[0:4]) != "FILE" {
		return -1
	}
	return int(bytesio.U16(rec, 0x14))
}

// nextAttr returns the offset of the attribute following the one at off, or
// -1 at the 0xFFFFFFFF terminator.
func nextAttr(rec []byte, off int) int {
	if off < 0 || off+4 > len(rec) {
		return -1
	}
	if bytesio.U32(rec, off) == 0xFFFFFFFF {
		return -1
	}
	return off + int(bytesio.U32(rec, off+0x04))
}

func attrType(rec []byte, off int) uint32 { return bytesio.U32(rec, off) }

// findUnnamedData returns the offset of the unnamed $DATA attribute in rec,
// or -1 if none is present.
func findUnnamedData(rec []byte) int {
	off := firstAttr(rec)
	for off >= 0 {
		if off+0x0A <= len(rec) && attrType(rec, off) == DataAttrType && rec[off+0x09] == 0 {
			return off
		}
		off = nextAttr(rec, off)
	}
	return -1
}

// attrIsNonResident reports whether the attribute at off is non-resident.
func attrIsNonResident(rec []byte, off int) bool { return rec[off+0x08] != 0 }

// residentAttr returns the (offset, length) of a resident attribute's inline
// value within rec.
func residentAttr(rec []byte, off int) (dataOff, length int) {
	length = int(bytesio.U32(rec, off+0x10))
	dataOff = off + int(bytesio.U16(rec, off+0x14))
	return
}

// nonResidentAttr returns the byte offset (within rec) of the attribute's
// runlist, and the attribute's real size in bytes.
func nonResidentAttr(rec []byte, off int) (runlistOff int, size uint64) {
	runlistOff = off + int(bytesio.U16(rec, off+0x20))
	size = bytesio.U64(rec, off+0x30)
	return
}

// decodedExtent is one decoded data run (§3).
type decodedExtent struct {
	Length uint64 // length of the run, in clusters
	Offset int64  // signed LCN offset from the previous run's LCN
}

// decodeRun decodes one data run starting at rec[pos] and returns the offset
// of the next run. It returns (pos, true) at the terminating zero byte, or
// when pos is past the end of rec.
func decodeRun(rec []byte, pos int) (next int, atEnd bool, ext decodedExtent) {
	if pos >= len(rec) {
		return pos, true, decodedExtent{}
	}
	header := rec[pos]
	if header == 0x00 {
		return pos, true, decodedExtent{}
	}
	llen := int(header & 0x0F)
	olen := int((header & 0xF0) >> 4)

	p := pos + 1
	length := bytesio.Uint(rec, p, llen)
	p += llen

	var offset int64
	if olen > 0 {
		offset = bytesio.SignedN(rec, p, olen)
	}
	p += olen

	return p, false, decodedExtent{Length: length, Offset: offset}
}
