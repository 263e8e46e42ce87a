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

// Package ntfs is a minimal, read-only NTFS driver and analyzer (§4.3, §4.4):
// just enough to open files by fixed MFT record number, read their $DATA
// attribute, and scan $Bitmap for the volume's allocated-cluster extents.
package ntfs

import (
	"io"

	"github.com/sscafiti/blkclone/internal/analyze"
	"github.com/sscafiti/blkclone/internal/bytesio"
	"github.com/sscafiti/blkclone/internal/errs"
)

const BootSectorSize = 512

// Fixed MFT record numbers for the NTFS system files (only $Bitmap is used).
const (
	RecnoMFT      = 0
	RecnoMFTMirr  = 1
	RecnoLogFile  = 2
	RecnoVolume   = 3
	RecnoAttrDef  = 4
	RecnoRootDir  = 5
	RecnoBitmap   = 6
	RecnoBoot     = 7
	RecnoBadClus  = 8
	RecnoSecure   = 9
	RecnoUpCase   = 10
	RecnoExtend   = 11
)

// ECMA-107 common fields, shared with package fat (§6).
const (
	offSysID      = 0x03
	offSectorSize = 0x0B
	offSecPerClus = 0x0D
	offMarker     = 0x1FE
)

// NTFS Extended Parameter Block, starting at offset 0x24 of the boot sector.
const (
	offEPB           = 0x24
	offExtSig        = offEPB + 0x02 // == 0x80
	offSectorCount64 = offEPB + 0x04
	offMFTLcn        = offEPB + 0x0C
	offMFTMirrLcn    = offEPB + 0x14
	offMFTRecLen     = offEPB + 0x1C // signed byte: clusters/record, or -log2(bytes)
)

// Info is the volume-level geometry decoded from the boot sector (§3's NTFS
// volume context).
type Info struct {
	SectorSize   uint32
	SectorsPerClus uint32
	ClusterSize  uint32 // SectorSize * SectorsPerClus
	SectorCount  uint64
	ClusterCount uint64 // SectorCount / SectorsPerClus
	MFTLcn       uint64
	MFTMirrLcn   uint64
	MFTRecordLen uint32 // bytes per MFT FILE record
}

func parseBootSector(sector []byte) (*Info, error) {
	if err := bytesio.RequireLen(sector, BootSectorSize); err != nil {
		return nil, errs.Wrap(errs.FormatError, err, "short NTFS boot sector")
	}
	if bytesio.U16(sector, offMarker) != 0xAA55 {
		return nil, errs.New(errs.FormatError, "bad NTFS boot sector signature")
	}

	ssize := uint32(bytesio.U16(sector, offSectorSize))
	spc := uint32(sector[offSecPerClus])
	scount := bytesio.U64(sector, offSectorCount64)
	mftLcn := bytesio.U64(sector, offMFTLcn)
	mftMirrLcn := bytesio.U64(sector, offMFTMirrLcn)
	recLenField := int8(sector[offMFTRecLen])

	if ssize == 0 || spc == 0 {
		return nil, errs.New(errs.FormatError, "NTFS boot sector has zero sector/cluster size")
	}

	info := &Info{
		SectorSize:     ssize,
		SectorsPerClus: spc,
		ClusterSize:    ssize * spc,
		SectorCount:    scount,
		ClusterCount:   scount / uint64(spc),
		MFTLcn:         mftLcn,
		MFTMirrLcn:     mftMirrLcn,
	}

	// a positive MFTRecordLen is a cluster count; non-positive is a power
	// of two byte count, encoded as -log2(bytes) (§4.3).
	if recLenField > 0 {
		info.MFTRecordLen = uint32(recLenField) * info.ClusterSize
	} else {
		info.MFTRecordLen = 1 << uint(-recLenField)
	}

	return info, nil
}

// recognize implements the §4.3/§4.4 probe: ECMA-107 sysid "NTFS    " and
// non-zero sector count and MFT/MFTMirr first LCNs.
func recognize(sector []byte) bool {
	if len(sector) < BootSectorSize {
		return false
	}
	if string(sector[offSysID:offSysID+8]) != "NTFS    " {
		return false
	}
	if bytesio.U64(sector, offSectorCount64) == 0 {
		return false
	}
	if bytesio.U64(sector, offMFTLcn) == 0 || bytesio.U64(sector, offMFTMirrLcn) == 0 {
		return false
	}
	return true
}

func readBootSector(src analyze.Source) ([]byte, error) {
	sector := make([]byte, BootSectorSize)
	if _, err := src.ReadAt(sector, 0); err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.IoError, err, "reading NTFS boot sector")
	}
	return sector, nil
}
