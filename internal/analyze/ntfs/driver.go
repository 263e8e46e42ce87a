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
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/sscafiti/blkclone/internal/analyze"
	"github.com/sscafiti/blkclone/internal/errs"
)

// Volume is an open NTFS volume: just enough state to open system files by
// fixed MFT record number (§3, §4.3).
type Volume struct {
	Info Info
	src  analyze.Source
	mft  *FileHandle
}

// FileHandle is a file opened for sequential, seekable reading from its
// $DATA attribute (§3's NTFS file-handle context).
type FileHandle struct {
	vol *Volume
	rec []byte // the file's MFT FILE record, with fixups applied

	firstRun int // offset of the first data run in rec, or -1 if resident
	thisRun  int // offset of the data run covering pos

	pos        uint64
	thisRunLcn uint64
	thisRunPos uint64
	size       uint64

	// resident backs a resident attribute's inline bytes with a single
	// io.ReadWriteSeeker instead of hand-tracked offset arithmetic, so
	// seekTo/read need only one code path regardless of residency.
	resident io.ReadWriteSeeker
}

// OpenVolume parses the boot sector and bootstraps access to the MFT itself
// (§4.3 volinit): the MFT's own FILE record is read directly by LCN, since
// nothing can be opened by record number until the MFT is readable.
func OpenVolume(src analyze.Source) (*Volume, error) {
	sector, err := readBootSector(src)
	if err != nil {
		return nil, err
	}
	info, err := parseBootSector(sector)
	if err != nil {
		return nil, err
	}

	vol := &Volume{Info: *info, src: src}

	rec := make([]byte, info.MFTRecordLen)
	off := int64(info.ClusterSize) * int64(info.MFTLcn)
	if _, err := src.ReadAt(rec, off); err != nil {
		return nil, errs.Wrap(errs.IoError, err, "reading MFT's own FILE record")
	}
	if err := fixupFileRecord(rec, info.SectorSize); err != nil {
		return nil, err
	}

	dataOff := findUnnamedData(rec)
	if dataOff < 0 {
		return nil, errs.New(errs.CorruptFilesystem, "MFT has no unnamed $DATA attribute")
	}
	if !attrIsNonResident(rec, dataOff) {
		return nil, errs.New(errs.CorruptFilesystem, "MFT $DATA attribute is resident")
	}

	runlistOff, size := nonResidentAttr(rec, dataOff)
	mft := &FileHandle{
		vol:      vol,
		rec:      rec,
		firstRun: runlistOff,
		thisRun:  runlistOff,
		size:     size,
	}
	_, atEnd, first := decodeRun(rec, runlistOff)
	if !atEnd {
		mft.thisRunLcn = uint64(first.Offset)
	}
	vol.mft = mft

	return vol, nil
}

// Open opens the file at MFT record number recno (§4.3 open-by-record).
func (v *Volume) Open(recno uint64) (*FileHandle, error) {
	recLen := uint64(v.Info.MFTRecordLen)
	rec := make([]byte, recLen)

	if err := v.mft.seekTo(recno * recLen); err != nil {
		return nil, err
	}
	n, err := v.mft.read(rec)
	if err != nil {
		return nil, err
	}
	if uint64(n) != recLen {
		return nil, errs.New(errs.CorruptFilesystem, "short read of MFT record %d", recno)
	}
	if err := fixupFileRecord(rec, v.Info.SectorSize); err != nil {
		return nil, err
	}

	dataOff := findUnnamedData(rec)
	if dataOff < 0 {
		return nil, errs.New(errs.CorruptFilesystem, "MFT record %d has no unnamed $DATA attribute", recno)
	}

	fh := &FileHandle{vol: v, rec: rec}
	if attrIsNonResident(rec, dataOff) {
		runlistOff, size := nonResidentAttr(rec, dataOff)
		fh.firstRun = runlistOff
		fh.thisRun = runlistOff
		fh.size = size
		_, atEnd, first := decodeRun(rec, runlistOff)
		if !atEnd {
			fh.thisRunLcn = uint64(first.Offset)
		}
	} else {
		dataOff2, length := residentAttr(rec, dataOff)
		fh.firstRun = -1
		fh.size = uint64(length)
		fh.resident = bytesextra.NewReadWriteSeeker(rec[dataOff2 : dataOff2+length])
	}

	return fh, nil
}

// seekTo positions f at offset (§4.3 seekto).
func (f *FileHandle) seekTo(offset uint64) error {
	if offset == f.pos {
		return nil
	}
	if offset > f.size {
		return errs.New(errs.ArgumentError, "seek past end of NTFS file")
	}
	if f.firstRun < 0 {
		if _, err := f.resident.Seek(int64(offset), io.SeekStart); err != nil {
			return errs.Wrap(errs.IoError, err, "seeking resident NTFS attribute")
		}
		f.pos = offset
		return nil
	}

	if offset < f.thisRunPos {
		// seeking before the current run: rewind to the start of the file
		f.thisRun = f.firstRun
		f.pos, f.thisRunLcn, f.thisRunPos = 0, 0, 0
		if _, atEnd, first := decodeRun(f.rec, f.firstRun); !atEnd {
			f.thisRunLcn = uint64(first.Offset)
		}
	}

	if offset < f.pos {
		// seeking backwards within the current run
		f.pos = offset
		return nil
	}

	runPtr := f.thisRun
	next, atEnd, run := decodeRun(f.rec, runPtr)
	runBound := f.thisRunPos + run.Length*uint64(f.vol.Info.ClusterSize)
	runLcn := f.thisRunLcn
	runPos := f.thisRunPos

	if offset < runBound {
		// seeking forwards, still within the current run
		f.pos = offset
		return nil
	}

	for !atEnd && offset >= runBound {
		runPtr = next
		next, atEnd, run = decodeRun(f.rec, runPtr)
		if atEnd {
			break
		}
		runPos = runBound
		runLcn += uint64(run.Offset)
		runBound = runPos + run.Length*uint64(f.vol.Info.ClusterSize)
	}
	if offset < runBound {
		f.thisRun = runPtr
		f.thisRunLcn = runLcn
		f.thisRunPos = runPos
		f.pos = offset
		return nil
	}
	return errs.New(errs.CorruptFilesystem, "ran off the end of a data run while seeking")
}

// read fills buf from the current position, advancing pos (§4.3 read).
func (f *FileHandle) read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if f.pos >= f.size {
		return 0, nil
	}

	want := len(buf)
	if f.pos+uint64(want) > f.size {
		want = int(f.size - f.pos)
	}

	if f.firstRun < 0 {
		n, err := io.ReadFull(f.resident, buf[:want])
		f.pos += uint64(n)
		if err != nil {
			return n, errs.Wrap(errs.IoError, err, "reading resident NTFS attribute")
		}
		return n, nil
	}

	next, atEnd, run := decodeRun(f.rec, f.thisRun)
	runBound := f.thisRunPos + run.Length*uint64(f.vol.Info.ClusterSize)

	read := 0
	for read < want {
		for f.pos < runBound && read < want {
			chunk := buf[read:want]
			off := int64(f.thisRunLcn)*int64(f.vol.Info.ClusterSize) + int64(f.pos-f.thisRunPos)
			n, err := f.vol.src.ReadAt(chunk, off)
			if n <= 0 {
				if err != nil {
					return read, errs.Wrap(errs.IoError, err, "reading NTFS data run")
				}
				return read, errs.New(errs.IoError, "unexpected short read of NTFS data run")
			}
			read += n
			f.pos += uint64(n)
		}
		if read < want {
			if atEnd {
				return read, errs.New(errs.CorruptFilesystem, "ran off the end of a data run while reading")
			}
			f.thisRun = next
			next, atEnd, run = decodeRun(f.rec, f.thisRun)
			f.thisRunLcn += uint64(run.Offset)
			f.thisRunPos = runBound
			runBound = f.thisRunPos + run.Length*uint64(f.vol.Info.ClusterSize)
		}
	}
	return read, nil
}

// Close releases resources held by f. The driver holds no OS handles per
// file, so this is a no-op kept for symmetry with Volume.Close.
func (f *FileHandle) Close() error { return nil }

// Close releases resources held by the volume. The driver holds no OS
// handles beyond the caller-supplied Source, so this is a no-op.
func (v *Volume) Close() error { return nil }
