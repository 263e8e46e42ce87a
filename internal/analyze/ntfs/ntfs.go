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
	"strconv"

	"github.com/boljen/go-bitmap"
	"github.com/google/uuid"

	"github.com/sscafiti/blkclone/internal/analyze"
	"github.com/sscafiti/blkclone/internal/blockmap"
	"github.com/sscafiti/blkclone/internal/errs"
	"github.com/sscafiti/blkclone/internal/runextent"
)

// bitmapChunkSize is how many bytes of $Bitmap are read per scan step; each
// byte covers 8 clusters.
const bitmapChunkSize = 64 * 1024

// scanBitmap walks $Bitmap cluster-by-cluster (one bit per cluster, set
// means allocated), bounded by bound (the highest cluster number, §4.4:
// clusters off the end of the volume can still show allocated).
func scanBitmap(bm *FileHandle, bound uint64, enc *runextent.Encoder) error {
	buf := make([]byte, bitmapChunkSize)
	var cluster uint64

	for cluster <= bound {
		n, err := bm.read(buf)
		if err != nil {
			return errs.Wrap(errs.IoError, err, "reading NTFS $Bitmap")
		}
		if n == 0 {
			break
		}

		bits := bitmap.NewSlice(buf[:n])
		for i := 0; i < n*8 && cluster <= bound; i++ {
			live := bits.Get(i)
			if err := enc.Feed(cluster, live); err != nil {
				return err
			}
			cluster++
		}
	}
	return enc.Finish(cluster)
}

// Analyze implements §4.4: open $Bitmap (MFT record 6), scan it for the
// allocated-cluster extents, and append a synthetic fractional extent for
// the backup boot sector that NTFS keeps past the end of the volume.
func Analyze(src analyze.Source, w *blockmap.Writer, _ string) error {
	vol, err := OpenVolume(src)
	if err != nil {
		return err
	}
	defer vol.Close()

	bm, err := vol.Open(RecnoBitmap)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "opening NTFS $Bitmap")
	}

	sink := &runextent.Slice{}
	enc := runextent.NewEncoder(sink)
	// bound is the cluster count itself, not the last valid index: the
	// bitmap can show clusters past the end of the volume as allocated, and
	// that one extra index is scanned along with the rest (§4.4).
	bound := vol.Info.ClusterCount
	if err := scanBitmap(bm, bound, enc); err != nil {
		return err
	}

	h := &blockmap.Header{}
	h.Set("UUID", uuid.New().String())
	h.Set("Type", "NTFS")
	h.Set("BlockSize", strconv.FormatUint(uint64(vol.Info.ClusterSize), 10))
	h.Set("BlockRange", strconv.FormatUint(vol.Info.ClusterCount, 10))

	var blockCount uint64
	for _, e := range sink.Extents {
		blockCount += e.Length
	}
	h.Set("BlockCount", strconv.FormatUint(blockCount, 10))

	if err := w.WriteHeader(h); err != nil {
		return err
	}
	for _, e := range sink.Extents {
		if err := w.WriteExtent(e); err != nil {
			return err
		}
	}
	// the backup boot sector lives one cluster past the end of the data
	// region, occupying the first sector of that cluster (§4.4).
	if err := w.WriteExtent(blockmap.Extent{
		Start: vol.Info.ClusterCount,
		Num:   1,
		Denom: vol.Info.SectorsPerClus,
	}); err != nil {
		return err
	}
	return w.WriteEnd()
}

// Module returns the registry entry for the NTFS analyzer.
func Module() *analyze.Module {
	return &analyze.Module{
		Name:      "NTFS",
		ProbeLen:  BootSectorSize,
		Recognize: recognize,
		Analyze:   Analyze,
	}
}

