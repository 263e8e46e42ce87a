package ntfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sscafiti/blkclone/internal/blockmap"
)

type memSource []byte

func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, nil
	}
	n := copy(p, m[off:])
	return n, nil
}

func (m memSource) Size() int64 { return int64(len(m)) }

func putU16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func putU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func putU64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * uint(i)))
	}
}

func setBit(b []byte, i int) {
	b[i/8] |= 1 << uint(i%8)
}

// §8 scenario 4: a single run, length 24 clusters, offset 0x5634.
func TestDecodeRunSingle(t *testing.T) {
	rec := []byte{0x21, 0x18, 0x34, 0x56}
	next, atEnd, ext := decodeRun(rec, 0)
	require.False(t, atEnd)
	require.EqualValues(t, 24, ext.Length)
	require.EqualValues(t, 0x5634, ext.Offset)
	require.Equal(t, 4, next)
}

// §8 scenario 5: two runs, (16, base 0x0100) then (5, base 0x00FE) once the
// second run's signed offset (-2) is applied against the running LCN.
func TestDecodeRunTwoWithNegativeOffset(t *testing.T) {
	rec := []byte{0x21, 0x10, 0x00, 0x01, 0x11, 0x05, 0xFE}

	next, atEnd, run1 := decodeRun(rec, 0)
	require.False(t, atEnd)
	require.EqualValues(t, 16, run1.Length)
	require.EqualValues(t, 0x0100, run1.Offset)
	lcn1 := uint64(run1.Offset)
	require.EqualValues(t, 0x0100, lcn1)

	next2, atEnd2, run2 := decodeRun(rec, next)
	require.False(t, atEnd2)
	require.EqualValues(t, 5, run2.Length)
	require.EqualValues(t, -2, run2.Offset)
	lcn2 := uint64(int64(lcn1) + run2.Offset)
	require.EqualValues(t, 0x00FE, lcn2)

	_, atEnd3, _ := decodeRun(rec, next2)
	require.True(t, atEnd3)
}

func TestFixupFileRecordMismatch(t *testing.T) {
	buf := make([]byte, 1024)
	copy(buf, "FILE")
	putU16(buf, 0x04, 0x30) // usaOffset
	putU16(buf, 0x06, 3)    // usaCount
	putU16(buf, 0x30, 1)    // usn
	putU16(buf, 510, 0xBEEF) // does not match usn: corrupt

	err := fixupFileRecord(buf, 512)
	require.Error(t, err)
}

// ntfsImage builds a minimal NTFS volume image reproducing §8 scenario 3:
// sector size 512, 8 sectors/cluster (4096-byte clusters), 1000 total
// clusters, $Bitmap bits 0-9 and 500-509 set.
func ntfsImage(t *testing.T) []byte {
	t.Helper()

	const (
		sectorSize  = 512
		spc         = 8
		clusterSize = sectorSize * spc
		clusterCnt  = 1000
		mftLcn      = 2
		mftRecLen   = 1024
	)

	img := make([]byte, clusterSize*6) // clusters 0-5; MFT table occupies 2-5

	// boot sector
	boot := img[:sectorSize]
	copy(boot[offSysID:offSysID+8], "NTFS    ")
	putU16(boot, offSectorSize, sectorSize)
	boot[offSecPerClus] = spc
	putU64(boot, offSectorCount64, clusterCnt*spc)
	putU64(boot, offMFTLcn, mftLcn)
	putU64(boot, offMFTMirrLcn, 999)
	boot[offMFTRecLen] = byte(int8(-10)) // 1 << 10 == 1024
	putU16(boot, offMarker, 0xAA55)

	mftTableOff := clusterSize * mftLcn // byte offset of the MFT table

	// record 0: the MFT's own FILE record, describing the whole MFT table
	// as a single non-resident run of 4 clusters starting at LCN 2.
	rec0 := img[mftTableOff : mftTableOff+mftRecLen]
	writeFileRecordHeader(rec0)
	putU32(rec0, 0x38, DataAttrType)
	putU32(rec0, 0x3C, 0x44) // delta to next attr
	rec0[0x40] = 1           // non-resident
	rec0[0x41] = 0           // unnamed
	putU16(rec0, 0x38+0x20, 0x40) // runlist at attr+0x40
	putU64(rec0, 0x38+0x30, 4*clusterSize)
	runlist := rec0[0x78:]
	runlist[0] = 0x11 // llen=1, olen=1
	runlist[1] = 4    // length: 4 clusters
	runlist[2] = 2    // offset: absolute LCN 2
	runlist[3] = 0x00 // terminator
	putU32(rec0, 0x7C, 0xFFFFFFFF)

	// record 6: $Bitmap, resident $DATA holding the cluster bitmap.
	bitmapLen := (clusterCnt + 8) / 8 // covers cluster indices 0..clusterCnt inclusive
	bitmapBytes := make([]byte, bitmapLen)
	for i := 0; i < 10; i++ {
		setBit(bitmapBytes, i)
	}
	for i := 500; i < 510; i++ {
		setBit(bitmapBytes, i)
	}

	rec6Off := mftTableOff + 6*mftRecLen
	rec6 := img[rec6Off : rec6Off+mftRecLen]
	writeFileRecordHeader(rec6)
	putU32(rec6, 0x38, DataAttrType)
	putU32(rec6, 0x3C, 0x98) // 0x18 header + 126 inline bytes, 8-aligned
	rec6[0x40] = 0 // resident
	rec6[0x41] = 0
	putU32(rec6, 0x38+0x10, uint32(bitmapLen))
	putU16(rec6, 0x38+0x14, 0x18) // inline data at attr+0x18
	copy(rec6[0x50:0x50+bitmapLen], bitmapBytes)
	putU32(rec6, 0xD0, 0xFFFFFFFF)

	return img
}

// writeFileRecordHeader fills in the magic, USA, and first-attribute-offset
// fields shared by every FILE record this test constructs, with a USA that
// fixes up cleanly (sectorSize 512, recordLen 1024: 2 protected sectors).
func writeFileRecordHeader(rec []byte) {
	copy(rec[0:4], "FILE")
	putU16(rec, 0x04, 0x30) // usaOffset
	putU16(rec, 0x06, 3)    // usaCount: 1 USN + 2 protected sectors
	putU16(rec, 0x14, 0x38) // first attribute offset
	putU16(rec, 0x30, 1)    // usn
	putU16(rec, 0x32, 0xAAAA)
	putU16(rec, 0x34, 0xBBBB)
	putU16(rec, 510, 1)  // protected: end of first 512-byte sector
	putU16(rec, 1022, 1) // protected: end of second 512-byte sector
}

func TestRecognizeNTFS(t *testing.T) {
	img := ntfsImage(t)
	require.True(t, recognize(img[:BootSectorSize]))
}

func TestRecognizeRejectsGarbage(t *testing.T) {
	require.False(t, recognize(make([]byte, BootSectorSize)))
}

func TestOpenVolumeAndBitmap(t *testing.T) {
	img := ntfsImage(t)
	vol, err := OpenVolume(memSource(img))
	require.NoError(t, err)
	require.EqualValues(t, 1000, vol.Info.ClusterCount)
	require.EqualValues(t, 4096, vol.Info.ClusterSize)

	bm, err := vol.Open(RecnoBitmap)
	require.NoError(t, err)
	require.EqualValues(t, (1000+8)/8, bm.size)
}

// TestAnalyze is §8 scenario 3 end to end.
func TestAnalyze(t *testing.T) {
	img := ntfsImage(t)
	var buf bytes.Buffer
	w := blockmap.NewWriter(&buf)

	require.NoError(t, Analyze(memSource(img), w, ""))

	r := blockmap.NewReader(&buf)
	h, err := r.ReadHeader()
	require.NoError(t, err)

	typ, _ := h.Get("Type")
	require.Equal(t, "NTFS", typ)
	bs, err := h.RequireUint64("BlockSize")
	require.NoError(t, err)
	require.EqualValues(t, 4096, bs)
	br, err := h.RequireUint64("BlockRange")
	require.NoError(t, err)
	require.EqualValues(t, 1000, br)
	bc, err := h.RequireUint64("BlockCount")
	require.NoError(t, err)
	require.EqualValues(t, 20, bc)

	var extents []blockmap.Extent
	for {
		e, end, err := r.ReadExtent()
		require.NoError(t, err)
		if end {
			break
		}
		extents = append(extents, e)
	}

	require.Equal(t, []blockmap.Extent{
		{Start: 0, Length: 10},
		{Start: 500, Length: 10},
		{Start: 1000, Num: 1, Denom: 8},
	}, extents)
}
