package fat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sscafiti/blkclone/internal/blockmap"
	"github.com/sscafiti/blkclone/internal/runextent"
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

// buildFAT12Image constructs the 1.44MiB floppy scenario from §8 scenario 1:
// all clusters free, so the map should emit only the System Area extent.
func buildFAT12Image() []byte {
	const (
		sectorSize  = 512
		rsvd        = 1
		fats        = 2
		sectorsPFat = 9
		rootEntries = 224
		totalSec    = 2880
	)
	fatBytes := sectorsPFat * sectorSize
	img := make([]byte, rsvd*sectorSize+fats*fatBytes)

	bpb := img[:sectorSize]
	putU16(bpb, offSectorSize, sectorSize)
	bpb[offSecPerClus] = 1
	putU16(bpb, offReservedSec, rsvd)
	bpb[offNumFats] = fats
	putU16(bpb, offRootEntries, rootEntries)
	putU16(bpb, offSectorsSmall, totalSec)
	putU16(bpb, offSectorsPerF1, sectorsPFat)
	bpb[offExtBootSig1] = 0x29
	copy(bpb[offFsType1:offFsType1+8], "FAT12   ")
	putU16(bpb, offMarker, 0xAA55)

	return img
}

func TestRecognizeFAT12(t *testing.T) {
	img := buildFAT12Image()
	require.True(t, recognize(img[:BootSectorSize]))
}

func TestRecognizeRejectsGarbage(t *testing.T) {
	require.False(t, recognize(make([]byte, BootSectorSize)))
}

func TestAnalyzeFAT12Empty(t *testing.T) {
	img := buildFAT12Image()
	var buf bytes.Buffer
	w := blockmap.NewWriter(&buf)

	require.NoError(t, Analyze(memSource(img), w, ""))

	r := blockmap.NewReader(&buf)
	h, err := r.ReadHeader()
	require.NoError(t, err)

	typ, _ := h.Get("Type")
	require.Equal(t, "FAT", typ)
	fsType, _ := h.Get("FsType")
	require.Equal(t, "FAT12", fsType)
	bc, err := h.RequireUint64("BlockCount")
	require.NoError(t, err)
	require.EqualValues(t, 33, bc)
	br, err := h.RequireUint64("BlockRange")
	require.NoError(t, err)
	require.EqualValues(t, 2880, br)

	e, end, err := r.ReadExtent()
	require.NoError(t, err)
	require.False(t, end)
	require.Equal(t, blockmap.Extent{Start: 0, Length: 33}, e)

	_, end, err = r.ReadExtent()
	require.NoError(t, err)
	require.True(t, end)
}

// TestScanFAT16ThreeClusterFile is §8 scenario 2: spc=4, ssa=100, a file
// occupying clusters 2-4 (three clusters). The map's extents are 0+100 and
// 100+12; the scan checked here yields the data extent 100+12 (the 0+100
// System Area extent is written by Analyze, not by scanFat16).
func TestScanFAT16ThreeClusterFile(t *testing.T) {
	ctx := &Context{
		SectorsPerCluster: 4,
		SystemAreaSectors: 100,
		SectorsPerFat:     1,
		SectorSize:        512,
	}

	// entries 0,1 reserved; 2,3,4 in use (chain 2 -> 3 -> 4, 4 ends it); 5 free.
	fatBuf := make([]byte, ctx.SectorsPerFat*ctx.SectorSize)
	putU16(fatBuf, 0, 0xFFF8)
	putU16(fatBuf, 2, 0xFFFF)
	putU16(fatBuf, 4, 3) // cluster 2 -> 3
	putU16(fatBuf, 6, 4) // cluster 3 -> 4
	putU16(fatBuf, 8, 0xFFFF)
	// cluster 5 (offset 10) left at 0: free

	sink := &runextent.Slice{}
	enc := runextent.NewEncoder(sink)
	require.NoError(t, scanFat16(bytes.NewReader(fatBuf), ctx, enc))

	require.Equal(t, []blockmap.Extent{{Start: 100, Length: 12}}, sink.Extents)
}

// TestFAT12CellDecode checks §8 property 7's byte-triple decode formula.
func TestFAT12CellDecode(t *testing.T) {
	cell := [3]byte{0x34, 0x12, 0xAB}
	even := uint32(cell[0]) | uint32(cell[1]&0x0F)<<8
	odd := uint32(cell[1]>>4) | uint32(cell[2])<<4
	require.EqualValues(t, 0x234, even)
	require.EqualValues(t, 0xAB1, odd)
}
