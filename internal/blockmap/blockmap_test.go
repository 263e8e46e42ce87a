package blockmap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadHeaderAndExtents(t *testing.T) {
	input := strings.Join([]string{
		"BLKCLONE BLOCK LIST V1",
		"UUID: 5f8d2e2a-0a3d-4d3a-9b2e-1e2c3d4e5f60",
		"Type: FAT",
		"FsType: FAT12",
		"BlockSize: 512",
		"BlockCount: 33",
		"BlockRange: 2880",
		"# a comment line",
		"BEGIN BLOCK LIST",
		"0+33",
		"END BLOCK LIST",
		"",
	}, "\n")

	r := NewReader(strings.NewReader(input))
	h, err := r.ReadHeader()
	require.NoError(t, err)

	v, ok := h.Get("MapVersion")
	require.True(t, ok)
	require.Equal(t, "1", v)

	require.NoError(t, h.Validate())

	bc, err := h.RequireUint64("BlockCount")
	require.NoError(t, err)
	require.EqualValues(t, 33, bc)

	e, end, err := r.ReadExtent()
	require.NoError(t, err)
	require.False(t, end)
	require.Equal(t, Extent{Start: 0, Length: 33}, e)

	_, end, err = r.ReadExtent()
	require.NoError(t, err)
	require.True(t, end)
}

func TestReadFractionalExtent(t *testing.T) {
	input := "BLKCLONE BLOCK LIST V1\nUUID: x\nType: NTFS\nBlockSize: 4096\nBlockCount: 20\nBlockRange: 1000\nBEGIN BLOCK LIST\n0+10\n500+10\n1000+.1/8\nEND BLOCK LIST\n"

	r := NewReader(strings.NewReader(input))
	_, err := r.ReadHeader()
	require.NoError(t, err)

	var extents []Extent
	for {
		e, end, err := r.ReadExtent()
		require.NoError(t, err)
		if end {
			break
		}
		extents = append(extents, e)
	}

	require.Equal(t, []Extent{
		{Start: 0, Length: 10},
		{Start: 500, Length: 10},
		{Start: 1000, Num: 1, Denom: 8},
	}, extents)
	require.True(t, extents[2].Fractional())
}

func TestBadSignature(t *testing.T) {
	r := NewReader(strings.NewReader("NOT A MAP\n"))
	_, err := r.ReadHeader()
	require.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	h := &Header{}
	h.Set("UUID", "5f8d2e2a-0a3d-4d3a-9b2e-1e2c3d4e5f60")
	h.Set("Type", "FAT")
	h.Set("BlockSize", "512")
	h.Set("BlockCount", "33")
	h.Set("BlockRange", "2880")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(h))
	require.NoError(t, w.WriteExtent(Extent{Start: 0, Length: 33}))
	require.NoError(t, w.WriteEnd())

	r := NewReader(&buf)
	h2, err := r.ReadHeader()
	require.NoError(t, err)
	v, _ := h2.Get("Type")
	require.Equal(t, "FAT", v)

	e, end, err := r.ReadExtent()
	require.NoError(t, err)
	require.False(t, end)
	require.Equal(t, Extent{Start: 0, Length: 33}, e)
}

func TestMalformedExtent(t *testing.T) {
	r := NewReader(strings.NewReader("garbage line\n"))
	_, _, err := r.ReadExtent()
	require.Error(t, err)
}
