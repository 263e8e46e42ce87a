package sparsecopy

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sscafiti/blkclone/internal/blockmap"
)

// memEndpoint is a growable in-memory Endpoint, standing in for both a
// blockdev.Device and the image stream in these tests.
type memEndpoint struct {
	buf      []byte
	pos      int64
	isDevice bool
}

func newMemEndpoint(size int) *memEndpoint {
	return &memEndpoint{buf: make([]byte, size)}
}

func (m *memEndpoint) grow(to int64) {
	if to > int64(len(m.buf)) {
		next := make([]byte, to)
		copy(next, m.buf)
		m.buf = next
	}
}

func (m *memEndpoint) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memEndpoint) Write(p []byte) (int, error) {
	m.grow(m.pos + int64(len(p)))
	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memEndpoint) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	return copy(p, m.buf[off:]), nil
}

func (m *memEndpoint) WriteAt(p []byte, off int64) (int, error) {
	m.grow(off + int64(len(p)))
	return copy(m.buf[off:], p), nil
}

func (m *memEndpoint) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.buf)) + offset
	}
	return m.pos, nil
}

func (m *memEndpoint) Tell() (int64, error) { return m.pos, nil }
func (m *memEndpoint) Size() int64          { return int64(len(m.buf)) }
func (m *memEndpoint) IsDeviceNode() bool   { return m.isDevice }
func (m *memEndpoint) Close() error         { return nil }

// §8 scenario 6: export over map [0+1, 2+1] against a device with distinct
// bytes at block 0 and block 2 produces an image whose payload contains
// exactly those two blocks back to back after the header.
func TestRunExportScenario6(t *testing.T) {
	const blockLen = 64 // room for the 33-byte image header
	id := uuid.New()

	device := newMemEndpoint(3 * blockLen)
	copy(device.buf[0:blockLen], bytes.Repeat([]byte{0xAA}, blockLen))
	copy(device.buf[2*blockLen:3*blockLen], bytes.Repeat([]byte{0xBB}, blockLen))

	var mapBuf bytes.Buffer
	w := blockmap.NewWriter(&mapBuf)
	h := &blockmap.Header{}
	h.Set("UUID", id.String())
	h.Set("Type", "TEST")
	h.Set("BlockSize", "64")
	h.Set("BlockCount", "2")
	h.Set("BlockRange", "3")
	require.NoError(t, w.WriteHeader(h))
	require.NoError(t, w.WriteExtent(blockmap.Extent{Start: 0, Length: 1}))
	require.NoError(t, w.WriteExtent(blockmap.Extent{Start: 2, Length: 1}))
	require.NoError(t, w.WriteEnd())

	image := newMemEndpoint(0)
	var progressOut bytes.Buffer

	mr := blockmap.NewReader(bytes.NewReader(mapBuf.Bytes()))
	err := Run(Options{Mode: Export}, mr, device, image, &progressOut)
	require.NoError(t, err)

	require.EqualValues(t, 3*blockLen, image.Size())
	require.Equal(t, imageSignature, image.buf[0:16])
	require.Equal(t, id[:], image.buf[16:32])
	require.Equal(t, byte(1), image.buf[32])

	payload := image.buf[blockLen:]
	require.Equal(t, bytes.Repeat([]byte{0xAA}, blockLen), payload[0:blockLen])
	require.Equal(t, bytes.Repeat([]byte{0xBB}, blockLen), payload[blockLen:2*blockLen])
}

// Round-trips an export through an import and checks the live extents come
// back byte-identical (§8 invariant 4).
func TestRunExportThenImportRoundTrip(t *testing.T) {
	const blockLen = 64 // room for the 33-byte image header
	id := uuid.New()

	srcDevice := newMemEndpoint(3 * blockLen)
	copy(srcDevice.buf[0:blockLen], bytes.Repeat([]byte{0xAA}, blockLen))
	copy(srcDevice.buf[2*blockLen:3*blockLen], bytes.Repeat([]byte{0xBB}, blockLen))

	buildMap := func() []byte {
		var mapBuf bytes.Buffer
		w := blockmap.NewWriter(&mapBuf)
		h := &blockmap.Header{}
		h.Set("UUID", id.String())
		h.Set("Type", "TEST")
		h.Set("BlockSize", "64")
		h.Set("BlockCount", "2")
		h.Set("BlockRange", "3")
		require.NoError(t, w.WriteHeader(h))
		require.NoError(t, w.WriteExtent(blockmap.Extent{Start: 0, Length: 1}))
		require.NoError(t, w.WriteExtent(blockmap.Extent{Start: 2, Length: 1}))
		require.NoError(t, w.WriteEnd())
		return mapBuf.Bytes()
	}

	image := newMemEndpoint(0)
	var out1 bytes.Buffer
	require.NoError(t, Run(Options{Mode: Export}, blockmap.NewReader(bytes.NewReader(buildMap())), srcDevice, image, &out1))

	tgtDevice := newMemEndpoint(3 * blockLen)
	var out2 bytes.Buffer
	image.pos = 0
	require.NoError(t, Run(Options{Mode: Import}, blockmap.NewReader(bytes.NewReader(buildMap())), image, tgtDevice, &out2))

	require.Equal(t, srcDevice.buf[0:blockLen], tgtDevice.buf[0:blockLen])
	require.Equal(t, srcDevice.buf[2*blockLen:3*blockLen], tgtDevice.buf[2*blockLen:3*blockLen])
}

func TestRunImportRejectsUUIDMismatch(t *testing.T) {
	const blockLen = 64 // room for the 33-byte image header

	var mapBuf bytes.Buffer
	w := blockmap.NewWriter(&mapBuf)
	h := &blockmap.Header{}
	h.Set("UUID", uuid.New().String())
	h.Set("Type", "TEST")
	h.Set("BlockSize", "64")
	h.Set("BlockCount", "1")
	h.Set("BlockRange", "1")
	require.NoError(t, w.WriteHeader(h))
	require.NoError(t, w.WriteExtent(blockmap.Extent{Start: 0, Length: 1}))
	require.NoError(t, w.WriteEnd())

	image := newMemEndpoint(2 * blockLen)
	copy(image.buf[0:16], imageSignature)
	copy(image.buf[16:32], uuid.New().String()) // different UUID bytes than the map's

	device := newMemEndpoint(blockLen)
	var out bytes.Buffer

	err := Run(Options{Mode: Import}, blockmap.NewReader(bytes.NewReader(mapBuf.Bytes())), image, device, &out)
	require.Error(t, err)
}

// NUKE_IMPORT zero-fills every gap between live extents, unlike plain
// IMPORT which leaves the target's existing bytes untouched there.
func TestRunNukeImportZeroFillsGaps(t *testing.T) {
	const blockLen = 64 // room for the 33-byte image header
	id := uuid.New()

	var mapBuf bytes.Buffer
	w := blockmap.NewWriter(&mapBuf)
	h := &blockmap.Header{}
	h.Set("UUID", id.String())
	h.Set("Type", "TEST")
	h.Set("BlockSize", "64")
	h.Set("BlockCount", "2")
	h.Set("BlockRange", "3")
	require.NoError(t, w.WriteHeader(h))
	require.NoError(t, w.WriteExtent(blockmap.Extent{Start: 0, Length: 1}))
	require.NoError(t, w.WriteExtent(blockmap.Extent{Start: 2, Length: 1}))
	require.NoError(t, w.WriteEnd())

	image := newMemEndpoint((1 + 2) * blockLen)
	copy(image.buf[0:16], imageSignature)
	copy(image.buf[16:32], id[:])
	image.buf[32] = 1
	copy(image.buf[blockLen:2*blockLen], bytes.Repeat([]byte{0xAA}, blockLen))
	copy(image.buf[2*blockLen:3*blockLen], bytes.Repeat([]byte{0xBB}, blockLen))

	device := newMemEndpoint(0)
	device.buf = append(device.buf, bytes.Repeat([]byte{0xFF}, 3*blockLen)...)

	var out bytes.Buffer
	err := Run(Options{Mode: NukeImport}, blockmap.NewReader(bytes.NewReader(mapBuf.Bytes())), image, device, &out)
	require.NoError(t, err)

	require.Equal(t, bytes.Repeat([]byte{0xAA}, blockLen), device.buf[0:blockLen])
	require.Equal(t, bytes.Repeat([]byte{0}, blockLen), device.buf[blockLen:2*blockLen])
	require.Equal(t, bytes.Repeat([]byte{0xBB}, blockLen), device.buf[2*blockLen:3*blockLen])
}
