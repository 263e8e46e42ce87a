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

// Package sparsecopy moves the live extents of a block map between a
// device/image and a flat image stream (§4.6): export, import, and
// nuke-import (import with zero-fill of every gap).
package sparsecopy

import (
	"bytes"
	"io"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/sscafiti/blkclone/internal/blockmap"
	"github.com/sscafiti/blkclone/internal/errs"
	"github.com/sscafiti/blkclone/pkg/progress"
)

// Mode selects the direction and zero-fill behavior of the copy.
type Mode int

const (
	Export Mode = iota
	Import
	NukeImport
)

// imageSignature is the fixed 16-byte marker at the start of an image
// stream header (§6).
var imageSignature = []byte("BLKCLONEDATA\r\n\x04\x00")

const imageHeaderVersion = 0x01

// Endpoint is the random-access, seekable stream sparsecopy reads and
// writes: either a blockdev.Device or the image stream, both of which
// satisfy it directly.
type Endpoint interface {
	io.Reader
	io.Writer
	io.ReaderAt
	io.WriterAt
	Seek(offset int64, whence int) (int64, error)
	Tell() (int64, error)
	Size() int64
}

// Options configures one sparsecopy run.
type Options struct {
	Mode Mode
	// Force allows a swapped regular-file/block-device pairing that would
	// otherwise be refused (§4.6 pre-flight).
	Force bool
	// SkipHeaderCheck disables the image-header signature/UUID check on
	// import, for test builds (§4.6 Header handling).
	SkipHeaderCheck bool
}

// IsDevice is implemented by endpoints that can report whether they are a
// raw block device, for the swapped-operation pre-flight check.
type IsDevice interface {
	IsDeviceNode() bool
}

// Run executes one sparsecopy operation: it reads the map from m, moves
// every live extent between src and tgt according to opts.Mode, and
// reports progress to out. It does not close src or tgt; the caller closes
// them afterwards with CloseAll (§5 Resource discipline).
func Run(opts Options, mapReader *blockmap.Reader, src, tgt Endpoint, out io.Writer) (err error) {
	header, rerr := mapReader.ReadHeader()
	if rerr != nil {
		return rerr
	}
	if verr := header.Validate(); verr != nil {
		return verr
	}

	blockLen, err := header.RequireUint64("BlockSize")
	if err != nil {
		return err
	}
	blockCount, err := header.RequireUint64("BlockCount")
	if err != nil {
		return err
	}
	blockRange, err := header.RequireUint64("BlockRange")
	if err != nil {
		return err
	}
	id, err := header.RequireUUID()
	if err != nil {
		return err
	}

	if err := preflight(opts, src, tgt, blockLen); err != nil {
		return err
	}

	imageEndpoint, deviceEndpoint := imageAndDevice(opts.Mode, src, tgt)

	if opts.Mode == Export {
		if err := writeImageHeader(imageEndpoint, id, blockLen); err != nil {
			return err
		}
	} else {
		if err := verifyImageHeader(imageEndpoint, id, blockLen, opts.SkipHeaderCheck); err != nil {
			return err
		}
	}

	rep := progress.NewReporter(out, blockCount, blockRange)

	var logicalPos, physicalPos, physicalTouched uint64
	for {
		extent, end, rerr := mapReader.ReadExtent()
		if rerr != nil {
			return rerr
		}
		if end {
			break
		}

		if opts.Mode == NukeImport {
			target := int64(extent.Start) * int64(blockLen)
			cur, err := deviceEndpoint.Tell()
			if err != nil {
				return err
			}
			physicalPos = uint64(cur) / blockLen
			if err := zeroFillGap(deviceEndpoint, blockLen, cur, target, &physicalPos, &physicalTouched, rep, logicalPos); err != nil {
				return err
			}
		} else {
			physicalPos = extent.Start
			if err := seekEndpoint(deviceEndpoint, int64(physicalPos)*int64(blockLen)); err != nil {
				return err
			}
		}

		if !extent.Fractional() {
			for i := uint64(0); i < extent.Length; i++ {
				if err := copyWholeBlock(opts.Mode, imageEndpoint, deviceEndpoint, blockLen); err != nil {
					return err
				}
				logicalPos++
				physicalPos++
				physicalTouched++
				rep.Update(logicalPos, physicalPos, physicalTouched)
			}
			continue
		}

		fracLen := blockLen * uint64(extent.Num) / uint64(extent.Denom)
		if err := copyFractionalBlock(opts.Mode, imageEndpoint, deviceEndpoint, blockLen, fracLen); err != nil {
			return err
		}
		logicalPos++
		physicalPos++
		physicalTouched++
		rep.Update(logicalPos, physicalPos, physicalTouched)
	}

	rep.Finish(logicalPos, physicalPos, physicalTouched)

	return nil
}

// imageAndDevice sorts src/tgt into the image-stream endpoint and the
// device endpoint according to the copy direction.
func imageAndDevice(mode Mode, src, tgt Endpoint) (image, device Endpoint) {
	if mode == Export {
		return tgt, src
	}
	return src, tgt
}

func preflight(opts Options, src, tgt Endpoint, blockLen uint64) error {
	nonImage := tgt
	if opts.Mode == Export {
		nonImage = src
	}

	if err := checkSeekable(nonImage, blockLen); err != nil {
		return err
	}

	if !opts.Force {
		srcDev, srcIsDev := isDeviceNode(src)
		tgtDev, tgtIsDev := isDeviceNode(tgt)
		if srcIsDev && tgtIsDev {
			if opts.Mode == Export && !srcDev && tgtDev {
				return errs.New(errs.ArgumentError, "swapped operation: regular-file source with block-device target; pass force to override")
			}
			if opts.Mode != Export && srcDev && !tgtDev {
				return errs.New(errs.ArgumentError, "swapped operation: block-device source with regular-file target; pass force to override")
			}
		}
	}
	return nil
}

// checkSeekable performs the round-trip seek(blocklen/2); tell; seek(0)
// probe of §4.6.
func checkSeekable(e Endpoint, blockLen uint64) error {
	if _, err := e.Seek(int64(blockLen/2), io.SeekStart); err != nil {
		return errs.New(errs.ArgumentError, "endpoint is not seekable")
	}
	if _, err := e.Tell(); err != nil {
		return errs.New(errs.ArgumentError, "endpoint is not seekable")
	}
	if _, err := e.Seek(0, io.SeekStart); err != nil {
		return errs.New(errs.ArgumentError, "endpoint is not seekable")
	}
	return nil
}

func isDeviceNode(e Endpoint) (isDev bool, ok bool) {
	d, ok := e.(IsDevice)
	if !ok {
		return false, false
	}
	return d.IsDeviceNode(), true
}

func seekEndpoint(e Endpoint, pos int64) error {
	got, err := e.Seek(pos, io.SeekStart)
	if err != nil {
		return err
	}
	if got != pos {
		return errs.New(errs.AssertionFailure, "seek landed off target: wanted %d, got %d", pos, got)
	}
	return nil
}

func writeImageHeader(image Endpoint, id uuid.UUID, blockLen uint64) error {
	header := make([]byte, blockLen)
	copy(header[0:16], imageSignature)
	copy(header[16:32], id[:])
	header[32] = imageHeaderVersion
	if _, err := image.Write(header); err != nil {
		return errs.Wrap(errs.IoError, err, "writing image header")
	}
	return nil
}

func verifyImageHeader(image Endpoint, id uuid.UUID, blockLen uint64, skip bool) error {
	header := make([]byte, blockLen)
	if _, err := io.ReadFull(image, header); err != nil {
		return errs.Wrap(errs.IoError, err, "reading image header")
	}
	if skip {
		return nil
	}
	if !bytes.Equal(header[0:16], imageSignature) {
		return errs.New(errs.FormatError, "image header signature mismatch")
	}
	if !bytes.Equal(header[16:32], id[:]) {
		return errs.New(errs.FormatError, "image UUID does not match map UUID")
	}
	return nil
}

func copyWholeBlock(mode Mode, image, device Endpoint, blockLen uint64) error {
	buf := make([]byte, blockLen)
	switch mode {
	case Export:
		if _, err := io.ReadFull(device, buf); err != nil {
			return errs.Wrap(errs.IoError, err, "reading source block")
		}
		if _, err := image.Write(buf); err != nil {
			return errs.Wrap(errs.IoError, err, "writing image block")
		}
	default:
		if _, err := io.ReadFull(image, buf); err != nil {
			return errs.Wrap(errs.IoError, err, "reading image block")
		}
		if _, err := device.Write(buf); err != nil {
			return errs.Wrap(errs.IoError, err, "writing target block")
		}
	}
	return nil
}

func copyFractionalBlock(mode Mode, image, device Endpoint, blockLen, fracLen uint64) error {
	switch mode {
	case Export:
		buf := make([]byte, blockLen)
		if _, err := io.ReadFull(device, buf[:fracLen]); err != nil {
			return errs.Wrap(errs.IoError, err, "reading fractional source block")
		}
		if _, err := image.Write(buf); err != nil {
			return errs.Wrap(errs.IoError, err, "writing fractional image block")
		}
	default:
		buf := make([]byte, blockLen)
		if _, err := io.ReadFull(image, buf); err != nil {
			return errs.Wrap(errs.IoError, err, "reading fractional image block")
		}
		if _, err := device.Write(buf[:fracLen]); err != nil {
			return errs.Wrap(errs.IoError, err, "writing fractional target block")
		}
	}
	return nil
}

// zeroFillGap advances the device endpoint past a gap in a NUKE_IMPORT
// run, writing blockLen-sized zero blocks and keeping the physical
// counters in step (§4.6 Main loop).
func zeroFillGap(device Endpoint, blockLen uint64, gapStart, gapEnd int64, physicalPos, physicalTouched *uint64, rep *progress.Reporter, logicalPos uint64) error {
	gap := gapEnd - gapStart
	if gap < 0 || gap%int64(blockLen) != 0 {
		return errs.New(errs.AssertionFailure, "zero-fill gap %d is not a multiple of block size %d", gap, blockLen)
	}
	zero := make([]byte, blockLen)
	blocks := gap / int64(blockLen)
	for i := int64(0); i < blocks; i++ {
		if _, err := device.Write(zero); err != nil {
			return errs.Wrap(errs.IoError, err, "zero-filling gap")
		}
		*physicalPos++
		*physicalTouched++
		rep.Update(logicalPos, *physicalPos, *physicalTouched)
	}
	pos, err := device.Tell()
	if err != nil {
		return err
	}
	if pos != gapEnd {
		return errs.New(errs.AssertionFailure, "zero-fill landed at %d, expected %d", pos, gapEnd)
	}
	return nil
}

// CloseAll closes every endpoint, aggregating failures (§5 Resource
// discipline: sparse copy unconditionally closes map, source, and
// target even on error).
func CloseAll(closers ...io.Closer) error {
	var result *multierror.Error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
