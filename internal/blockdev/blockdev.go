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

// Package blockdev opens source and target devices/images for sparsecopy and
// analyze, and answers the pre-flight questions sparsecopy needs: is this a
// seekable regular file or a raw block device, and how big is it.
package blockdev

import (
	"io"
	"os"
	"runtime"
	"strings"
	"unicode"

	"github.com/sscafiti/blkclone/internal/errs"
)

// DefaultSectorSize is used when a device's sector size cannot be queried
// and the caller has not overridden it.
const DefaultSectorSize = 512

// Device wraps an open file or block device with the geometry sparsecopy
// and the analyzers need.
type Device struct {
	Path       string
	SectorSize int64
	RealSize   int64
	IsDevice   bool
	file       *os.File
}

// Open opens path read-only, or read-write when rw is true (§4.6
// pre-flight: IMPORT needs to write the target).
func Open(path string, rw bool) (*Device, error) {
	flag := os.O_RDONLY
	if rw {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(NormalizeVolumePath(path), flag, 0)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "opening %q", path)
	}

	d := &Device{Path: path, file: f, SectorSize: DefaultSectorSize}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, err, "stat %q", path)
	}
	d.IsDevice = st.Mode()&os.ModeDevice != 0

	if d.IsDevice {
		if sz, err := sectorSize(f); err == nil {
			d.SectorSize = sz
		}
		if sz, err := deviceSize(f); err == nil {
			d.RealSize = sz
		} else if sz, err := f.Seek(0, io.SeekEnd); err == nil {
			d.RealSize = sz
		} else {
			f.Close()
			return nil, errs.Wrap(errs.IoError, err, "determining size of %q", path)
		}
	} else {
		sz, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, errs.Wrap(errs.IoError, err, "determining size of %q", path)
		}
		d.RealSize = sz
	}

	return d, nil
}

// Create opens or creates path for reading and writing, truncating it when
// truncate is true. sparsecopy uses it for the image file an EXPORT writes
// (§4.6); IMPORT targets are opened with Open instead.
func Create(path string, truncate bool) (*Device, error) {
	flag := os.O_RDWR | os.O_CREATE
	if truncate {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(NormalizeVolumePath(path), flag, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "creating %q", path)
	}
	d := &Device{Path: path, file: f, SectorSize: DefaultSectorSize}
	if st, err := f.Stat(); err == nil {
		d.IsDevice = st.Mode()&os.ModeDevice != 0
	}
	return d, nil
}

func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

func (d *Device) ReadAt(p []byte, off int64) (int, error)  { return d.file.ReadAt(p, off) }
func (d *Device) WriteAt(p []byte, off int64) (int, error) { return d.file.WriteAt(p, off) }
func (d *Device) Size() int64                              { return d.RealSize }

// Read and Write operate at the file's current position, for sparsecopy's
// seek-then-stream main loop (§4.6), which tracks position explicitly
// rather than computing offsets for every block.
func (d *Device) Read(p []byte) (int, error)  { return d.file.Read(p) }
func (d *Device) Write(p []byte) (int, error) { return d.file.Write(p) }

// Seek repositions the file and returns the new absolute offset, wrapping
// I/O failures as errs.IoError the way the rest of sparsecopy expects.
func (d *Device) Seek(offset int64, whence int) (int64, error) {
	pos, err := d.file.Seek(offset, whence)
	if err != nil {
		return 0, errs.Wrap(errs.IoError, err, "seeking %q", d.Path)
	}
	return pos, nil
}

// Tell returns the current file position without moving it.
func (d *Device) Tell() (int64, error) {
	return d.Seek(0, io.SeekCurrent)
}

// Truncate grows or shrinks a plain-file target to size bytes. Block
// devices cannot be resized this way and callers must not attempt it.
func (d *Device) Truncate(size int64) error {
	if d.IsDevice {
		return errs.New(errs.Unsupported, "cannot truncate block device %q", d.Path)
	}
	return d.file.Truncate(size)
}

// IsDeviceNode reports whether this endpoint is a raw block device, for
// sparsecopy's swapped-operation pre-flight check.
func (d *Device) IsDeviceNode() bool { return d.IsDevice }

// Seekable reports whether the underlying file supports random access,
// needed before a nuke-import can safely overwrite only the live extents
// (§4.6 pre-flight).
func (d *Device) Seekable() bool {
	_, err := d.file.Seek(0, io.SeekCurrent)
	return err == nil
}

// NormalizeVolumePath rewrites a drive-letter path like "C:" into the
// \\.\C: volume form Windows requires for raw access; it is a no-op
// everywhere else.
func NormalizeVolumePath(path string) string {
	if runtime.GOOS != "windows" {
		return path
	}

	path = strings.TrimSpace(path)
	path = strings.ReplaceAll(path, "/", `\`)
	upper := strings.ToUpper(path)

	if strings.HasPrefix(upper, `\\.\`) {
		return upper
	}
	if len(upper) >= 2 && upper[1] == ':' && unicode.IsLetter(rune(upper[0])) {
		return `\\.\` + strings.ToUpper(string(upper[0])) + `:`
	}
	return path
}

func errUnsupportedPlatform(what string) error {
	return errs.New(errs.Unsupported, "%s is not supported on %s", what, runtime.GOOS)
}
