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

// Package blockmap reads and writes the v1 block-map text format: a header
// of key/value pairs followed by a list of allocated extents.
package blockmap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sscafiti/blkclone/internal/errs"
)

const (
	signatureLine   = "BLKCLONE BLOCK LIST V1"
	startBlocksLine = "BEGIN BLOCK LIST"
	endBlocksLine   = "END BLOCK LIST"
)

// Required header keys (§3, §6).
var RequiredKeys = []string{"UUID", "Type", "BlockSize", "BlockCount", "BlockRange"}

// KV is one ordered header entry.
type KV struct {
	Key   string
	Value string
}

// Header is the ordered key/value block preceding the extent list.
type Header struct {
	Entries []KV
}

// Get returns the value for key, and whether it was present.
func (h *Header) Get(key string) (string, bool) {
	for _, kv := range h.Entries {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set appends key/value, or overwrites it in place if already present.
func (h *Header) Set(key, value string) {
	for i, kv := range h.Entries {
		if kv.Key == key {
			h.Entries[i].Value = value
			return
		}
	}
	h.Entries = append(h.Entries, KV{Key: key, Value: value})
}

// RequireUint64 fetches key as a base-10 uint64 or returns a FormatError.
func (h *Header) RequireUint64(key string) (uint64, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, errs.New(errs.FormatError, "missing required map key %q", key)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.FormatError, err, "map key %q is not a number", key)
	}
	return n, nil
}

// RequireUUID fetches and parses the UUID header key.
func (h *Header) RequireUUID() (uuid.UUID, error) {
	v, ok := h.Get("UUID")
	if !ok {
		return uuid.UUID{}, errs.New(errs.FormatError, "missing required map key %q", "UUID")
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.UUID{}, errs.Wrap(errs.FormatError, err, "map key %q is not a UUID", "UUID")
	}
	return id, nil
}

// Validate checks that every key in RequiredKeys is present.
func (h *Header) Validate() error {
	for _, k := range RequiredKeys {
		if _, ok := h.Get(k); !ok {
			return errs.New(errs.FormatError, "map is missing required key %q", k)
		}
	}
	return nil
}

// Extent is one line of the block list: either a whole-block run
// (Length > 0) or a fractional block (Num > 0, Denom > 0).
type Extent struct {
	Start  uint64
	Length uint64
	Num    uint32
	Denom  uint32
}

// Fractional reports whether e describes a fractional-block extent.
func (e Extent) Fractional() bool { return e.Length == 0 }

// End returns the first block index past this extent (only meaningful for
// whole-block extents).
func (e Extent) End() uint64 { return e.Start + e.Length }

// Reader parses a block map from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

func (r *Reader) readLine() (string, bool, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", false, errs.Wrap(errs.IoError, err, "reading block map")
		}
		return "", false, nil
	}
	return r.scanner.Text(), true, nil
}

// ReadHeader reads the signature line and the key/value header, stopping at
// "BEGIN BLOCK LIST". It synthesizes a leading "MapVersion: 1" entry, the
// way map_v1_parsekeys does.
func (r *Reader) ReadHeader() (*Header, error) {
	line, ok, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if !ok || line != signatureLine {
		return nil, errs.New(errs.FormatError, "bad block map signature")
	}

	h := &Header{}
	h.Set("MapVersion", "1")

	for {
		line, ok, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.New(errs.FormatError, "block map truncated before %q", startBlocksLine)
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == startBlocksLine {
			return h, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value := strings.TrimLeft(line[idx+1:], " \t")
		h.Set(key, value)
	}
}

// ReadExtent reads one extent line. It returns (extent, false, nil) on a
// normal line, (zero, true, nil) at "END BLOCK LIST", and a FormatError on
// malformed input. Lines beginning with "#" are skipped as comments.
func (r *Reader) ReadExtent() (Extent, bool, error) {
	line, ok, err := r.readLine()
	for err == nil && ok && strings.HasPrefix(line, "#") {
		line, ok, err = r.readLine()
	}
	if err != nil {
		return Extent{}, false, err
	}
	if !ok {
		return Extent{}, false, errs.New(errs.FormatError, "block map truncated before %q", endBlocksLine)
	}
	if line == endBlocksLine {
		return Extent{}, true, nil
	}

	var e Extent
	if plus := strings.IndexByte(line, '+'); plus >= 0 && plus+1 < len(line) && line[plus+1] == '.' {
		var num, denom uint32
		n, scanErr := fmt.Sscanf(line, "%d+.%d/%d", &e.Start, &num, &denom)
		if scanErr != nil || n != 3 {
			return Extent{}, false, errs.New(errs.FormatError, "syntax error in block map index at %q", line)
		}
		e.Num, e.Denom = num, denom
	} else {
		n, scanErr := fmt.Sscanf(line, "%d+%d", &e.Start, &e.Length)
		if scanErr != nil || n != 2 {
			return Extent{}, false, errs.New(errs.FormatError, "syntax error in block map index at %q", line)
		}
	}
	return e, false, nil
}

// Writer emits a block map in the v1 text format.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the signature line, every header entry in order
// (skipping the synthetic MapVersion entry, which is implied by the
// signature itself), and the BEGIN marker.
func (w *Writer) WriteHeader(h *Header) error {
	if _, err := fmt.Fprintln(w.w, signatureLine); err != nil {
		return errs.Wrap(errs.IoError, err, "writing block map signature")
	}
	for _, kv := range h.Entries {
		if kv.Key == "MapVersion" {
			continue
		}
		if _, err := fmt.Fprintf(w.w, "%s: %s\n", kv.Key, kv.Value); err != nil {
			return errs.Wrap(errs.IoError, err, "writing block map header")
		}
	}
	if _, err := fmt.Fprintln(w.w, startBlocksLine); err != nil {
		return errs.Wrap(errs.IoError, err, "writing block map header")
	}
	return nil
}

// WriteExtent writes one extent line.
func (w *Writer) WriteExtent(e Extent) error {
	var err error
	if e.Fractional() {
		_, err = fmt.Fprintf(w.w, "%d+.%d/%d\n", e.Start, e.Num, e.Denom)
	} else {
		_, err = fmt.Fprintf(w.w, "%d+%d\n", e.Start, e.Length)
	}
	if err != nil {
		return errs.Wrap(errs.IoError, err, "writing block map extent")
	}
	return nil
}

// WriteEnd writes the terminating marker.
func (w *Writer) WriteEnd() error {
	if _, err := fmt.Fprintln(w.w, endBlocksLine); err != nil {
		return errs.Wrap(errs.IoError, err, "writing block map terminator")
	}
	return nil
}
