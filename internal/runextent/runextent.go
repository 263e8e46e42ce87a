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

// Package runextent implements the FREE<->ALLOC run-length state machine
// shared by the FAT and NTFS analyzers (§4.2, §4.4): feed it one block at a
// time, in order, and it emits a whole-block extent each time a run of live
// blocks ends.
package runextent

import "github.com/sscafiti/blkclone/internal/blockmap"

// Sink receives extents as an Encoder discovers them.
type Sink interface {
	WriteExtent(blockmap.Extent) error
}

// Slice accumulates extents in memory, used when the caller needs to know
// the total block count before it can write a header that precedes them.
type Slice struct {
	Extents []blockmap.Extent
}

func (s *Slice) WriteExtent(e blockmap.Extent) error {
	s.Extents = append(s.Extents, e)
	return nil
}

// Encoder tracks the current run as Feed is called over consecutive blocks.
type Encoder struct {
	w        Sink
	inRun    bool
	runStart uint64
}

func NewEncoder(w Sink) *Encoder {
	return &Encoder{w: w}
}

// Feed reports whether block is live (allocated/in-use). Blocks must be fed
// in increasing order with no gaps.
func (e *Encoder) Feed(block uint64, live bool) error {
	if live && !e.inRun {
		e.inRun = true
		e.runStart = block
	} else if !live && e.inRun {
		e.inRun = false
		if err := e.w.WriteExtent(blockmap.Extent{Start: e.runStart, Length: block - e.runStart}); err != nil {
			return err
		}
	}
	return nil
}

// Finish closes out a run still open at endBlock (exclusive).
func (e *Encoder) Finish(endBlock uint64) error {
	if e.inRun {
		e.inRun = false
		return e.w.WriteExtent(blockmap.Extent{Start: e.runStart, Length: endBlock - e.runStart})
	}
	return nil
}
