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

// Package progress renders sparsecopy's two-percentage spinner line: a
// logical-position percentage (how far through the block map) and a
// physical-position percentage (how far across the underlying device),
// each with its own throttled spinner baton.
package progress

import (
	"fmt"
	"io"
)

// batons is the 4-frame spinner cycle.
var batons = [4]byte{'|', '/', '-', '\\'}

// Reporter tracks the logical and physical position counters and decides
// when a new line is worth emitting (§4.6): only when either counter's
// 256-block baton index has changed since the last render.
type Reporter struct {
	w io.Writer

	blockCount uint64 // denominator for logical_pct
	blockRange uint64 // denominator for physical_pct

	lastLogicalBaton uint64
	lastPhysicalBaton uint64
	rendered         bool
}

func NewReporter(w io.Writer, blockCount, blockRange uint64) *Reporter {
	return &Reporter{w: w, blockCount: blockCount, blockRange: blockRange}
}

// Update reports the current logical and physical position and touched
// count, rendering a new line only if a baton has advanced.
func (r *Reporter) Update(logicalPos, physicalPos, physicalTouched uint64) {
	logicalBaton := logicalPos >> 8
	physicalBaton := physicalTouched >> 8

	if r.rendered && logicalBaton == r.lastLogicalBaton && physicalBaton == r.lastPhysicalBaton {
		return
	}
	r.lastLogicalBaton = logicalBaton
	r.lastPhysicalBaton = physicalBaton
	r.rendered = true

	r.render(logicalPos, physicalPos, logicalBaton, physicalBaton)
}

// Finish force-emits one final line regardless of baton state (§4.6
// Completion).
func (r *Reporter) Finish(logicalPos, physicalPos, physicalTouched uint64) {
	r.render(logicalPos, physicalPos, logicalPos>>8, physicalTouched>>8)
	fmt.Fprintln(r.w)
}

func (r *Reporter) render(logicalPos, physicalPos, logicalBaton, physicalBaton uint64) {
	logicalPct := permille(logicalPos, r.blockCount)
	physicalPct := permille(physicalPos, r.blockRange)

	fmt.Fprintf(r.w, " %2d.%d%% %c -> %2d.%d%% %c\r",
		logicalPct/10, logicalPct%10, batons[logicalBaton&3],
		physicalPct/10, physicalPct%10, batons[physicalBaton&3])
}

// permille computes floor(pos*1000/total), tenths of a percent.
func permille(pos, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	return pos * 1000 / total
}
