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

// Package analyze holds the analyzer module registry and dispatch logic
// (§4.1): a small set of named modules, each able to recognize a
// filesystem from its first bytes and emit a block map for it.
package analyze

import (
	"fmt"
	"io"
	"strings"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/sscafiti/blkclone/internal/blockmap"
	"github.com/sscafiti/blkclone/internal/errs"
)

// Source is the random-access view of the filesystem under analysis. It is
// deliberately an io.ReaderAt, not an io.Reader: positioned reads need no
// rewind bookkeeping the way the original stream-based probe/analyze split
// did, since probing and analyzing both read from offset 0 independently.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// Module is one registered analyzer.
type Module struct {
	// Name is matched case-insensitively when the caller picks a type
	// explicitly.
	Name string
	// ProbeLen is how many bytes from offset 0 Recognize needs.
	ProbeLen int
	// Recognize decides, from the probe bytes, whether this module
	// applies. It must never panic or return an error — ambiguity is
	// always false, never a thrown error (§7).
	Recognize func(probe []byte) bool
	// NeedsMountedFS is true for modules that require a mounted
	// filesystem rather than raw block access (none of the modules
	// registered by this repository set it, but the registry supports it
	// per §4.1).
	NeedsMountedFS bool
	// Analyze emits the block map for src to w. mountHint is the mount
	// path given on the command line, or "".
	Analyze func(src Source, w *blockmap.Writer, mountHint string) error
}

// Registry holds modules in registration order.
type Registry struct {
	modules []*Module
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends m to the registry.
func (r *Registry) Register(m *Module) {
	r.modules = append(r.modules, m)
}

// Modules returns the registered modules in registration order.
func (r *Registry) Modules() []*Module {
	return r.modules
}

func (r *Registry) maxProbeLen() int {
	max := 0
	for _, m := range r.modules {
		if m.ProbeLen > max {
			max = m.ProbeLen
		}
	}
	return max
}

// Detect implements dispatch steps 1-4 of §4.1: read the combined probe
// buffer once, then either look up typeName by name or run Recognize over
// the registry in order. It does not invoke Analyze.
func (r *Registry) Detect(src Source, typeName string) (*Module, error) {
	probeLen := r.maxProbeLen()
	probe := make([]byte, probeLen)
	if probeLen > 0 {
		n, err := src.ReadAt(probe, 0)
		// A short read is fine as long as every registered module's own
		// probe length is satisfied by what came back; modules compare
		// against probe[:m.ProbeLen] so a trailing short read only
		// matters to whichever module needed those trailing bytes.
		if err != nil && err != io.EOF && n < probeLen {
			return nil, errs.Wrap(errs.IoError, err, "reading probe header")
		}
		probe = probe[:n]
	}

	if typeName != "" {
		for _, m := range r.modules {
			if strings.EqualFold(m.Name, typeName) {
				return m, nil
			}
		}
		return nil, errs.New(errs.ArgumentError, "unknown analyzer module %q", typeName)
	}

	var rejected *multierror.Error
	for _, m := range r.modules {
		if len(probe) < m.ProbeLen {
			rejected = multierror.Append(rejected, fmt.Errorf("%s: probe too short (%d < %d bytes)", m.Name, len(probe), m.ProbeLen))
			continue
		}
		if m.Recognize(probe[:m.ProbeLen]) {
			return m, nil
		}
		rejected = multierror.Append(rejected, fmt.Errorf("%s: did not recognize this filesystem", m.Name))
	}
	return nil, errs.Wrap(errs.ArgumentError, rejected.ErrorOrNil(), "no analyzer module recognized this filesystem")
}

// Run performs the full dispatch (§4.1 steps 1-6): detect, check the mount
// requirement, and analyze.
func (r *Registry) Run(src Source, typeName, mountHint string, w *blockmap.Writer) error {
	m, err := r.Detect(src, typeName)
	if err != nil {
		return err
	}
	if m.NeedsMountedFS && mountHint == "" {
		return errs.New(errs.Unsupported, "module %q needs a mounted filesystem", m.Name)
	}
	return m.Analyze(src, w, mountHint)
}
