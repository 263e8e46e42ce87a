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

// Package errs defines the error-kind taxonomy shared by the analyzer and
// sparsecopy subsystems.
package errs

import "fmt"

// Kind classifies why an operation failed.
type Kind int

const (
	// ArgumentError: missing required key, unknown module, endpoint not
	// seekable when required, swapped operation without force.
	ArgumentError Kind = iota
	// IoError: read/write/seek/stat failure.
	IoError
	// FormatError: bad map signature, malformed extent line, missing
	// required map key, bad image header signature, UUID mismatch.
	FormatError
	// CorruptFilesystem: bad FILE magic, bad USA fixup, resident $DATA on
	// $MFT, missing unnamed $DATA.
	CorruptFilesystem
	// Unsupported: archaic FAT with no EPB, needs_mounted_fs without a
	// mount, an analyzer operation the source never implemented.
	Unsupported
	// AssertionFailure: an internal invariant was violated. The caller
	// should abort the process rather than try to recover.
	AssertionFailure
)

func (k Kind) String() string {
	switch k {
	case ArgumentError:
		return "ArgumentError"
	case IoError:
		return "IoError"
	case FormatError:
		return "FormatError"
	case CorruptFilesystem:
		return "CorruptFilesystem"
	case Unsupported:
		return "Unsupported"
	case AssertionFailure:
		return "AssertionFailure"
	default:
		return "UnknownError"
	}
}

// Error is a Kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, errs.New(errs.FormatError, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Fatal reports whether an AssertionFailure was raised, which by policy
// (§7) aborts the process rather than unwinding normally.
func Fatal(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == AssertionFailure
}
