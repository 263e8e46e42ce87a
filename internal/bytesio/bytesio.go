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

// Package bytesio reads fixed-offset, little-endian fields out of raw byte
// buffers. On-disk structures here (ECMA-107 BPBs, MFT records, attribute
// headers, runlists) are defined by field offset and width, not by the
// memory layout of a Go struct, so none of this casts a byte slice onto a
// declared type — every field is read explicitly.
package bytesio

import "fmt"

// U16 reads a little-endian uint16 at off.
func U16(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

// U32 reads a little-endian uint32 at off.
func U32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// U64 reads a little-endian uint64 at off.
func U64(b []byte, off int) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[off+i])
	}
	return v
}

// I8 reads a signed byte at off.
func I8(b []byte, off int) int8 {
	return int8(b[off])
}

// Uint reads an n-byte (1..8) little-endian unsigned integer at off.
func Uint(b []byte, off, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[off+i])
	}
	return v
}

// SignedN reads an n-byte (1..8) little-endian two's-complement integer at
// off and sign-extends it from the top bit of the n-th byte, the encoding
// NTFS runlist offsets use.
func SignedN(b []byte, off, n int) int64 {
	if n == 0 {
		return 0
	}
	u := Uint(b, off, n)
	signBit := uint64(1) << (uint(n)*8 - 1)
	if u&signBit != 0 {
		u |= ^uint64(0) << (uint(n) * 8)
	}
	return int64(u)
}

// RequireLen returns an error if b is shorter than n bytes.
func RequireLen(b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("bytesio: need %d bytes, have %d", n, len(b))
	}
	return nil
}
