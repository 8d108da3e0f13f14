// pbbam: writing, indexing and querying PacBio BAM files.
// Copyright (c) 2026 the pbbam authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/michaelpierrelee/pbbam/blob/master/LICENSE.txt>.

package bgzf

import (
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// SeekReader reads a BGZF file through an io.ReaderAt, and can be
// positioned at any VirtualOffset. It inflates one block at a time, and
// is meant for sparse, random access. Use Reader for full scans.
type SeekReader struct {
	r       io.ReaderAt
	raw     rawBlock
	data    []byte
	address int64
	next    int64
	index   int
	loaded  bool
}

// NewSeekReader returns a SeekReader positioned at the start of r.
func NewSeekReader(r io.ReaderAt) *SeekReader {
	return &SeekReader{
		r:    r,
		raw:  rawBlock{Data: make([]byte, 0, MaxBlockSize)},
		data: make([]byte, 0, MaxBlockSize),
	}
}

func (bgzf *SeekReader) load(address int64) error {
	section := io.NewSectionReader(bgzf.r, address, MaxBlockSize)
	if err := readRawBlock(section, &bgzf.raw); err != nil {
		return err
	}
	data, err := inflate(&bgzf.raw, bgzf.data)
	bgzf.data = data
	if err != nil {
		bgzf.address = address
		bgzf.loaded = false
		return err
	}
	bgzf.address = address
	bgzf.next = address + int64(bgzf.raw.Length)
	bgzf.index = 0
	bgzf.loaded = true
	return nil
}

// Seek positions the reader at the given virtual offset.
func (bgzf *SeekReader) Seek(offset VirtualOffset) error {
	address, index := offset.Split()
	if !bgzf.loaded || address != bgzf.address {
		if err := bgzf.load(address); err != nil {
			if err == io.EOF {
				return errors.E(errors.Invalid, fmt.Sprintf("bgzf: virtual offset %v beyond end of file", offset))
			}
			return err
		}
	}
	if index > len(bgzf.data) {
		return errors.E(errors.Invalid, fmt.Sprintf("bgzf: virtual offset %v beyond end of block", offset))
	}
	bgzf.index = index
	return nil
}

// Tell returns the virtual offset of the next byte to be read.
func (bgzf *SeekReader) Tell() VirtualOffset {
	if bgzf.loaded && bgzf.index == len(bgzf.data) {
		return VirtualOffset(uint64(bgzf.next) << intraBits)
	}
	return VirtualOffset(uint64(bgzf.address)<<intraBits | uint64(bgzf.index))
}

// Read implements the corresponding method of io.Reader. Reads continue
// across block boundaries.
func (bgzf *SeekReader) Read(p []byte) (n int, err error) {
	if !bgzf.loaded {
		if err = bgzf.load(bgzf.address); err != nil {
			return
		}
	}
	for bgzf.index == len(bgzf.data) {
		if err = bgzf.load(bgzf.next); err != nil {
			return
		}
	}
	n = copy(p, bgzf.data[bgzf.index:])
	bgzf.index += n
	return
}
