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

	"github.com/grailbio/base/errors"
)

// VirtualOffset is a BGZF virtual file offset. The upper 48 bits hold the
// file offset of the start of a compressed block, the lower 16 bits the
// offset of a byte inside the uncompressed contents of that block. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.1.1.
//
// Virtual offsets from the same file are totally ordered by the position
// of the bytes they address.
type VirtualOffset uint64

const (
	intraBits = 16

	// MaxIntraBlockOffset is the largest offset a VirtualOffset can hold
	// inside one uncompressed block.
	MaxIntraBlockOffset = 1<<intraBits - 1

	// MaxBlockFileOffset is the largest compressed block address a
	// VirtualOffset can hold.
	MaxBlockFileOffset = 1<<(64-intraBits) - 1
)

// MakeVirtualOffset combines the file offset of a compressed block and an
// offset into its uncompressed contents.
func MakeVirtualOffset(blockFileOffset int64, intraBlockOffset int) (VirtualOffset, error) {
	if intraBlockOffset < 0 || intraBlockOffset > MaxIntraBlockOffset {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("bgzf: intra-block offset %d out of range", intraBlockOffset))
	}
	if blockFileOffset < 0 || blockFileOffset > MaxBlockFileOffset {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("bgzf: block file offset %d out of range", blockFileOffset))
	}
	return VirtualOffset(uint64(blockFileOffset)<<intraBits | uint64(intraBlockOffset)), nil
}

// Split returns the block file offset and the intra-block offset.
func (off VirtualOffset) Split() (blockFileOffset int64, intraBlockOffset int) {
	return int64(off >> intraBits), int(off & MaxIntraBlockOffset)
}

// BlockFileOffset is the file offset of the compressed block.
func (off VirtualOffset) BlockFileOffset() int64 {
	return int64(off >> intraBits)
}

// IntraBlockOffset is the offset inside the uncompressed block.
func (off VirtualOffset) IntraBlockOffset() int {
	return int(off & MaxIntraBlockOffset)
}

func (off VirtualOffset) String() string {
	return fmt.Sprintf("%d:%d", off.BlockFileOffset(), off.IntraBlockOffset())
}
