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

package bam

// BinCalculationMode controls whether Writer computes the bin field of
// the records it writes.
type BinCalculationMode bool

const (
	BinCalculationOn  BinCalculationMode = true
	BinCalculationOff BinCalculationMode = false
)

// UnmappedBin is the bin of records without a reference position.
const UnmappedBin = 4680

var cigarConsumesReferenceBases = [256]int32{'M': 1, 'D': 1, 'N': 1, '=': 1, 'X': 1}

// End returns the 0-based exclusive end position of rec on its reference.
func (rec *Record) End() int32 {
	end := rec.Pos
	for _, op := range rec.Cigar {
		end += cigarConsumesReferenceBases[op.Operation] * op.Length
	}
	return end
}

// ComputeBin returns the BAI bin of rec. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 5.3.
func (rec *Record) ComputeBin() uint16 {
	beg := rec.Pos
	if beg < 0 {
		return UnmappedBin
	}
	end := beg
	if !rec.IsUnmapped() {
		end = rec.End() - 1
		if end < beg {
			end = beg
		}
	}
	return reg2bin(beg, end)
}

// reg2bin computes the bin of the 0-based closed interval [beg, end].
func reg2bin(beg, end int32) uint16 {
	if beg>>14 == end>>14 {
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	}
	if beg>>17 == end>>17 {
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	}
	if beg>>20 == end>>20 {
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	}
	if beg>>23 == end>>23 {
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	}
	if beg>>26 == end>>26 {
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}
