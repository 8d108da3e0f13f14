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

import (
	"fmt"
	"strconv"

	"github.com/grailbio/base/errors"
)

func appendInts[T int8 | int16 | int32](out []byte, subtype string, values []T) []byte {
	out = append(out, subtype...)
	for _, v := range values {
		out = strconv.AppendInt(append(out, ','), int64(v), 10)
	}
	return out
}

func appendUints[T uint8 | uint16 | uint32](out []byte, subtype string, values []T) []byte {
	out = append(out, subtype...)
	for _, v := range values {
		out = strconv.AppendUint(append(out, ','), uint64(v), 10)
	}
	return out
}

// formatSamTag appends the SAM text representation of tag to out. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 1.5.
func formatSamTag(out []byte, tag Tag) ([]byte, error) {
	out = append(append(out, '\t'), tag.Key...)

	switch val := tag.Value.(type) {
	case byte:
		out = append(append(out, ":A:"...), val)
	case int64:
		out = strconv.AppendInt(append(out, ":i:"...), val, 10)
	case float32:
		out = strconv.AppendFloat(append(out, ":f:"...), float64(val), 'g', -1, 32)
	case string:
		out = append(append(out, ":Z:"...), val...)
	case ByteArray:
		out = append(out, ":H:"...)
		for _, b := range val {
			if b < 16 {
				out = append(out, '0')
			}
			out = strconv.AppendUint(out, uint64(b), 16)
		}
	case []int8:
		out = appendInts(out, ":B:c", val)
	case []uint8:
		out = appendUints(out, ":B:C", val)
	case []int16:
		out = appendInts(out, ":B:s", val)
	case []uint16:
		out = appendUints(out, ":B:S", val)
	case []int32:
		out = appendInts(out, ":B:i", val)
	case []uint32:
		out = appendUints(out, ":B:I", val)
	case []float32:
		out = append(out, ":B:f"...)
		for _, v := range val {
			out = strconv.AppendFloat(append(out, ','), float64(v), 'g', -1, 32)
		}
	default:
		return out, errors.E(errors.Invalid, fmt.Sprintf("bam: unsupported value type %T in tag %v", tag.Value, tag.Key))
	}
	return out, nil
}

func referenceName(hdr *Header, id int32) string {
	if id < 0 || int(id) >= len(hdr.References) {
		return "*"
	}
	return hdr.References[id].Name
}

// FormatSam appends the SAM text line of rec, including the trailing
// newline, to out. Reference IDs are resolved with hdr.
func (rec *Record) FormatSam(out []byte, hdr *Header) ([]byte, error) {
	out = append(append(out, rec.Name...), '\t')
	out = append(strconv.AppendUint(out, uint64(rec.Flag), 10), '\t')
	rname := referenceName(hdr, rec.RefID)
	out = append(append(out, rname...), '\t')
	out = append(strconv.AppendInt(out, int64(rec.Pos)+1, 10), '\t')
	out = append(strconv.AppendUint(out, uint64(rec.MapQ), 10), '\t')
	if len(rec.Cigar) == 0 {
		out = append(out, '*')
	}
	for _, op := range rec.Cigar {
		out = append(strconv.AppendInt(out, int64(op.Length), 10), op.Operation)
	}
	out = append(out, '\t')
	switch rnext := referenceName(hdr, rec.NextRefID); {
	case rnext != "*" && rnext == rname:
		out = append(out, '=')
	default:
		out = append(out, rnext...)
	}
	out = append(out, '\t')
	out = append(strconv.AppendInt(out, int64(rec.NextPos)+1, 10), '\t')
	out = append(strconv.AppendInt(out, int64(rec.TLen), 10), '\t')
	if len(rec.Seq) == 0 {
		out = append(out, '*')
	}
	out = append(append(out, rec.Seq...), '\t')
	if len(rec.Qual) == 0 {
		out = append(out, '*')
	}
	for _, q := range rec.Qual {
		out = append(out, q+33)
	}

	var err error
	for _, tag := range rec.Tags {
		if out, err = formatSamTag(out, tag); err != nil {
			return out, err
		}
	}
	return append(out, '\n'), nil
}
