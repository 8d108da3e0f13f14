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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Flag bits of a BAM record. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 1.4.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

// CigarOperation is one element of a CIGAR string.
type CigarOperation struct {
	Length    int32
	Operation byte
}

// Record is a BAM alignment record. Pos and NextPos are 0-based. Seq
// holds ASCII bases, Qual holds Phred scores without the +33 offset. An
// empty Qual is encoded as missing.
type Record struct {
	Name      string
	Flag      uint16
	RefID     int32
	Pos       int32
	MapQ      byte
	Bin       uint16
	Cigar     []CigarOperation
	NextRefID int32
	NextPos   int32
	TLen      int32
	Seq       []byte
	Qual      []byte
	Tags      []Tag
}

// NewUnmappedRecord returns a record with the reference fields set to
// their unmapped values, as PacBio subreads are stored.
func NewUnmappedRecord(name string, seq, qual []byte) *Record {
	return &Record{
		Name:      name,
		Flag:      Unmapped,
		RefID:     -1,
		Pos:       -1,
		MapQ:      255,
		NextRefID: -1,
		NextPos:   -1,
		Seq:       seq,
		Qual:      qual,
	}
}

// IsUnmapped reports whether the Unmapped flag is set.
func (rec *Record) IsUnmapped() bool {
	return rec.Flag&Unmapped != 0
}

// Reset clears rec for reuse while keeping its allocated slices.
func (rec *Record) Reset() {
	cigar, seq, qual, tags := rec.Cigar[:0], rec.Seq[:0], rec.Qual[:0], rec.Tags[:0]
	*rec = Record{Cigar: cigar, Seq: seq, Qual: qual, Tags: tags}
}

var (
	cigarOps = []byte("MIDNSHP=X")
	cigarMap [256]int8

	seqNibbles = []byte("=ACMGRSVTWYHKDBN")
	nibbleMap  [256]byte
)

func init() {
	for i := range cigarMap {
		cigarMap[i] = -1
	}
	for i, b := range cigarOps {
		cigarMap[b] = int8(i)
	}
	for i := range nibbleMap {
		nibbleMap[i] = 15
	}
	for i, b := range seqNibbles {
		nibbleMap[b] = byte(i)
		if b >= 'A' && b <= 'Z' {
			nibbleMap[b+'a'-'A'] = byte(i)
		}
	}
}

const minus1 = 0xFFFFFFFF

const (
	refIDIndex     = 0
	posIndex       = 4
	lReadNameIndex = posIndex + 4
	mapqIndex      = lReadNameIndex + 1
	binIndex       = mapqIndex + 1
	nCigarOpIndex  = binIndex + 2
	flagIndex      = nCigarOpIndex + 2
	lSeqIndex      = flagIndex + 2
	nextRefIDIndex = lSeqIndex + 4
	nextPosIndex   = nextRefIDIndex + 4
	tlenIndex      = nextPosIndex + 4
	readNameIndex  = tlenIndex + 4
)

// Marshal appends the BAM encoding of rec, including its leading
// block_size field, to out and returns the result. With computeBin set,
// the bin field is computed from the position and CIGAR, otherwise
// rec.Bin is written as is. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func (rec *Record) Marshal(out []byte, computeBin bool) ([]byte, error) {
	if len(rec.Name) == 0 || len(rec.Name) > 254 {
		return out, errors.E(errors.Invalid, fmt.Sprintf("bam: invalid read name length %d", len(rec.Name)))
	}
	if len(rec.Cigar) > math.MaxUint16 {
		return out, errors.E(errors.Invalid, fmt.Sprintf("bam: too many CIGAR operations in record %v", rec.Name))
	}
	if len(rec.Qual) != 0 && len(rec.Qual) != len(rec.Seq) {
		return out, errors.E(errors.Invalid, fmt.Sprintf("bam: sequence and quality lengths differ in record %v", rec.Name))
	}

	start := len(out)
	var index int

	index, out = enlarge(out, 4)
	blockSizeIndex := index

	index, out = enlarge(out, readNameIndex)
	binary.LittleEndian.PutUint32(out[index+refIDIndex:], uint32(rec.RefID))
	binary.LittleEndian.PutUint32(out[index+posIndex:], uint32(rec.Pos))
	out[index+lReadNameIndex] = uint8(len(rec.Name) + 1)
	out[index+mapqIndex] = rec.MapQ
	bin := rec.Bin
	if computeBin {
		bin = rec.ComputeBin()
	}
	binary.LittleEndian.PutUint16(out[index+binIndex:], bin)
	binary.LittleEndian.PutUint16(out[index+nCigarOpIndex:], uint16(len(rec.Cigar)))
	binary.LittleEndian.PutUint16(out[index+flagIndex:], rec.Flag)
	binary.LittleEndian.PutUint32(out[index+lSeqIndex:], uint32(len(rec.Seq)))
	binary.LittleEndian.PutUint32(out[index+nextRefIDIndex:], uint32(rec.NextRefID))
	binary.LittleEndian.PutUint32(out[index+nextPosIndex:], uint32(rec.NextPos))
	binary.LittleEndian.PutUint32(out[index+tlenIndex:], uint32(rec.TLen))

	index, out = enlarge(out, len(rec.Name)+1)
	copy(out[index:], rec.Name)
	out[index+len(rec.Name)] = 0

	index, out = enlarge(out, len(rec.Cigar)*4)
	for _, op := range rec.Cigar {
		code := cigarMap[op.Operation]
		if code < 0 || op.Length < 0 || op.Length >= 1<<28 {
			return out[:start], errors.E(errors.Invalid, fmt.Sprintf("bam: invalid CIGAR operation %d%c in record %v", op.Length, op.Operation, rec.Name))
		}
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(op.Length<<4)|uint32(code))
		index += 4
	}

	index, out = enlarge(out, (len(rec.Seq)+1)>>1)
	for i, b := range rec.Seq {
		if i&1 == 0 {
			out[index+i>>1] = nibbleMap[b] << 4
		} else {
			out[index+i>>1] |= nibbleMap[b]
		}
	}

	index, out = enlarge(out, len(rec.Seq))
	if len(rec.Qual) == 0 {
		for i := range rec.Seq {
			out[index+i] = 0xFF
		}
	} else {
		copy(out[index:], rec.Qual)
	}

	for _, tag := range rec.Tags {
		var err error
		if out, err = formatTag(out, tag); err != nil {
			return out[:start], errors.E(fmt.Sprintf("bam: record %v", rec.Name), err)
		}
	}

	binary.LittleEndian.PutUint32(out[blockSizeIndex:blockSizeIndex+4], uint32(len(out)-blockSizeIndex-4))
	return out, nil
}

// Unmarshal decodes a BAM record without its leading block_size field
// into rec, reusing rec's slices. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func (rec *Record) Unmarshal(record []byte) (err error) {
	if len(record) < readNameIndex {
		return errors.E(errors.Integrity, "bam: truncated record")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.E(errors.Integrity, fmt.Sprintf("bam: malformed record: %v", r))
		}
	}()

	rec.RefID = int32(binary.LittleEndian.Uint32(record[refIDIndex:]))
	rec.Pos = int32(binary.LittleEndian.Uint32(record[posIndex:]))
	lReadName := int(record[lReadNameIndex])
	rec.MapQ = record[mapqIndex]
	rec.Bin = binary.LittleEndian.Uint16(record[binIndex:])
	nCigarOp := int(binary.LittleEndian.Uint16(record[nCigarOpIndex:]))
	rec.Flag = binary.LittleEndian.Uint16(record[flagIndex:])
	lSeq := int(int32(binary.LittleEndian.Uint32(record[lSeqIndex:])))
	rec.NextRefID = int32(binary.LittleEndian.Uint32(record[nextRefIDIndex:]))
	rec.NextPos = int32(binary.LittleEndian.Uint32(record[nextPosIndex:]))
	rec.TLen = int32(binary.LittleEndian.Uint32(record[tlenIndex:]))

	if lReadName < 1 || lSeq < 0 {
		return errors.E(errors.Integrity, "bam: invalid record lengths")
	}
	if need := readNameIndex + lReadName + 4*nCigarOp + (lSeq+1)>>1 + lSeq; need > len(record) {
		return errors.E(errors.Integrity, "bam: truncated record")
	}

	index := readNameIndex
	rec.Name = string(record[index : index+lReadName-1])
	index += lReadName

	rec.Cigar = rec.Cigar[:0]
	for i := 0; i < nCigarOp; i, index = i+1, index+4 {
		cigar := binary.LittleEndian.Uint32(record[index : index+4])
		if int(cigar&0xF) >= len(cigarOps) {
			return errors.E(errors.Integrity, fmt.Sprintf("bam: invalid CIGAR operation in record %v", rec.Name))
		}
		rec.Cigar = append(rec.Cigar, CigarOperation{
			Length:    int32(cigar >> 4),
			Operation: cigarOps[cigar&0xF],
		})
	}

	rec.Seq = rec.Seq[:0]
	for i := 0; i < lSeq; i++ {
		b := record[index+i>>1]
		if i&1 == 0 {
			b >>= 4
		}
		rec.Seq = append(rec.Seq, seqNibbles[b&0xF])
	}
	index += (lSeq + 1) >> 1

	rec.Qual = rec.Qual[:0]
	if lSeq > 0 && record[index] != 0xFF {
		rec.Qual = append(rec.Qual, record[index:index+lSeq]...)
	}
	index += lSeq

	rec.Tags = rec.Tags[:0]
	for index < len(record) {
		if index+3 > len(record) {
			return errors.E(errors.Integrity, fmt.Sprintf("bam: truncated tag in record %v", rec.Name))
		}
		key := string(record[index : index+2])
		parse, ok := tagParseTable[record[index+2]]
		if !ok {
			return errors.E(errors.Integrity, fmt.Sprintf("bam: invalid type %q for tag %v in record %v", record[index+2], key, rec.Name))
		}
		var value interface{}
		if value, index, err = parse(record, index+3); err != nil {
			return errors.E(fmt.Sprintf("bam: tag %v in record %v", key, rec.Name), err)
		}
		rec.Tags = append(rec.Tags, Tag{Key: key, Value: value})
	}
	return nil
}
