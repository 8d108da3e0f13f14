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
	"bytes"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSamUnmapped(t *testing.T) {
	hdr := testHeader(t)
	rec := NewUnmappedRecord("movie/1/0_4", []byte("ACGT"), []byte{0, 10, 20, 30})
	rec.Tags = []Tag{
		{Key: TagReadGroup, Value: "b89a4406"},
		{Key: TagQueryStart, Value: int64(0)},
		{Key: TagReadAccuracy, Value: float32(0.8)},
	}
	line, err := rec.FormatSam(nil, hdr)
	require.NoError(t, err)
	assert.Equal(t, "movie/1/0_4\t4\t*\t0\t255\t*\t*\t0\t0\tACGT\t!+5?\tRG:Z:b89a4406\tqs:i:0\trq:f:0.8\n", string(line))
}

func TestFormatSamMapped(t *testing.T) {
	hdr := testHeader(t)
	rec := &Record{
		Name:      "r1",
		Flag:      Multiple | Reversed,
		RefID:     0,
		Pos:       99,
		MapQ:      60,
		Cigar:     []CigarOperation{{Length: 3, Operation: 'M'}, {Length: 1, Operation: 'I'}},
		NextRefID: 0,
		NextPos:   199,
		TLen:      104,
		Tags: []Tag{
			{Key: "XA", Value: byte('x')},
			{Key: "XH", Value: ByteArray{0x0a, 0xff}},
			{Key: "XB", Value: []int16{-1, 2}},
			{Key: "XC", Value: []uint8{7}},
			{Key: "XF", Value: []float32{0.5}},
		},
	}
	line, err := rec.FormatSam([]byte("prefix:"), hdr)
	require.NoError(t, err)
	assert.Equal(t, "prefix:r1\t17\tchr1\t100\t60\t3M1I\t=\t200\t104\t*\t*\tXA:A:x\tXH:H:0aff\tXB:B:s,-1,2\tXC:B:C,7\tXF:B:f,0.5\n", string(line))
}

func TestFormatSamUnsupportedTag(t *testing.T) {
	rec := NewUnmappedRecord("r", nil, nil)
	rec.Tags = []Tag{{Key: "XX", Value: struct{}{}}}
	_, err := rec.FormatSam(nil, testHeader(t))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestFormatSamHeader(t *testing.T) {
	hdr := testHeader(t)
	hdr.References = append(hdr.References, Reference{Name: "chr2", Length: 10})
	var out bytes.Buffer
	require.NoError(t, hdr.FormatSamHeader(&out))
	assert.Equal(t, testHeaderText+"@SQ\tSN:chr2\tLN:10\n", out.String())
}
