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

// ByteArray is the value type of H tags.
type ByteArray []byte

// Tag is an optional field of a BAM record.
//
// The following value types are accepted: byte (A), int64 (c, C, s, S,
// i, I), float32 (f), string (Z), ByteArray (H), []int8 (B:c), []uint8
// (B:C), []int16 (B:s), []uint16 (B:S), []int32 (B:i), []uint32 (B:I),
// and []float32 (B:f). Integer values are stored in the smallest type
// that fits them.
type Tag struct {
	Key   string
	Value interface{}
}

// Tag returns the value of the tag with the given key.
func (rec *Record) Tag(key string) (interface{}, bool) {
	for _, tag := range rec.Tags {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return nil, false
}

// SetTag replaces the value of the tag with the given key, or appends a
// new tag.
func (rec *Record) SetTag(key string, value interface{}) {
	for i, tag := range rec.Tags {
		if tag.Key == key {
			rec.Tags[i].Value = value
			return
		}
	}
	rec.Tags = append(rec.Tags, Tag{Key: key, Value: value})
}

// IntTag returns the value of an integer tag.
func (rec *Record) IntTag(key string) (int64, bool) {
	value, ok := rec.Tag(key)
	if !ok {
		return 0, false
	}
	i, ok := value.(int64)
	return i, ok
}

// FloatTag returns the value of a float tag.
func (rec *Record) FloatTag(key string) (float32, bool) {
	value, ok := rec.Tag(key)
	if !ok {
		return 0, false
	}
	f, ok := value.(float32)
	return f, ok
}

// StringTag returns the value of a string tag.
func (rec *Record) StringTag(key string) (string, bool) {
	value, ok := rec.Tag(key)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func appendArrayHeader(out []byte, subtype byte, count, width int) (int, []byte) {
	index, out := enlarge(out, 2+4+width*count)
	out[index] = 'B'
	out[index+1] = subtype
	binary.LittleEndian.PutUint32(out[index+2:index+6], uint32(count))
	return index + 6, out
}

// formatTag appends the binary representation of tag to out,
// dispatching on the actual type of its value. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.4.
func formatTag(out []byte, tag Tag) ([]byte, error) {
	if len(tag.Key) != 2 {
		return out, errors.E(errors.Invalid, fmt.Sprintf("invalid tag key %q", tag.Key))
	}
	start := len(out)
	index, out := enlarge(out, 2)
	copy(out[index:], tag.Key)

	switch val := tag.Value.(type) {
	case byte:
		index, out = enlarge(out, 2)
		out[index] = 'A'
		out[index+1] = val
	case int64:
		switch {
		case val < math.MinInt32 || val > math.MaxUint32:
			return out[:start], errors.E(errors.Invalid, fmt.Sprintf("integer value %v out of range in tag %v", val, tag.Key))
		case val < math.MinInt16:
			index, out = enlarge(out, 5)
			out[index] = 'i'
			binary.LittleEndian.PutUint32(out[index+1:index+5], uint32(val))
		case val < math.MinInt8:
			index, out = enlarge(out, 3)
			out[index] = 's'
			binary.LittleEndian.PutUint16(out[index+1:index+3], uint16(val))
		case val < 0:
			index, out = enlarge(out, 2)
			out[index] = 'c'
			out[index+1] = byte(int8(val))
		case val <= math.MaxUint8:
			index, out = enlarge(out, 2)
			out[index] = 'C'
			out[index+1] = uint8(val)
		case val <= math.MaxUint16:
			index, out = enlarge(out, 3)
			out[index] = 'S'
			binary.LittleEndian.PutUint16(out[index+1:index+3], uint16(val))
		default:
			index, out = enlarge(out, 5)
			out[index] = 'I'
			binary.LittleEndian.PutUint32(out[index+1:index+5], uint32(val))
		}
	case float32:
		index, out = enlarge(out, 5)
		out[index] = 'f'
		binary.LittleEndian.PutUint32(out[index+1:index+5], math.Float32bits(val))
	case string:
		index, out = enlarge(out, 1+len(val)+1)
		out[index] = 'Z'
		index++
		copy(out[index:], val)
		out[index+len(val)] = 0
	case ByteArray:
		const hex = "0123456789ABCDEF"
		index, out = enlarge(out, 1+2*len(val)+1)
		out[index] = 'H'
		index++
		for _, b := range val {
			out[index] = hex[b>>4]
			out[index+1] = hex[b&0xF]
			index += 2
		}
		out[index] = 0
	case []int8:
		index, out = appendArrayHeader(out, 'c', len(val), 1)
		for i, v := range val {
			out[index+i] = byte(v)
		}
	case []uint8:
		index, out = appendArrayHeader(out, 'C', len(val), 1)
		copy(out[index:], val)
	case []int16:
		index, out = appendArrayHeader(out, 's', len(val), 2)
		for i, v := range val {
			binary.LittleEndian.PutUint16(out[index+2*i:], uint16(v))
		}
	case []uint16:
		index, out = appendArrayHeader(out, 'S', len(val), 2)
		for i, v := range val {
			binary.LittleEndian.PutUint16(out[index+2*i:], v)
		}
	case []int32:
		index, out = appendArrayHeader(out, 'i', len(val), 4)
		for i, v := range val {
			binary.LittleEndian.PutUint32(out[index+4*i:], uint32(v))
		}
	case []uint32:
		index, out = appendArrayHeader(out, 'I', len(val), 4)
		for i, v := range val {
			binary.LittleEndian.PutUint32(out[index+4*i:], v)
		}
	case []float32:
		index, out = appendArrayHeader(out, 'f', len(val), 4)
		for i, v := range val {
			binary.LittleEndian.PutUint32(out[index+4*i:], math.Float32bits(v))
		}
	default:
		return out[:start], errors.E(errors.Invalid, fmt.Sprintf("unsupported value type %T in tag %v", tag.Value, tag.Key))
	}
	return out, nil
}

type tagParser func(record []byte, index int) (value interface{}, newIndex int, err error)

func need(record []byte, index, n int) error {
	if index+n > len(record) {
		return errors.E(errors.Integrity, "truncated value")
	}
	return nil
}

func fixedParser(width int, decode func([]byte) interface{}) tagParser {
	return func(record []byte, index int) (interface{}, int, error) {
		if err := need(record, index, width); err != nil {
			return nil, -1, err
		}
		return decode(record[index : index+width]), index + width, nil
	}
}

func parseString(record []byte, index int) (interface{}, int, error) {
	for end := index; end < len(record); end++ {
		if record[end] == 0 {
			return string(record[index:end]), end + 1, nil
		}
	}
	return nil, -1, errors.E(errors.Integrity, "missing NUL byte in string value")
}

func unhex(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	}
	return 0, false
}

func parseByteArray(record []byte, index int) (interface{}, int, error) {
	for end := index; end < len(record); end++ {
		if record[end] != 0 {
			continue
		}
		if (end-index)&1 != 0 {
			return nil, -1, errors.E(errors.Integrity, "odd number of digits in hex value")
		}
		result := make(ByteArray, 0, (end-index)>>1)
		for i := index; i < end; i += 2 {
			hi, ok1 := unhex(record[i])
			lo, ok2 := unhex(record[i+1])
			if !ok1 || !ok2 {
				return nil, -1, errors.E(errors.Integrity, "invalid digit in hex value")
			}
			result = append(result, hi<<4|lo)
		}
		return result, end + 1, nil
	}
	return nil, -1, errors.E(errors.Integrity, "missing NUL byte in hex value")
}

func parseNumericArray(record []byte, index int) (interface{}, int, error) {
	if err := need(record, index, 5); err != nil {
		return nil, -1, err
	}
	subtype := record[index]
	count := int(int32(binary.LittleEndian.Uint32(record[index+1:])))
	index += 5
	if count < 0 {
		return nil, -1, errors.E(errors.Integrity, "negative array length")
	}
	width := map[byte]int{'c': 1, 'C': 1, 's': 2, 'S': 2, 'i': 4, 'I': 4, 'f': 4}[subtype]
	if width == 0 {
		return nil, -1, errors.E(errors.Integrity, fmt.Sprintf("invalid array subtype %q", subtype))
	}
	if err := need(record, index, width*count); err != nil {
		return nil, -1, err
	}
	data := record[index : index+width*count]
	var value interface{}
	switch subtype {
	case 'c':
		result := make([]int8, count)
		for i := range result {
			result[i] = int8(data[i])
		}
		value = result
	case 'C':
		value = append([]uint8(nil), data...)
	case 's':
		result := make([]int16, count)
		for i := range result {
			result[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
		}
		value = result
	case 'S':
		result := make([]uint16, count)
		for i := range result {
			result[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
		value = result
	case 'i':
		result := make([]int32, count)
		for i := range result {
			result[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
		}
		value = result
	case 'I':
		result := make([]uint32, count)
		for i := range result {
			result[i] = binary.LittleEndian.Uint32(data[4*i:])
		}
		value = result
	case 'f':
		result := make([]float32, count)
		for i := range result {
			result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		value = result
	}
	return value, index + width*count, nil
}

var tagParseTable = map[byte]tagParser{
	'A': fixedParser(1, func(b []byte) interface{} { return b[0] }),
	'c': fixedParser(1, func(b []byte) interface{} { return int64(int8(b[0])) }),
	'C': fixedParser(1, func(b []byte) interface{} { return int64(b[0]) }),
	's': fixedParser(2, func(b []byte) interface{} { return int64(int16(binary.LittleEndian.Uint16(b))) }),
	'S': fixedParser(2, func(b []byte) interface{} { return int64(binary.LittleEndian.Uint16(b)) }),
	'i': fixedParser(4, func(b []byte) interface{} { return int64(int32(binary.LittleEndian.Uint32(b))) }),
	'I': fixedParser(4, func(b []byte) interface{} { return int64(binary.LittleEndian.Uint32(b)) }),
	'f': fixedParser(4, func(b []byte) interface{} { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }),
	'Z': parseString,
	'H': parseByteArray,
	'B': parseNumericArray,
}
