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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// FileFormatVersion is the SAM/BAM format version written into new @HD
// lines.
const FileFormatVersion = "1.6"

// bamMagic is the magic string for the BAM format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

// Reference is an entry in the BAM-encoded sequence dictionary.
type Reference struct {
	Name   string
	Length int32
}

// Header is the immutable header of a BAM file: the SAM header text and
// the sequence dictionary.
type Header struct {
	Text       string
	References []Reference
}

// NewHeader returns a header for the given SAM header text. The
// sequence dictionary is taken from the @SQ lines.
func NewHeader(text string) (*Header, error) {
	hdr := &Header{Text: text}
	for _, line := range headerLines(text) {
		if !strings.HasPrefix(line, "@SQ\t") {
			continue
		}
		fields := headerFields(line)
		sn, found := fields["SN"]
		if !found {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bam: SN entry missing in header line %q", line))
		}
		ln, found := fields["LN"]
		if !found {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bam: LN entry missing in header line %q", line))
		}
		length, err := strconv.ParseInt(ln, 10, 32)
		if err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bam: invalid LN entry in header line %q", line), err)
		}
		hdr.References = append(hdr.References, Reference{Name: sn, Length: int32(length)})
	}
	return hdr, nil
}

func headerLines(text string) (lines []string) {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return
}

func headerFields(line string) map[string]string {
	fields := make(map[string]string)
	for _, field := range strings.Split(line, "\t")[1:] {
		if len(field) > 3 && field[2] == ':' {
			fields[field[:2]] = field[3:]
		}
	}
	return fields
}

// ReferenceID returns the index of the named reference, or -1.
func (hdr *Header) ReferenceID(name string) int32 {
	for i, ref := range hdr.References {
		if ref.Name == name {
			return int32(i)
		}
	}
	return -1
}

// ReadGroups returns the read groups declared in @RG lines.
func (hdr *Header) ReadGroups() (groups []ReadGroup) {
	for _, line := range headerLines(hdr.Text) {
		if strings.HasPrefix(line, "@RG\t") {
			fields := headerFields(line)
			groups = append(groups, ReadGroup{ID: fields["ID"], Fields: fields})
		}
	}
	return
}

// ReadGroup returns the read group with the given ID.
func (hdr *Header) ReadGroup(id string) (ReadGroup, bool) {
	for _, rg := range hdr.ReadGroups() {
		if rg.ID == id {
			return rg, true
		}
	}
	return ReadGroup{}, false
}

func enlarge(out []byte, by int) (int, []byte) {
	index := len(out)
	length := index + by
	for cap(out) < length {
		out = append(out[:cap(out)], 0)
	}
	out = out[:length]
	return index, out
}

// Marshal returns the BAM encoding of the header. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func (hdr *Header) Marshal() ([]byte, error) {
	out := append([]byte(nil), bamMagic...)

	var index int
	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(len(hdr.Text)))
	out = append(out, hdr.Text...)

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(len(hdr.References)))

	for _, ref := range hdr.References {
		if ref.Name == "" || strings.IndexByte(ref.Name, 0) >= 0 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bam: invalid reference name %q", ref.Name))
		}
		if ref.Length < 0 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bam: invalid length %d for reference %v", ref.Length, ref.Name))
		}
		index, out = enlarge(out, 4+len(ref.Name)+1+4)
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(len(ref.Name)+1))
		index += 4
		copy(out[index:], ref.Name)
		out[index+len(ref.Name)] = 0
		index += len(ref.Name) + 1
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(ref.Length))
	}

	return out, nil
}

// Fingerprint is a hash of the BAM encoding of the header. Index files
// store it to detect that they belong to a different BAM file.
func (hdr *Header) Fingerprint() (uint64, error) {
	encoded, err := hdr.Marshal()
	if err != nil {
		return 0, err
	}
	return murmur3.Sum64(encoded), nil
}

func readInt32(reader io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func truncated(what string, err error) error {
	return errors.E(errors.Integrity, fmt.Sprintf("bam: truncated %v", what), err)
}

// ReadHeader parses the header section of a BAM file. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func ReadHeader(reader io.Reader) (*Header, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(reader, magic); err != nil {
		return nil, truncated("header", err)
	}
	if string(magic) != bamMagic {
		return nil, errors.E(errors.Integrity, "bam: invalid BAM file header")
	}
	lText, err := readInt32(reader)
	if err != nil || lText < 0 {
		return nil, truncated("header", err)
	}
	text := make([]byte, int(lText))
	if _, err := io.ReadFull(reader, text); err != nil {
		return nil, truncated("header text", err)
	}
	for i, b := range text {
		if b == 0 {
			text = text[:i]
			break
		}
	}
	nRef, err := readInt32(reader)
	if err != nil || nRef < 0 {
		return nil, truncated("sequence dictionary", err)
	}
	hdr := &Header{Text: string(text), References: make([]Reference, 0, int(nRef))}
	for i := int32(0); i < nRef; i++ {
		lName, err := readInt32(reader)
		if err != nil || lName < 1 {
			return nil, truncated("sequence dictionary", err)
		}
		name := make([]byte, int(lName))
		if _, err := io.ReadFull(reader, name); err != nil {
			return nil, truncated("sequence dictionary", err)
		}
		lRef, err := readInt32(reader)
		if err != nil {
			return nil, truncated("sequence dictionary", err)
		}
		hdr.References = append(hdr.References, Reference{
			Name:   string(name[:len(name)-1]),
			Length: lRef,
		})
	}
	return hdr, nil
}

// FormatSamHeader writes the header text followed by any references
// that are missing from its @SQ lines.
func (hdr *Header) FormatSamHeader(w io.Writer) error {
	out := bufio.NewWriter(w)
	if _, err := out.WriteString(hdr.Text); err != nil {
		return err
	}
	if hdr.Text != "" && !strings.HasSuffix(hdr.Text, "\n") {
		if err := out.WriteByte('\n'); err != nil {
			return err
		}
	}
	declared := make(map[string]bool)
	for _, line := range headerLines(hdr.Text) {
		if strings.HasPrefix(line, "@SQ\t") {
			declared[headerFields(line)["SN"]] = true
		}
	}
	for _, ref := range hdr.References {
		if !declared[ref.Name] {
			if _, err := fmt.Fprintf(out, "@SQ\tSN:%v\tLN:%v\n", ref.Name, ref.Length); err != nil {
				return err
			}
		}
	}
	return out.Flush()
}
