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

// Package pbi reads and writes PacBio BAM index files. A .pbi file
// stores per-record attributes of a BAM file in columns, together with
// the virtual offset of every record, so that records can be selected
// without scanning the BAM file.
package pbi

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/grailbio/base/errors"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/bgzf"
	"github.com/michaelpierrelee/pbbam/internal"
)

// Suffix is appended to the name of a BAM file to name its index.
const Suffix = ".pbi"

// Version is the index format version written by this package.
const Version = 0x00040000

// BasicSection is the only section flag this package reads and writes.
const BasicSection = 0x0000

const (
	magic         = "PBI\x01"
	reservedBytes = 10
)

// Path returns the index path of the given BAM file.
func Path(bamPath string) string {
	return bamPath + Suffix
}

// Entry is one row of an index.
type Entry struct {
	ReadGroup    int32
	QueryStart   int32
	QueryEnd     int32
	HoleNumber   int32
	ReadAccuracy float32
	ContextFlags uint8
	Offset       bgzf.VirtualOffset
}

// SubreadLength is the length of the record in polymerase read
// coordinates.
func (e Entry) SubreadLength() int32 {
	return e.QueryEnd - e.QueryStart
}

// NewEntry returns the index entry of rec at the given offset.
func NewEntry(rec *bam.Record, offset bgzf.VirtualOffset) Entry {
	return Entry{
		ReadGroup:    bam.ReadGroupNumericID(rec.ReadGroupID()),
		QueryStart:   rec.QueryStart(),
		QueryEnd:     rec.QueryEnd(),
		HoleNumber:   rec.HoleNumber(),
		ReadAccuracy: rec.ReadAccuracy(),
		ContextFlags: rec.ContextFlags(),
		Offset:       offset,
	}
}

// Index is a loaded index. It is read-only and can be shared between
// goroutines.
type Index struct {
	fingerprint uint64
	entries     []Entry
}

// NewIndex returns an index over the given entries, sorted by offset.
func NewIndex(fingerprint uint64, entries []Entry) *Index {
	entries = slices.Clone(entries)
	slices.SortStableFunc(entries, func(a, b Entry) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	return &Index{fingerprint: fingerprint, entries: entries}
}

// Entries returns the entries ordered by file offset. The slice must
// not be modified.
func (idx *Index) Entries() []Entry {
	return idx.entries
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Fingerprint returns the fingerprint of the BAM header that the index
// was built for.
func (idx *Index) Fingerprint() uint64 {
	return idx.fingerprint
}

// CheckHeader fails with an Integrity error when the index does not
// belong to a BAM file with the given header.
func (idx *Index) CheckHeader(header *bam.Header) error {
	fingerprint, err := header.Fingerprint()
	if err != nil {
		return err
	}
	if fingerprint != idx.fingerprint {
		return errors.E(errors.Integrity, fmt.Sprintf("pbi: index fingerprint %016x does not match BAM header %016x", idx.fingerprint, fingerprint))
	}
	return nil
}

type fileHeader struct {
	Magic       [4]byte
	Version     uint32
	Sections    uint16
	Count       uint32
	Fingerprint uint64
	Reserved    [reservedBytes]byte
}

func (idx *Index) columns() []interface{} {
	n := len(idx.entries)
	rg, qs, qe, zm := make([]int32, n), make([]int32, n), make([]int32, n), make([]int32, n)
	rq, cx, off := make([]float32, n), make([]uint8, n), make([]uint64, n)
	for i, e := range idx.entries {
		rg[i], qs[i], qe[i], zm[i] = e.ReadGroup, e.QueryStart, e.QueryEnd, e.HoleNumber
		rq[i], cx[i], off[i] = e.ReadAccuracy, e.ContextFlags, uint64(e.Offset)
	}
	return []interface{}{rg, qs, qe, zm, rq, cx, off}
}

// Write writes the index in BGZF-compressed form to w.
func (idx *Index) Write(w io.Writer, level int) (err error) {
	writer, err := bgzf.NewWriter(w, level, 1)
	if err != nil {
		return err
	}
	defer internal.Close(writer, &err)
	hdr := fileHeader{
		Version:     Version,
		Sections:    BasicSection,
		Count:       uint32(len(idx.entries)),
		Fingerprint: idx.fingerprint,
	}
	copy(hdr.Magic[:], magic)
	if err = binary.Write(writer, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if len(idx.entries) == 0 {
		return nil
	}
	for _, column := range idx.columns() {
		if err = binary.Write(writer, binary.LittleEndian, column); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile atomically creates the named index file.
func (idx *Index) WriteFile(path string) error {
	if err := internal.WriteFileAtomically(path, func(w io.Writer) error {
		return idx.Write(w, bgzf.DefaultCompression)
	}); err != nil {
		return errors.E(path, err)
	}
	return nil
}

func malformed(what string, err error) error {
	return errors.E(errors.Integrity, fmt.Sprintf("pbi: malformed %v", what), err)
}

// Read parses a BGZF-compressed index.
func Read(r io.Reader) (idx *Index, err error) {
	reader := bgzf.NewReader(r)
	defer func() {
		if cerr := reader.Close(); err == nil && cerr != nil {
			err = malformed("compression", cerr)
		}
	}()
	var hdr fileHeader
	if err = binary.Read(reader, binary.LittleEndian, &hdr); err != nil {
		return nil, malformed("header", err)
	}
	if string(hdr.Magic[:]) != magic {
		return nil, errors.E(errors.Integrity, "pbi: invalid magic number")
	}
	if hdr.Sections != BasicSection {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("pbi: unsupported sections %04x", hdr.Sections))
	}
	n := int(hdr.Count)
	rg, qs, qe, zm := make([]int32, n), make([]int32, n), make([]int32, n), make([]int32, n)
	rq, cx, off := make([]float32, n), make([]uint8, n), make([]uint64, n)
	for _, column := range []interface{}{rg, qs, qe, zm, rq, cx, off} {
		if n == 0 {
			break
		}
		if err = binary.Read(reader, binary.LittleEndian, column); err != nil {
			return nil, malformed("column", err)
		}
	}
	var extra [1]byte
	if k, rerr := reader.Read(extra[:]); rerr != io.EOF {
		if rerr == nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("pbi: %d or more unexpected trailing bytes", k))
		}
		return nil, malformed("trailer", rerr)
	}
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{
			ReadGroup:    rg[i],
			QueryStart:   qs[i],
			QueryEnd:     qe[i],
			HoleNumber:   zm[i],
			ReadAccuracy: rq[i],
			ContextFlags: cx[i],
			Offset:       bgzf.VirtualOffset(off[i]),
		}
	}
	return NewIndex(hdr.Fingerprint, entries), nil
}

// Load reads the named index file. It fails with a NotExist error when
// the file does not exist, and with an Integrity error when it is
// malformed.
func Load(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("pbi: index file %v not found", path), err)
		}
		return nil, errors.E(path, err)
	}
	defer file.Close()
	idx, err := Read(file)
	if err != nil {
		return nil, errors.E(path, err)
	}
	return idx, nil
}
