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
	"os"

	"github.com/grailbio/base/errors"

	"github.com/michaelpierrelee/pbbam/bgzf"
	"github.com/michaelpierrelee/pbbam/internal"
)

// ReadRecord reads one record from r into rec. buf is used as scratch
// space and returned for reuse. It returns io.EOF when r is exhausted
// at a record boundary.
func ReadRecord(r io.Reader, rec *Record, buf []byte) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		if err == io.EOF {
			return buf, io.EOF
		}
		return buf, truncated("record", err)
	}
	blockSize := int(int32(binary.LittleEndian.Uint32(size[:])))
	if blockSize < readNameIndex {
		return buf, errors.E(errors.Integrity, fmt.Sprintf("bam: invalid record size %d", blockSize))
	}
	if cap(buf) < blockSize {
		buf = make([]byte, blockSize)
	}
	buf = buf[:blockSize]
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return buf, truncated("record", err)
	}
	return buf, rec.Unmarshal(buf)
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Reader reads the records of a BAM file in order, inflating its blocks
// in parallel.
type Reader struct {
	file   *os.File
	bgzf   *bgzf.Reader
	header *Header
	buf    []byte
}

// NewReader returns a Reader for r, and parses the header.
func NewReader(r io.Reader) (*Reader, error) {
	buf := bufio.NewReader(r)
	if ok, err := bgzf.IsGzip(buf); err != nil {
		return nil, truncated("header", noEOF(err))
	} else if !ok {
		return nil, errors.E(errors.Integrity, "bam: input is not BGZF-compressed")
	}
	reader := &Reader{bgzf: bgzf.NewReader(buf)}
	header, err := ReadHeader(reader.bgzf)
	if err != nil {
		_ = reader.bgzf.Close()
		return nil, err
	}
	reader.header = header
	return reader, nil
}

// OpenReader opens the named BAM file. "-" denotes standard input.
func OpenReader(path string) (*Reader, error) {
	if internal.IsStdio(path) {
		return NewReader(os.Stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, ioError(path, err)
	}
	reader, err := NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, errors.E(path, err)
	}
	reader.file = file
	return reader, nil
}

// Header returns the header of the file.
func (reader *Reader) Header() *Header {
	return reader.header
}

// Read reads the next record into rec. It returns io.EOF after the last
// record.
func (reader *Reader) Read(rec *Record) (err error) {
	reader.buf, err = ReadRecord(reader.bgzf, rec, reader.buf)
	return
}

// ReadWithOffset reads the next record into rec, and returns the
// virtual offset at which it starts.
func (reader *Reader) ReadWithOffset(rec *Record) (bgzf.VirtualOffset, error) {
	offset, err := reader.bgzf.Tell()
	if err != nil {
		return 0, err
	}
	return offset, reader.Read(rec)
}

// Close releases the resources of the reader.
func (reader *Reader) Close() (err error) {
	err = reader.bgzf.Close()
	if reader.file != nil {
		internal.Close(reader.file, &err)
	}
	return
}
