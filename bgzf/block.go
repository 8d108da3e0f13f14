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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/flate"
)

const (
	// MaxBlockSize is the maximum size of a compressed BGZF block.
	MaxBlockSize = 65536

	// MaxBlockPayload is the maximum number of uncompressed bytes stored
	// in one block. It leaves room for deflate overhead on incompressible
	// input, so that a compressed block never exceeds MaxBlockSize.
	MaxBlockPayload = 0xff00

	blockHeaderSize  = 18
	blockTrailerSize = 8
)

// Compression levels, following zlib.
const (
	DefaultCompression = flate.DefaultCompression
	NoCompression      = flate.NoCompression
	BestSpeed          = flate.BestSpeed
	BestCompression    = flate.BestCompression
)

var blockHeader = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
}

// eofMarker is the empty block that terminates every BGZF file.
var eofMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// EOFMarker returns a copy of the BGZF end-of-file marker block.
func EOFMarker() []byte {
	return append([]byte(nil), eofMarker...)
}

// CheckLevel reports whether level is a valid compression level.
func CheckLevel(level int) error {
	if level < DefaultCompression || level > BestCompression {
		return errors.E(errors.Invalid, fmt.Sprintf("bgzf: invalid compression level %d", level))
	}
	return nil
}

// one pool of flate writers per compression level
var flateWriterPools [BestCompression - DefaultCompression + 1]sync.Pool

// compressBlock appends the BGZF block for payload to out. It is a
// variable so that tests can inject failing jobs.
var compress = compressBlock

func compressBlock(level int, payload, out []byte) ([]byte, error) {
	if len(payload) > MaxBlockPayload {
		return out, errors.E(errors.Invalid, fmt.Sprintf("bgzf: block payload of %d bytes exceeds %d", len(payload), MaxBlockPayload))
	}
	start := len(out)
	buf := bytes.NewBuffer(out)
	buf.Write(blockHeader)

	pool := &flateWriterPools[level-DefaultCompression]
	var flateWriter *flate.Writer
	if pooled := pool.Get(); pooled != nil {
		flateWriter = pooled.(*flate.Writer)
		flateWriter.Reset(buf)
	} else {
		var err error
		if flateWriter, err = flate.NewWriter(buf, level); err != nil {
			return out, err
		}
	}
	if _, err := flateWriter.Write(payload); err != nil {
		return out, err
	}
	if err := flateWriter.Close(); err != nil {
		return out, err
	}
	pool.Put(flateWriter)

	out = buf.Bytes()
	index := len(out)
	out = append(out, make([]byte, blockTrailerSize)...)
	binary.LittleEndian.PutUint32(out[index:index+4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(out[index+4:index+8], uint32(len(payload)))
	size := len(out) - start
	if size > MaxBlockSize {
		return out[:start], errors.E(errors.Integrity, fmt.Sprintf("bgzf: compressed block of %d bytes exceeds %d", size, MaxBlockSize))
	}
	binary.LittleEndian.PutUint16(out[start+16:start+18], uint16(size-1))
	return out, nil
}

// rawBlock is one block of compressed data in a BGZF file.
type rawBlock struct {
	Data  []byte
	Crc32 uint32
	Size  uint32
	// Length is the total size of the block in the file.
	Length int
	// Address is the file offset of the block, when known.
	Address int64
}

var rawBlockPool = sync.Pool{New: func() interface{} {
	return &rawBlock{Data: make([]byte, 0, MaxBlockSize)}
}}

// readRawBlock reads the next block from r. It returns io.EOF only when r
// is exhausted at a block boundary.
func readRawBlock(r io.Reader, block *rawBlock) error {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return errors.E(errors.Integrity, "bgzf: truncated block header", err)
		}
		return err
	}
	if header[0] != 0x1f || header[1] != 0x8b || header[2] != 0x08 || header[3]&0x04 == 0 {
		return errors.E(errors.Integrity, "bgzf: invalid block header")
	}
	xlen := int(binary.LittleEndian.Uint16(header[10:12]))
	extra := make([]byte, xlen)
	if _, err := io.ReadFull(r, extra); err != nil {
		return errors.E(errors.Integrity, "bgzf: truncated block header", err)
	}
	bsize := -1
	for i := 0; i+4 <= len(extra); {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' && slen == 2 && i+6 <= len(extra) {
			bsize = int(binary.LittleEndian.Uint16(extra[i+4 : i+6]))
			break
		}
		i += 4 + slen
	}
	if bsize < 0 {
		return errors.E(errors.Integrity, "bgzf: missing BC extra subfield in block header")
	}
	dataLength := bsize + 1 - len(header) - xlen - blockTrailerSize
	if dataLength < 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("bgzf: invalid block size %d", bsize+1))
	}
	block.Data = block.Data[:dataLength]
	if _, err := io.ReadFull(r, block.Data); err != nil {
		return errors.E(errors.Integrity, "bgzf: truncated block", noEOF(err))
	}
	var tail [blockTrailerSize]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return errors.E(errors.Integrity, "bgzf: truncated block", noEOF(err))
	}
	block.Crc32 = binary.LittleEndian.Uint32(tail[0:4])
	block.Size = binary.LittleEndian.Uint32(tail[4:8])
	block.Length = bsize + 1
	return nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

var flateReaderPool sync.Pool

// inflate decompresses block into out[:0], reusing out's storage.
func inflate(block *rawBlock, out []byte) ([]byte, error) {
	if block.Size > MaxBlockSize {
		return out[:0], errors.E(errors.Integrity, fmt.Sprintf("bgzf: block claims %d uncompressed bytes", block.Size))
	}
	blockReader := bytes.NewReader(block.Data)
	var flateReader io.ReadCloser
	if pooled := flateReaderPool.Get(); pooled == nil {
		flateReader = flate.NewReader(blockReader)
	} else {
		flateReader = pooled.(io.ReadCloser)
		if err := flateReader.(flate.Resetter).Reset(blockReader, nil); err != nil {
			flateReader = flate.NewReader(blockReader)
		}
	}
	defer flateReaderPool.Put(flateReader)
	for cap(out) < int(block.Size) {
		out = append(out[:cap(out)], 0)
	}
	out = out[:int(block.Size)]
	if _, err := io.ReadFull(flateReader, out); err != nil {
		return out[:0], errors.E(errors.Integrity, "bgzf: corrupt block data", noEOF(err))
	}
	if err := flateReader.Close(); err != nil {
		return out[:0], errors.E(errors.Integrity, "bgzf: corrupt block data", err)
	}
	if crc32.ChecksumIEEE(out) != block.Crc32 {
		return out[:0], errors.E(errors.Integrity, "bgzf: invalid CRC-32 value for a data block")
	}
	return out, nil
}
