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
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
	"github.com/grailbio/base/errors"
)

// IsGzip determines if the the given byte scanner produces
// a gzip file. It uses ReadByte and UnreadByte to check
// only the initial byte from the input.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

type (
	// inflatedBlock is one block of uncompressed data.
	inflatedBlock struct {
		Data    []byte
		Address int64
	}

	// Reader reads a BGZF stream from start to end, inflating blocks in
	// parallel.
	Reader struct {
		err     error
		r       io.Reader
		p       pipeline.Pipeline
		w       sync.WaitGroup
		channel chan *inflatedBlock
		done    chan struct{}
		ctx     context.Context
		cancel  func()
		data    interface{}
		index   int
		block   *inflatedBlock
		sawEOF  bool
		address int64
	}

	internalReader Reader
)

var inflatedPool = sync.Pool{New: func() interface{} {
	return &inflatedBlock{Data: make([]byte, 0, MaxBlockSize)}
}}

// Err implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Err() error {
	if bgzf.err != io.EOF {
		return bgzf.err
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Fetch(size int) (fetched int) {
	if bgzf.err != nil || bgzf.ctx.Err() != nil {
		return 0
	}
	block := rawBlockPool.Get().(*rawBlock)
	if err := readRawBlock(bgzf.r, block); err != nil {
		rawBlockPool.Put(block)
		if err == io.EOF && !bgzf.sawEOF {
			err = errors.E(errors.Integrity, "bgzf: stream does not end in an EOF marker block")
		}
		bgzf.err = err
		bgzf.data = nil
		return 0
	}
	bgzf.sawEOF = block.Size == 0
	block.Address = bgzf.address
	bgzf.address += int64(block.Length)
	bgzf.data = block
	return 1
}

// Data implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Data() interface{} {
	return bgzf.data
}

// NewReader returns a Reader for the given io.Reader.
func NewReader(r io.Reader) *Reader {
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		r:       r,
		channel: make(chan *inflatedBlock, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	bgzf.p.Source((*internalReader)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		block := data.(*rawBlock)
		defer rawBlockPool.Put(block)
		uncompressed := inflatedPool.Get().(*inflatedBlock)
		uncompressed.Address = block.Address
		var err error
		if uncompressed.Data, err = inflate(block, uncompressed.Data); err != nil {
			bgzf.p.SetErr(err)
		}
		return uncompressed
	})), pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
		select {
		case <-bgzf.ctx.Done():
		case bgzf.channel <- data.(*inflatedBlock):
		}
		return nil
	}, func() {
		close(bgzf.channel)
	})))
	bgzf.w.Add(1)
	go func() {
		defer bgzf.w.Done()
		defer close(bgzf.done)
		bgzf.p.Run()
	}()
	return bgzf
}

// Close implements the corresponding method of io.Closer
func (bgzf *Reader) Close() error {
	bgzf.cancel()
	bgzf.w.Wait()
	return bgzf.p.Err()
}

func (bgzf *Reader) fetchBlock() error {
	select {
	case <-bgzf.ctx.Done():
		return bgzf.ctx.Err()
	case b, ok := <-bgzf.channel:
		return bgzf.receive(b, ok)
	case <-bgzf.done:
		select {
		case b, ok := <-bgzf.channel:
			return bgzf.receive(b, ok)
		default:
			return bgzf.end()
		}
	}
}

func (bgzf *Reader) receive(b *inflatedBlock, ok bool) error {
	if !ok {
		return bgzf.end()
	}
	bgzf.index = 0
	bgzf.block = b
	return nil
}

// end is called once the pipeline has delivered its last block.
func (bgzf *Reader) end() error {
	<-bgzf.done
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Tell returns the virtual offset of the next byte to be read. Only
// call it between calls to Read.
func (bgzf *Reader) Tell() (VirtualOffset, error) {
	for bgzf.block == nil || bgzf.index == len(bgzf.block.Data) {
		if bgzf.block != nil {
			inflatedPool.Put(bgzf.block)
			bgzf.block = nil
		}
		if err := bgzf.fetchBlock(); err != nil {
			return 0, err
		}
	}
	return MakeVirtualOffset(bgzf.block.Address, bgzf.index)
}

// Read implements the corresponding method of io.Reader
func (bgzf *Reader) Read(p []byte) (n int, err error) {
	for bgzf.block == nil || bgzf.index == len(bgzf.block.Data) {
		if bgzf.block != nil {
			inflatedPool.Put(bgzf.block)
			bgzf.block = nil
		}
		if err = bgzf.fetchBlock(); err != nil {
			return
		}
	}
	n = copy(p, bgzf.block.Data[bgzf.index:])
	bgzf.index += n
	return
}
