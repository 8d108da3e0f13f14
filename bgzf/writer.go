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
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/exascience/pargo/pipeline"
	"github.com/grailbio/base/errors"
)

type (
	// Observer is notified about every block appended to the output.
	Observer interface {
		ObserveBlock(uncompressed, compressed int, elapsed time.Duration)
	}

	// Option configures a Writer.
	Option func(*Writer)

	// job is one unit of work for the compression pool: an uncompressed
	// payload and, once compressed, the corresponding BGZF block. Jobs
	// are numbered implicitly by the order in which they are submitted.
	job struct {
		payload []byte
		block   []byte
		elapsed time.Duration
		err     error
	}

	// Writer writes BGZF blocks to an io.Writer. With more than one thread,
	// blocks are compressed in parallel, but always appended to the output
	// in the order in which they were submitted.
	Writer struct {
		w        io.Writer
		level    int
		threads  int
		observer Observer

		// owned by the goroutine that calls Write
		current   *job
		submitted int
		closed    bool
		closeErr  error

		p       pipeline.Pipeline
		wait    sync.WaitGroup
		channel chan *job
		data    interface{}

		mutex   sync.Mutex
		drainCh sync.Cond
		drained int
		address int64
		starts  []int64
		err     error
		failed  chan struct{}
	}

	internalWriter Writer

	// Mark is a position in the uncompressed stream of a Writer: the
	// sequence number of a block and a byte offset inside it. A Mark is
	// known as soon as the byte is written, and resolves to a
	// VirtualOffset once all earlier blocks are compressed.
	Mark struct {
		Block  int
		Offset int
	}
)

var jobPool = sync.Pool{New: func() interface{} {
	return &job{
		payload: make([]byte, 0, MaxBlockPayload),
		block:   make([]byte, 0, MaxBlockSize),
	}
}}

func newJob() *job {
	return jobPool.Get().(*job)
}

func releaseJob(j *job) {
	j.payload = j.payload[:0]
	j.block = j.block[:0]
	j.elapsed = 0
	j.err = nil
	jobPool.Put(j)
}

// WithObserver registers an Observer for appended blocks.
func WithObserver(observer Observer) Option {
	return func(bgzf *Writer) {
		bgzf.observer = observer
	}
}

// Err implements the corresponding method of pipeline.Source
func (*internalWriter) Err() error {
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (*internalWriter) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (writer *internalWriter) Fetch(size int) (fetched int) {
	select {
	case j, ok := <-writer.channel:
		if ok {
			writer.data = j
			return 1
		}
	case <-writer.failed:
	}
	writer.data = nil
	return 0
}

// Data implements the corresponding method of pipeline.Source
func (writer *internalWriter) Data() interface{} {
	return writer.data
}

// NewWriter returns a Writer for the given io.Writer.
//
// Following zlib, levels range from 1 (BestSpeed) to 9 (BestCompression).
// Level 0 (NoCompression) only adds the necessary DEFLATE framing, and
// level -1 (DefaultCompression) uses the default compression level.
//
// If threads is 0, the number of compression workers is
// runtime.GOMAXPROCS(0). If threads is 1, blocks are compressed
// synchronously by the calling goroutine.
func NewWriter(w io.Writer, level, threads int, options ...Option) (*Writer, error) {
	if err := CheckLevel(level); err != nil {
		return nil, err
	}
	if threads < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bgzf: invalid thread count %d", threads))
	}
	if threads == 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	bgzf := &Writer{
		w:       w,
		level:   level,
		threads: threads,
		current: newJob(),
		failed:  make(chan struct{}),
	}
	bgzf.drainCh.L = &bgzf.mutex
	for _, option := range options {
		option(bgzf)
	}
	if threads > 1 {
		bgzf.startPool()
	}
	return bgzf, nil
}

func (bgzf *Writer) startPool() {
	bgzf.channel = make(chan *job, bgzf.threads)
	bgzf.p.Source((*internalWriter)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(bgzf.threads, pipeline.Receive(func(_ int, data interface{}) interface{} {
		j := data.(*job)
		bgzf.compressJob(j)
		return j
	})), pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		if j, ok := data.(*job); ok {
			if err := bgzf.appendJob(j); err != nil {
				bgzf.p.SetErr(err)
			}
		}
		return nil
	})))
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		bgzf.p.Run()
	}()
}

// Threads returns the number of compression workers.
func (bgzf *Writer) Threads() int {
	return bgzf.threads
}

func (bgzf *Writer) compressJob(j *job) {
	if bgzf.Err() != nil {
		return
	}
	start := time.Now()
	j.block, j.err = compress(bgzf.level, j.payload, j.block[:0])
	j.elapsed = time.Since(start)
}

// appendJob is the only place where compressed blocks reach the
// underlying io.Writer. Jobs arrive in submission order.
func (bgzf *Writer) appendJob(j *job) error {
	defer releaseJob(j)
	if err := bgzf.Err(); err != nil {
		return err
	}
	err := j.err
	if err == nil {
		_, err = bgzf.w.Write(j.block)
	}
	if err != nil {
		bgzf.fail(err)
		return err
	}
	if bgzf.observer != nil {
		bgzf.observer.ObserveBlock(len(j.payload), len(j.block), j.elapsed)
	}
	bgzf.mutex.Lock()
	bgzf.starts = append(bgzf.starts, bgzf.address)
	bgzf.address += int64(len(j.block))
	bgzf.drained++
	bgzf.mutex.Unlock()
	bgzf.drainCh.Broadcast()
	return nil
}

// fail records the first error of the session and wakes up everybody
// waiting for the pool.
func (bgzf *Writer) fail(err error) {
	bgzf.mutex.Lock()
	if bgzf.err == nil {
		bgzf.err = err
		close(bgzf.failed)
	}
	bgzf.mutex.Unlock()
	bgzf.drainCh.Broadcast()
}

// Err returns the error that made this Writer fail, if any.
func (bgzf *Writer) Err() error {
	bgzf.mutex.Lock()
	defer bgzf.mutex.Unlock()
	return bgzf.err
}

func (bgzf *Writer) check() error {
	if bgzf.closed {
		return errors.E(errors.NotAllowed, "bgzf: writer already closed")
	}
	return bgzf.Err()
}

func (bgzf *Writer) submit() error {
	j := bgzf.current
	bgzf.current = newJob()
	if bgzf.threads == 1 {
		bgzf.submitted++
		bgzf.compressJob(j)
		return bgzf.appendJob(j)
	}
	select {
	case bgzf.channel <- j:
		bgzf.submitted++
		return nil
	case <-bgzf.failed:
		releaseJob(j)
		return bgzf.Err()
	}
}

// awaitBlock blocks until every job before the given block has been
// appended, and returns the file address of that block.
func (bgzf *Writer) awaitBlock(block int) (int64, error) {
	bgzf.mutex.Lock()
	defer bgzf.mutex.Unlock()
	for bgzf.err == nil && bgzf.drained < block {
		bgzf.drainCh.Wait()
	}
	if bgzf.err != nil {
		return 0, bgzf.err
	}
	if block < len(bgzf.starts) {
		return bgzf.starts[block], nil
	}
	return bgzf.address, nil
}

// Write implements the corresponding method of io.Writer. It may block
// when the compression pool has too many outstanding jobs.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	if err = bgzf.check(); err != nil {
		return 0, err
	}
	for len(p) > 0 {
		payload := bgzf.current.payload
		k := copy(payload[len(payload):MaxBlockPayload], p)
		bgzf.current.payload = payload[:len(payload)+k]
		p = p[k:]
		n += k
		if len(bgzf.current.payload) == MaxBlockPayload {
			if err = bgzf.submit(); err != nil {
				return
			}
		}
	}
	return
}

// Mark returns the position of the next byte written to this Writer.
// It never waits for the compression pool.
func (bgzf *Writer) Mark() Mark {
	return Mark{Block: bgzf.submitted, Offset: len(bgzf.current.payload)}
}

// Resolve returns the virtual offset of m. The file address of a block
// is only known once all earlier blocks are compressed, so Resolve waits
// for them. It can still be called after Close.
func (bgzf *Writer) Resolve(m Mark) (VirtualOffset, error) {
	if m.Block < 0 || m.Block > bgzf.submitted {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("bgzf: mark refers to unknown block %d", m.Block))
	}
	address, err := bgzf.awaitBlock(m.Block)
	if err != nil {
		return 0, err
	}
	return MakeVirtualOffset(address, m.Offset)
}

// Tell returns the virtual offset of the next byte written to this
// Writer. It waits until every submitted block is appended, so calling
// it for every write keeps at most one block in the compression pool.
// Use Mark and Resolve to keep the pool busy.
func (bgzf *Writer) Tell() (VirtualOffset, error) {
	if err := bgzf.check(); err != nil {
		return 0, err
	}
	return bgzf.Resolve(bgzf.Mark())
}

// Flush submits the current partial block and waits until all submitted
// blocks are appended to the underlying io.Writer. The next Write starts
// a new block.
func (bgzf *Writer) Flush() error {
	if err := bgzf.check(); err != nil {
		return err
	}
	if len(bgzf.current.payload) > 0 {
		if err := bgzf.submit(); err != nil {
			return err
		}
	}
	_, err := bgzf.awaitBlock(bgzf.submitted)
	return err
}

// Close implements the corresponding method of io.Closer. It drains the
// compression pool and appends the BGZF EOF marker. It does not close
// the underlying io.Writer.
func (bgzf *Writer) Close() error {
	if bgzf.closed {
		return bgzf.closeErr
	}
	bgzf.closed = true
	bgzf.closeErr = bgzf.close()
	return bgzf.closeErr
}

func (bgzf *Writer) close() error {
	if bgzf.Err() == nil && len(bgzf.current.payload) > 0 {
		_ = bgzf.submit()
	}
	if bgzf.threads > 1 {
		close(bgzf.channel)
		bgzf.wait.Wait()
		if err := bgzf.p.Err(); err != nil {
			bgzf.fail(err)
		}
	}
	if err := bgzf.Err(); err != nil {
		return err
	}
	if _, err := bgzf.w.Write(eofMarker); err != nil {
		bgzf.fail(err)
		return err
	}
	return nil
}
