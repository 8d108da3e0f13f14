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
	"io"
	"io/ioutil"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/require"
)

func TestVirtualOffsetRoundTrip(t *testing.T) {
	f := fuzz.New()
	for i := 0; i < 10000; i++ {
		var block uint64
		var intra uint16
		f.Fuzz(&block)
		f.Fuzz(&intra)
		block &= MaxBlockFileOffset
		off, err := MakeVirtualOffset(int64(block), int(intra))
		require.NoError(t, err)
		gotBlock, gotIntra := off.Split()
		require.Equal(t, int64(block), gotBlock)
		require.Equal(t, int(intra), gotIntra)
	}
	for _, c := range []struct {
		block int64
		intra int
	}{{0, 0}, {0, MaxIntraBlockOffset}, {MaxBlockFileOffset, 0}, {MaxBlockFileOffset, MaxIntraBlockOffset}} {
		off, err := MakeVirtualOffset(c.block, c.intra)
		require.NoError(t, err)
		require.Equal(t, c.block, off.BlockFileOffset())
		require.Equal(t, c.intra, off.IntraBlockOffset())
	}
}

func TestVirtualOffsetOutOfRange(t *testing.T) {
	for _, c := range []struct {
		block int64
		intra int
	}{{0, MaxIntraBlockOffset + 1}, {0, -1}, {-1, 0}, {MaxBlockFileOffset + 1, 0}} {
		_, err := MakeVirtualOffset(c.block, c.intra)
		require.Error(t, err)
		require.True(t, errors.Is(errors.Invalid, err), "%v", err)
	}
}

func TestVirtualOffsetOrder(t *testing.T) {
	a, _ := MakeVirtualOffset(10, MaxIntraBlockOffset)
	b, _ := MakeVirtualOffset(11, 0)
	require.True(t, a < b)
	require.Equal(t, "11:0", b.String())
}

func testPayload(n int) []byte {
	rnd := rand.New(rand.NewSource(int64(n)))
	p := make([]byte, n)
	for i := range p {
		// compressible, but not trivially so
		p[i] = "ACGT"[rnd.Intn(4)]
	}
	return p
}

func writeAll(t *testing.T, payload []byte, level, threads int) []byte {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, level, threads)
	require.NoError(t, err)
	for p := payload; len(p) > 0; {
		k := 1 + rand.Intn(5000)
		if k > len(p) {
			k = len(p)
		}
		n, err := w.Write(p[:k])
		require.NoError(t, err)
		require.Equal(t, k, n)
		p = p[k:]
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readAll(t *testing.T, file []byte) []byte {
	r := NewReader(bytes.NewReader(file))
	data, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return data
}

func TestWriterOrderAcrossThreadCounts(t *testing.T) {
	payload := testPayload(5*MaxBlockPayload + 1234)
	var reference []byte
	for _, threads := range []int{0, 1, 2, 8} {
		file := writeAll(t, payload, DefaultCompression, threads)
		require.True(t, bytes.HasSuffix(file, eofMarker))
		data := readAll(t, file)
		require.Equal(t, payload, data, "threads %d", threads)
		if reference == nil {
			reference = file
		} else {
			// compression is deterministic, so the block layout must not
			// depend on the number of workers
			require.Equal(t, reference, file, "threads %d", threads)
		}
	}
}

func TestWriterLevels(t *testing.T) {
	payload := testPayload(3 * MaxBlockPayload)
	var stored, best int
	for level := DefaultCompression; level <= BestCompression; level++ {
		file := writeAll(t, payload, level, 2)
		require.Equal(t, payload, readAll(t, file), "level %d", level)
		switch level {
		case NoCompression:
			stored = len(file)
		case BestCompression:
			best = len(file)
		}
	}
	require.True(t, best < stored)
	_, err := NewWriter(ioutil.Discard, 10, 1)
	require.True(t, errors.Is(errors.Invalid, err))
	_, err = NewWriter(ioutil.Discard, -2, 1)
	require.True(t, errors.Is(errors.Invalid, err))
	_, err = NewWriter(ioutil.Discard, 1, -1)
	require.True(t, errors.Is(errors.Invalid, err))
}

func TestWriterTell(t *testing.T) {
	for _, threads := range []int{1, 4} {
		var buf bytes.Buffer
		w, err := NewWriter(&buf, DefaultCompression, threads)
		require.NoError(t, err)
		var offsets []VirtualOffset
		var chunks [][]byte
		for i := 0; i < 200; i++ {
			off, err := w.Tell()
			require.NoError(t, err)
			if len(offsets) > 0 {
				require.True(t, off > offsets[len(offsets)-1], "threads %d: %v after %v", threads, off, offsets[len(offsets)-1])
			}
			chunk := testPayload(100 + i*7)
			_, err = w.Write(chunk)
			require.NoError(t, err)
			offsets = append(offsets, off)
			chunks = append(chunks, chunk)
		}
		require.NoError(t, w.Close())

		r := NewSeekReader(bytes.NewReader(buf.Bytes()))
		for i := len(offsets) - 1; i >= 0; i-- {
			require.NoError(t, r.Seek(offsets[i]))
			got := make([]byte, len(chunks[i]))
			_, err := io.ReadFull(r, got)
			require.NoError(t, err)
			require.Equal(t, chunks[i], got)
		}
	}
}

func TestWriterMarksKeepPoolBusy(t *testing.T) {
	defer func(saved func(int, []byte, []byte) ([]byte, error)) { compress = saved }(compress)
	var inFlight, maxInFlight int32
	compress = func(level int, payload, out []byte) ([]byte, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if n <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return compressBlock(level, payload, out)
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, BestSpeed, 8)
	require.NoError(t, err)
	var marks []Mark
	var chunks [][]byte
	for i := 0; i < 600; i++ {
		chunk := testPayload(3000 + i%7)
		marks = append(marks, w.Mark())
		_, err := w.Write(chunk)
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.NoError(t, w.Close())
	require.Greater(t, atomic.LoadInt32(&maxInFlight), int32(1))

	r := NewSeekReader(bytes.NewReader(buf.Bytes()))
	var previous VirtualOffset
	for i, mark := range marks {
		off, err := w.Resolve(mark)
		require.NoError(t, err)
		if i > 0 {
			require.True(t, off > previous)
		}
		previous = off
		require.NoError(t, r.Seek(off))
		got := make([]byte, len(chunks[i]))
		_, err = io.ReadFull(r, got)
		require.NoError(t, err)
		require.Equal(t, chunks[i], got)
	}

	_, err = w.Resolve(Mark{Block: len(marks) * 10})
	require.True(t, errors.Is(errors.Invalid, err))
}

func TestWriterFlush(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, BestSpeed, 3)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	off, err := w.Tell()
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), off.BlockFileOffset())
	require.Equal(t, 0, off.IntraBlockOffset())
	_, err = w.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Equal(t, []byte("hello world"), readAll(t, buf.Bytes()))

	_, err = w.Write([]byte("late"))
	require.True(t, errors.Is(errors.NotAllowed, err))
}

func TestWriterFailurePropagation(t *testing.T) {
	defer func(saved func(int, []byte, []byte) ([]byte, error)) { compress = saved }(compress)
	for _, threads := range []int{1, 4} {
		var calls int32
		compress = func(level int, payload, out []byte) ([]byte, error) {
			if atomic.AddInt32(&calls, 1) == 3 {
				return out, errors.E(errors.Integrity, "injected failure")
			}
			return compressBlock(level, payload, out)
		}
		var buf bytes.Buffer
		w, err := NewWriter(&buf, DefaultCompression, threads)
		require.NoError(t, err)
		payload := testPayload(MaxBlockPayload)
		var writeErr error
		for i := 0; i < 10 && writeErr == nil; i++ {
			_, writeErr = w.Write(payload)
		}
		flushErr := w.Flush()
		require.Error(t, flushErr, "threads %d", threads)
		require.True(t, errors.Is(errors.Integrity, flushErr))
		_, err = w.Write([]byte("more"))
		require.Error(t, err)
		_, err = w.Tell()
		require.Error(t, err)
		require.Error(t, w.Close())
		require.False(t, bytes.HasSuffix(buf.Bytes(), eofMarker))
	}
}

type failingWriter struct {
	n int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, io.ErrShortWrite
	}
	w.n--
	return len(p), nil
}

func TestWriterOutputFailure(t *testing.T) {
	for _, threads := range []int{1, 2} {
		w, err := NewWriter(&failingWriter{n: 1}, DefaultCompression, threads)
		require.NoError(t, err)
		payload := testPayload(4 * MaxBlockPayload)
		_, _ = w.Write(payload)
		require.Equal(t, io.ErrShortWrite, w.Close())
		_, err = w.Write(payload)
		require.Error(t, err)
	}
}

func TestReaderMissingEOF(t *testing.T) {
	file := writeAll(t, testPayload(1000), DefaultCompression, 1)
	file = file[:len(file)-len(eofMarker)]
	r := NewReader(bytes.NewReader(file))
	_, err := ioutil.ReadAll(r)
	require.Error(t, err)
	require.True(t, errors.Is(errors.Integrity, err))
	_ = r.Close()
}

func TestReaderTruncatedBlock(t *testing.T) {
	file := writeAll(t, testPayload(3000), DefaultCompression, 1)
	r := NewReader(bytes.NewReader(file[:40]))
	_, err := ioutil.ReadAll(r)
	require.Error(t, err)
	_ = r.Close()
}

func TestSeekReaderBeyondEnd(t *testing.T) {
	file := writeAll(t, testPayload(100), DefaultCompression, 1)
	r := NewSeekReader(bytes.NewReader(file))
	off, _ := MakeVirtualOffset(int64(len(file)), 0)
	require.Error(t, r.Seek(off))
	off, _ = MakeVirtualOffset(0, 101)
	require.Error(t, r.Seek(off))
	off, _ = MakeVirtualOffset(0, 100)
	require.NoError(t, r.Seek(off))
	_, err := r.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	_, err = r.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
}

func TestIsGzip(t *testing.T) {
	file := writeAll(t, testPayload(10), DefaultCompression, 1)
	ok, err := IsGzip(bytes.NewReader(file))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = IsGzip(bytes.NewReader([]byte("@HD")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaderTell(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultCompression, 3)
	require.NoError(t, err)
	var offsets []VirtualOffset
	var chunks [][]byte
	for i := 0; i < 300; i++ {
		off, err := w.Tell()
		require.NoError(t, err)
		chunk := testPayload(500 + i*3)
		_, err = w.Write(chunk)
		require.NoError(t, err)
		offsets = append(offsets, off)
		chunks = append(chunks, chunk)
	}
	require.NoError(t, w.Close())

	r := NewReader(bytes.NewReader(buf.Bytes()))
	for i, chunk := range chunks {
		off, err := r.Tell()
		require.NoError(t, err)
		require.Equal(t, offsets[i], off, "chunk %d", i)
		got := make([]byte, len(chunk))
		_, err = io.ReadFull(r, got)
		require.NoError(t, err)
		require.Equal(t, chunk, got)
	}
	_, err = r.Tell()
	require.Equal(t, io.EOF, err)
	require.NoError(t, r.Close())
}
