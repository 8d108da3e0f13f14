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

package pbi

import (
	"io"

	"github.com/grailbio/base/errors"
	"github.com/rs/zerolog"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/bgzf"
)

// Builder accumulates the entries of an index while a BAM file is
// written or scanned.
type Builder struct {
	fingerprint uint64
	entries     []Entry
}

// NewBuilder returns a Builder for a BAM file with the given header.
func NewBuilder(header *bam.Header) (*Builder, error) {
	fingerprint, err := header.Fingerprint()
	if err != nil {
		return nil, err
	}
	return &Builder{fingerprint: fingerprint}, nil
}

// Add records rec at the given offset.
func (b *Builder) Add(rec *bam.Record, offset bgzf.VirtualOffset) {
	b.entries = append(b.entries, NewEntry(rec, offset))
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int {
	return len(b.entries)
}

// Index returns the index of the entries added so far.
func (b *Builder) Index() *Index {
	return NewIndex(b.fingerprint, b.entries)
}

// WriteFile atomically writes the index to path.
func (b *Builder) WriteFile(path string) error {
	return b.Index().WriteFile(path)
}

// pendingEntry is an entry whose offset is resolved when the BAM file
// is closed.
type pendingEntry struct {
	index int
	mark  bgzf.Mark
}

// IndexedWriter writes a BAM file and its index in one session. The
// index is only written when the BAM file is closed successfully.
//
// Records added with Append or AppendRaw are indexed by their position
// in the uncompressed stream, and their offsets are resolved by Close,
// so indexing does not hold up the compression pool.
type IndexedWriter struct {
	writer  *bam.Writer
	builder *Builder
	pending []pendingEntry
	path    string
	rec     bam.Record

	closed   bool
	closeErr error
}

var _ bam.RecordWriter = (*IndexedWriter)(nil)

// Create opens a BAM file for writing, and indexes the records written
// to it. The index is written to Path(bamPath) by Close.
func Create(bamPath string, header *bam.Header, options ...bam.WriterOption) (*IndexedWriter, error) {
	builder, err := NewBuilder(header)
	if err != nil {
		return nil, err
	}
	writer, err := bam.Open(bamPath, header, options...)
	if err != nil {
		return nil, err
	}
	return &IndexedWriter{writer: writer, builder: builder, path: Path(bamPath)}, nil
}

// Write implements bam.RecordWriter.
func (w *IndexedWriter) Write(rec *bam.Record) (bgzf.VirtualOffset, error) {
	offset, err := w.writer.Write(rec)
	if err != nil {
		return 0, err
	}
	w.builder.Add(rec, offset)
	return offset, nil
}

func (w *IndexedWriter) decode(encoded []byte) error {
	if len(encoded) < 4 {
		return errors.E(errors.Invalid, "pbi: encoded record too short")
	}
	if err := w.rec.Unmarshal(encoded[4:]); err != nil {
		return errors.E(errors.Invalid, "pbi: cannot index encoded record", err)
	}
	return nil
}

// WriteRaw implements bam.RecordWriter. The record is decoded to obtain
// its index entry.
func (w *IndexedWriter) WriteRaw(encoded []byte) (bgzf.VirtualOffset, error) {
	if err := w.decode(encoded); err != nil {
		return 0, err
	}
	offset, err := w.writer.WriteRaw(encoded)
	if err != nil {
		return 0, err
	}
	w.builder.Add(&w.rec, offset)
	return offset, nil
}

func (w *IndexedWriter) addPending(rec *bam.Record, mark bgzf.Mark) {
	w.pending = append(w.pending, pendingEntry{index: w.builder.Len(), mark: mark})
	w.builder.Add(rec, 0)
}

// Append implements bam.RecordWriter.
func (w *IndexedWriter) Append(rec *bam.Record) error {
	mark, err := w.writer.MarkedAppend(rec)
	if err != nil {
		return err
	}
	w.addPending(rec, mark)
	return nil
}

// AppendRaw implements bam.RecordWriter.
func (w *IndexedWriter) AppendRaw(encoded []byte) error {
	if err := w.decode(encoded); err != nil {
		return err
	}
	mark, err := w.writer.MarkedAppendRaw(encoded)
	if err != nil {
		return err
	}
	w.addPending(&w.rec, mark)
	return nil
}

func (w *IndexedWriter) resolvePending() error {
	for _, p := range w.pending {
		offset, err := w.writer.Resolve(p.mark)
		if err != nil {
			return err
		}
		w.builder.entries[p.index].Offset = offset
	}
	w.pending = nil
	return nil
}

// TryFlush implements bam.RecordWriter.
func (w *IndexedWriter) TryFlush() error {
	return w.writer.TryFlush()
}

// Close closes the BAM file and then writes the index.
func (w *IndexedWriter) Close() error {
	if w.closed {
		return w.closeErr
	}
	w.closed = true
	if w.closeErr = w.writer.Close(); w.closeErr == nil {
		if w.closeErr = w.resolvePending(); w.closeErr == nil {
			w.closeErr = w.builder.WriteFile(w.path)
		}
	}
	return w.closeErr
}

// Build scans an existing BAM file and writes its index next to it.
func Build(bamPath string, logger zerolog.Logger) (err error) {
	reader, err := bam.OpenReader(bamPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reader.Close(); err == nil {
			err = cerr
		}
	}()
	builder, err := NewBuilder(reader.Header())
	if err != nil {
		return err
	}
	var rec bam.Record
	for {
		offset, err := reader.ReadWithOffset(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.E(bamPath, err)
		}
		builder.Add(&rec, offset)
	}
	logger.Info().Str("bam", bamPath).Int("records", builder.Len()).Msg("indexed BAM file")
	return builder.WriteFile(Path(bamPath))
}
