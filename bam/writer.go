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
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/rs/zerolog"

	"github.com/michaelpierrelee/pbbam/bgzf"
	"github.com/michaelpierrelee/pbbam/internal"
	"github.com/michaelpierrelee/pbbam/metrics"
)

// DefaultThreads is the default number of compression workers of a
// Writer.
const DefaultThreads = 4

// RecordWriter is implemented by writers that accept BAM records.
//
// Write and WriteRaw report where each record starts, which requires all
// earlier blocks to be compressed first. Append and AppendRaw keep the
// compression pool busy, and are the ones to use when the caller does
// not need the offset.
type RecordWriter interface {
	Write(rec *Record) (bgzf.VirtualOffset, error)
	WriteRaw(encoded []byte) (bgzf.VirtualOffset, error)
	Append(rec *Record) error
	AppendRaw(encoded []byte) error
	TryFlush() error
	Close() error
}

type config struct {
	level      int
	threads    int
	binMode    BinCalculationMode
	metrics    *metrics.Writer
	logger     zerolog.Logger
	stdoutSink io.Writer
}

// WriterOption configures a Writer.
type WriterOption func(*config)

// WithCompressionLevel sets the compression level, from -1 (default) to
// 9 (best).
func WithCompressionLevel(level int) WriterOption {
	return func(c *config) { c.level = level }
}

// WithThreads sets the number of compression workers. 0 means
// runtime.GOMAXPROCS(0), 1 means synchronous compression.
func WithThreads(threads int) WriterOption {
	return func(c *config) { c.threads = threads }
}

// WithBinCalculation controls whether bin numbers are computed.
func WithBinCalculation(mode BinCalculationMode) WriterOption {
	return func(c *config) { c.binMode = mode }
}

// WithMetrics reports records, blocks and failures to m.
func WithMetrics(m *metrics.Writer) WriterOption {
	return func(c *config) { c.metrics = m }
}

// WithLogger sets the logger of the writer.
func WithLogger(logger zerolog.Logger) WriterOption {
	return func(c *config) { c.logger = logger }
}

// Writer writes a BAM file. It is not safe for concurrent use; the
// parallelism is in the compression of its blocks.
type Writer struct {
	path       string
	file       *os.File
	bgzf       *bgzf.Writer
	computeBin bool
	metrics    *metrics.Writer
	logger     zerolog.Logger

	failed   bool
	closed   bool
	closeErr error
}

var _ RecordWriter = (*Writer)(nil)

func ioError(path string, err error) error {
	if os.IsNotExist(err) {
		return errors.E(errors.NotExist, path, err)
	}
	return errors.E(path, err)
}

// Open creates destination and writes header to it. A destination of
// "-" denotes standard output, which is never closed by the Writer.
//
// The header is flushed into its own blocks, so the first record starts
// at a block boundary.
func Open(destination string, header *Header, options ...WriterOption) (*Writer, error) {
	cfg := config{
		level:   bgzf.DefaultCompression,
		threads: DefaultThreads,
		binMode: BinCalculationOn,
		logger:  zerolog.Nop(),
	}
	for _, option := range options {
		option(&cfg)
	}
	if header == nil {
		return nil, errors.E(errors.Invalid, "bam: missing header")
	}
	if err := bgzf.CheckLevel(cfg.level); err != nil {
		return nil, err
	}
	if cfg.threads < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bam: invalid thread count %d", cfg.threads))
	}
	encoded, err := header.Marshal()
	if err != nil {
		return nil, err
	}

	writer := &Writer{
		path:       destination,
		computeBin: bool(cfg.binMode),
		metrics:    cfg.metrics,
		logger:     cfg.logger.With().Str("bam", destination).Logger(),
	}
	var out io.Writer
	if internal.IsStdio(destination) {
		out = os.Stdout
		if cfg.stdoutSink != nil {
			out = cfg.stdoutSink
		}
	} else {
		if writer.file, err = os.Create(destination); err != nil {
			return nil, ioError(destination, err)
		}
		out = writer.file
	}

	var bgzfOptions []bgzf.Option
	if cfg.metrics != nil {
		bgzfOptions = append(bgzfOptions, bgzf.WithObserver(cfg.metrics))
	}
	if writer.bgzf, err = bgzf.NewWriter(out, cfg.level, cfg.threads, bgzfOptions...); err != nil {
		writer.closeFile()
		return nil, err
	}
	if _, err = writer.bgzf.Write(encoded); err == nil {
		err = writer.bgzf.Flush()
	}
	if err != nil {
		_ = writer.bgzf.Close()
		writer.closeFile()
		return nil, ioError(destination, err)
	}
	writer.logger.Debug().
		Int("level", cfg.level).
		Int("threads", writer.bgzf.Threads()).
		Bool("bin", writer.computeBin).
		Msg("opened BAM writer")
	return writer, nil
}

func (writer *Writer) closeFile() error {
	if writer.file == nil {
		return nil
	}
	err := writer.file.Close()
	writer.file = nil
	return err
}

func (writer *Writer) fail(err error) error {
	if !writer.failed {
		writer.failed = true
		if writer.metrics != nil {
			writer.metrics.Failures.Inc()
		}
		writer.logger.Error().Err(err).Msg("BAM write session failed")
	}
	return err
}

// Write encodes rec and writes it. It returns the virtual offset at
// which the encoded record starts, and therefore waits until all earlier
// blocks are compressed.
//
// An invalid record is rejected without affecting the session. Any
// other failure is sticky: every later call returns it.
func (writer *Writer) Write(rec *Record) (bgzf.VirtualOffset, error) {
	mark, err := writer.MarkedAppend(rec)
	if err != nil {
		return 0, err
	}
	return writer.Resolve(mark)
}

// WriteRaw writes a record that is already BAM-encoded, including its
// block_size field, and returns its virtual offset like Write.
func (writer *Writer) WriteRaw(encoded []byte) (bgzf.VirtualOffset, error) {
	mark, err := writer.MarkedAppendRaw(encoded)
	if err != nil {
		return 0, err
	}
	return writer.Resolve(mark)
}

// Append encodes rec and writes it without waiting for the compression
// pool, except when the pool has too many outstanding blocks.
func (writer *Writer) Append(rec *Record) error {
	_, err := writer.MarkedAppend(rec)
	return err
}

// AppendRaw writes an encoded record like WriteRaw, without waiting for
// its offset.
func (writer *Writer) AppendRaw(encoded []byte) error {
	_, err := writer.MarkedAppendRaw(encoded)
	return err
}

// MarkedAppend is Append, but also returns the position of the record
// in the uncompressed stream. Resolve turns it into a virtual offset
// later, for example after Close.
func (writer *Writer) MarkedAppend(rec *Record) (bgzf.Mark, error) {
	if writer.closed {
		return bgzf.Mark{}, errors.E(errors.NotAllowed, "bam: write after close")
	}
	buf := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(buf) }()
	buf, err := rec.Marshal(buf, writer.computeBin)
	if err != nil {
		return bgzf.Mark{}, err
	}
	return writer.MarkedAppendRaw(buf)
}

// MarkedAppendRaw is AppendRaw, but also returns the position of the
// record.
func (writer *Writer) MarkedAppendRaw(encoded []byte) (bgzf.Mark, error) {
	if writer.closed {
		return bgzf.Mark{}, errors.E(errors.NotAllowed, "bam: write after close")
	}
	if len(encoded) < 4+readNameIndex || int(binary.LittleEndian.Uint32(encoded)) != len(encoded)-4 {
		return bgzf.Mark{}, errors.E(errors.Invalid, "bam: encoded record does not match its block_size field")
	}
	if err := writer.bgzf.Err(); err != nil {
		return bgzf.Mark{}, writer.fail(err)
	}
	mark := writer.bgzf.Mark()
	if _, err := writer.bgzf.Write(encoded); err != nil {
		return bgzf.Mark{}, writer.fail(err)
	}
	if writer.metrics != nil {
		writer.metrics.RecordsWritten.Inc()
	}
	return mark, nil
}

// Resolve returns the virtual offset of a position returned by
// MarkedAppend or MarkedAppendRaw. It waits until all blocks before the
// position are written.
func (writer *Writer) Resolve(mark bgzf.Mark) (bgzf.VirtualOffset, error) {
	offset, err := writer.bgzf.Resolve(mark)
	if err != nil {
		if errors.Is(errors.Invalid, err) {
			return 0, err
		}
		return 0, writer.fail(err)
	}
	return offset, nil
}

// TryFlush submits the current block and waits until all blocks are
// written to the destination. It is a hint: only Close guarantees that
// everything is written.
func (writer *Writer) TryFlush() error {
	if writer.closed {
		return errors.E(errors.NotAllowed, "bam: flush after close")
	}
	if err := writer.bgzf.Flush(); err != nil {
		return writer.fail(err)
	}
	return nil
}

// Close drains the compression pool, writes the BGZF EOF marker and
// closes the destination. Later calls return the result of the first
// one.
func (writer *Writer) Close() error {
	if writer.closed {
		return writer.closeErr
	}
	writer.closed = true
	err := writer.bgzf.Close()
	if err != nil {
		writer.fail(err)
	}
	if nerr := writer.closeFile(); err == nil && nerr != nil {
		err = ioError(writer.path, nerr)
	}
	writer.closeErr = err
	writer.logger.Debug().Err(err).Msg("closed BAM writer")
	return err
}
