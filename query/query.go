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

// Package query selects the records of a BAM file through its PacBio
// index, and reads only the selected records.
package query

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/mmap"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/bgzf"
	"github.com/michaelpierrelee/pbbam/metrics"
	"github.com/michaelpierrelee/pbbam/pbi"
)

// State is the life cycle state of a Query.
type State int

const (
	Uninitialized State = iota
	IndexLoaded
	Iterating
	Exhausted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case IndexLoaded:
		return "index loaded"
	case Iterating:
		return "iterating"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Option configures a Query.
type Option func(*Query)

// WithMetrics reports candidates, reads and seeks to m.
func WithMetrics(m *metrics.Query) Option {
	return func(q *Query) { q.metrics = m }
}

// WithLogger sets the logger of the query.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Query) { q.logger = logger }
}

// Query iterates over the records of a BAM file that a filter selects,
// in file order. A Query is not safe for concurrent use, but several
// queries can share one pbi.Index.
type Query struct {
	state      State
	path       string
	filter     Filter
	data       *mmap.ReaderAt
	reader     *bgzf.SeekReader
	header     *bam.Header
	candidates []bgzf.VirtualOffset
	next       int
	buf        []byte
	err        error

	metrics *metrics.Query
	logger  zerolog.Logger
}

// New loads the index of the BAM file at bamPath and prepares a query
// for the records that filter selects. It fails with a NotExist error
// when the index file does not exist.
func New(bamPath string, filter Filter, options ...Option) (*Query, error) {
	idx, err := pbi.Load(pbi.Path(bamPath))
	if err != nil {
		return nil, err
	}
	return NewWithIndex(bamPath, idx, filter, options...)
}

// SubreadLengthQuery prepares a query for the records whose subread
// length compares to length as c says.
func SubreadLengthQuery(length int32, c Compare, bamPath string, options ...Option) (*Query, error) {
	return New(bamPath, SubreadLength(length, c), options...)
}

// NewWithIndex prepares a query with an index that is already loaded.
// The index must belong to the BAM file at bamPath.
func NewWithIndex(bamPath string, idx *pbi.Index, filter Filter, options ...Option) (*Query, error) {
	q := &Query{
		state:  Uninitialized,
		path:   bamPath,
		filter: filter,
		logger: zerolog.Nop(),
	}
	for _, option := range options {
		option(q)
	}
	selected, err := Select(idx, filter)
	if err != nil {
		return nil, err
	}
	q.candidates = make([]bgzf.VirtualOffset, len(selected))
	for i, e := range selected {
		q.candidates[i] = e.Offset
	}

	if q.data, err = mmap.Open(bamPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.NotExist, bamPath, err)
		}
		return nil, errors.E(bamPath, err)
	}
	q.reader = bgzf.NewSeekReader(q.data)
	if q.header, err = bam.ReadHeader(q.reader); err != nil {
		_ = q.data.Close()
		return nil, errors.E(bamPath, err)
	}
	if err = idx.CheckHeader(q.header); err != nil {
		_ = q.data.Close()
		return nil, errors.E(bamPath, err)
	}
	q.state = IndexLoaded
	if q.metrics != nil {
		q.metrics.Candidates.Add(float64(len(q.candidates)))
	}
	q.logger.Debug().
		Str("bam", bamPath).
		Stringer("filter", filter).
		Int("candidates", len(q.candidates)).
		Int("entries", idx.Len()).
		Msg("prepared query")
	return q, nil
}

// State returns the life cycle state of the query.
func (q *Query) State() State {
	return q.state
}

// Header returns the header of the BAM file.
func (q *Query) Header() *bam.Header {
	return q.header
}

// NumReads returns the number of records the filter selected.
func (q *Query) NumReads() int {
	return len(q.candidates)
}

// NextOffset returns the virtual offset of the record that the next
// call to GetNext reads.
func (q *Query) NextOffset() (bgzf.VirtualOffset, bool) {
	if q.err != nil || q.state == Exhausted || q.next >= len(q.candidates) {
		return 0, false
	}
	return q.candidates[q.next], true
}

// GetNext reads the next selected record into rec. It returns false
// once all selected records have been read, and keeps doing so.
func (q *Query) GetNext(rec *bam.Record) (bool, error) {
	switch {
	case q.err != nil:
		return false, q.err
	case q.state == Exhausted:
		return false, nil
	}
	if q.next == len(q.candidates) {
		q.state = Exhausted
		return false, nil
	}
	q.state = Iterating
	offset := q.candidates[q.next]
	if q.reader.Tell() != offset {
		if err := q.reader.Seek(offset); err != nil {
			q.err = errors.E(q.path, err)
			return false, q.err
		}
		if q.metrics != nil {
			q.metrics.BlockSeeks.Inc()
		}
	}
	var err error
	if q.buf, err = bam.ReadRecord(q.reader, rec, q.buf); err != nil {
		q.err = errors.E(errors.Integrity, fmt.Sprintf("query: cannot read record at %v in %v", offset, q.path), err)
		return false, q.err
	}
	q.next++
	if q.metrics != nil {
		q.metrics.RecordsRead.Inc()
	}
	return true, nil
}

// Close releases the mapped BAM file.
func (q *Query) Close() error {
	if q.data == nil {
		return nil
	}
	err := q.data.Close()
	q.data = nil
	q.state = Exhausted
	return err
}
