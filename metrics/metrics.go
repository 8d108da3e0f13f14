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

// Package metrics provides Prometheus metrics for BAM writer and query
// sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Writer holds the metrics of BAM write sessions. It implements
// bgzf.Observer.
type Writer struct {
	RecordsWritten    prometheus.Counter
	BlocksWritten     prometheus.Counter
	UncompressedBytes prometheus.Counter
	CompressedBytes   prometheus.Counter
	BlockLatency      prometheus.Histogram
	Failures          prometheus.Counter
}

// NewWriter creates and registers the writer metrics with the provided
// registry.
func NewWriter(reg prometheus.Registerer) *Writer {
	m := &Writer{
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_writer_records_total",
			Help: "Total number of BAM records written",
		}),
		BlocksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_writer_blocks_total",
			Help: "Total number of BGZF blocks appended to the output",
		}),
		UncompressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_writer_uncompressed_bytes_total",
			Help: "Total number of bytes submitted for compression",
		}),
		CompressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_writer_compressed_bytes_total",
			Help: "Total number of compressed bytes appended to the output",
		}),
		BlockLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbbam_writer_block_compression_seconds",
			Help:    "Histogram of the time spent compressing one BGZF block",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_writer_failures_total",
			Help: "Total number of write sessions that failed",
		}),
	}
	reg.MustRegister(m.RecordsWritten, m.BlocksWritten, m.UncompressedBytes, m.CompressedBytes, m.BlockLatency, m.Failures)
	return m
}

// ObserveBlock records one appended block.
func (m *Writer) ObserveBlock(uncompressed, compressed int, elapsed time.Duration) {
	m.BlocksWritten.Inc()
	m.UncompressedBytes.Add(float64(uncompressed))
	m.CompressedBytes.Add(float64(compressed))
	m.BlockLatency.Observe(elapsed.Seconds())
}

// Query holds the metrics of filtered record queries.
type Query struct {
	Candidates  prometheus.Counter
	RecordsRead prometheus.Counter
	BlockSeeks  prometheus.Counter
}

// NewQuery creates and registers the query metrics with the provided
// registry.
func NewQuery(reg prometheus.Registerer) *Query {
	m := &Query{
		Candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_query_candidates_total",
			Help: "Total number of index entries that matched a query filter",
		}),
		RecordsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_query_records_read_total",
			Help: "Total number of records returned by queries",
		}),
		BlockSeeks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbbam_query_seeks_total",
			Help: "Total number of virtual offset seeks performed by queries",
		}),
	}
	reg.MustRegister(m.Candidates, m.RecordsRead, m.BlockSeeks)
	return m
}
