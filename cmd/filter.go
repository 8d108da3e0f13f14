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

package cmd

import (
	"flag"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/metrics"
	"github.com/michaelpierrelee/pbbam/pbi"
	"github.com/michaelpierrelee/pbbam/query"
)

// FilterHelp is the help string for this command.
const FilterHelp = "filter parameters:\n" +
	"pbbam filter bam-file output-file\n" +
	"[--length n]\n" +
	"[--compare ==|<|<=|>|>=|!=]\n" +
	"[--min-accuracy q]\n" +
	"[--read-group id]\n" +
	"[--threads nr]\n" +
	"[--compression-level nr]\n" +
	"[--no-bin]\n" +
	"[--pbi]\n" +
	"[--config file]\n" +
	"[--log-path path]\n" +
	"[--log-level level]\n" +
	"[--metrics-addr addr]\n"

// selection holds the filter flags of the filter and view commands.
type selection struct {
	length      int
	compare     string
	minAccuracy float64
	readGroup   string
}

func (sel *selection) register(flags *flag.FlagSet) {
	flags.IntVar(&sel.length, "length", -1, "select subreads by length")
	flags.StringVar(&sel.compare, "compare", ">=", "comparison operator for --length")
	flags.Float64Var(&sel.minAccuracy, "min-accuracy", -1, "select subreads with at least this read accuracy")
	flags.StringVar(&sel.readGroup, "read-group", "", "select subreads of this read group")
}

func (sel selection) empty() bool {
	return sel.length < 0 && sel.minAccuracy < 0 && sel.readGroup == ""
}

func (sel selection) filter() (query.Filter, error) {
	var filters []query.Filter
	if sel.length >= 0 {
		cmp, err := query.ParseCompare(sel.compare)
		if err != nil {
			return nil, err
		}
		filters = append(filters, query.SubreadLength(int32(sel.length), cmp))
	}
	if sel.minAccuracy >= 0 {
		filters = append(filters, query.ReadAccuracy(float32(sel.minAccuracy), query.GreaterEqual))
	}
	if sel.readGroup != "" {
		filters = append(filters, query.ReadGroupName(sel.readGroup))
	}
	if len(filters) == 1 {
		return filters[0], nil
	}
	return query.And(filters...), nil
}

// Filter implements the pbbam filter command.
func Filter() error {
	cfg, err := configFromArgs(os.Args[2:])
	if err != nil {
		return err
	}
	var sel selection
	var flags flag.FlagSet
	registerConfigFlags(&flags, &cfg, true)
	sel.register(&flags)
	parseFlags(&flags, 4, FilterHelp)

	input := getFilename(os.Args[2], FilterHelp)
	output := getFilename(os.Args[3], FilterHelp)

	if err := checkExist("", input); err != nil {
		return err
	}
	if err := checkCreate("", output); err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	if err := cfg.applyEnvironment(); err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	serveMetrics(cfg.MetricsAddr, reg, logger)

	return timedRun(logger, "Filtering subreads.", func() error {
		_, err := filterBam(input, output, sel, cfg, reg, logger)
		return err
	})
}

// filterBam writes the records of input that sel selects to output, and
// returns how many it wrote.
func filterBam(input, output string, sel selection, cfg Config, reg prometheus.Registerer, logger zerolog.Logger) (n int, err error) {
	filter, err := sel.filter()
	if err != nil {
		return 0, err
	}
	q, err := query.New(input, filter, query.WithMetrics(metrics.NewQuery(reg)), query.WithLogger(logger))
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := q.Close(); err == nil {
			err = cerr
		}
	}()

	options := append(cfg.writerOptions(), bam.WithMetrics(metrics.NewWriter(reg)), bam.WithLogger(logger))
	var writer bam.RecordWriter
	if cfg.Pbi {
		writer, err = pbi.Create(output, q.Header(), options...)
	} else {
		writer, err = bam.Open(output, q.Header(), options...)
	}
	if err != nil {
		return 0, err
	}

	var rec bam.Record
	for {
		ok, err := q.GetNext(&rec)
		if err != nil {
			_ = writer.Close()
			return n, err
		}
		if !ok {
			break
		}
		if err := writer.Append(&rec); err != nil {
			_ = writer.Close()
			return n, err
		}
		n++
	}
	if err := writer.Close(); err != nil {
		return n, err
	}
	logger.Info().Int("selected", q.NumReads()).Int("written", n).Str("output", output).Msg("filtered subreads")
	return n, nil
}
