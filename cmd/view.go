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
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/bgzf"
	"github.com/michaelpierrelee/pbbam/internal"
	"github.com/michaelpierrelee/pbbam/query"
)

// ViewHelp is the help string for this command.
const ViewHelp = "view parameters:\n" +
	"pbbam view bam-file\n" +
	"[--length n]\n" +
	"[--compare ==|<|<=|>|>=|!=]\n" +
	"[--min-accuracy q]\n" +
	"[--read-group id]\n" +
	"[--sam]\n" +
	"[--config file]\n" +
	"[--log-path path]\n" +
	"[--log-level level]\n"

// View implements the pbbam view command. It prints one line per
// record: virtual offset, name, hole number, query start, query end,
// and read accuracy. With --sam, the header and records are printed as
// SAM text instead.
func View() error {
	cfg, err := configFromArgs(os.Args[2:])
	if err != nil {
		return err
	}
	var (
		sel selection
		sam bool
	)
	var flags flag.FlagSet
	registerConfigFlags(&flags, &cfg, false)
	sel.register(&flags)
	flags.BoolVar(&sam, "sam", false, "print header and records as SAM text")
	parseFlags(&flags, 3, ViewHelp)

	input := getFilename(os.Args[2], ViewHelp)
	if err := checkExist("", input); err != nil {
		return err
	}
	if _, err := setupLogging(cfg); err != nil {
		return err
	}
	out := bufio.NewWriter(os.Stdout)
	if err := viewBam(out, input, sel, sam); err != nil {
		return err
	}
	return out.Flush()
}

type recordFormatter func(offset bgzf.VirtualOffset, rec *bam.Record) error

func formatRecord(out io.Writer, offset bgzf.VirtualOffset, rec *bam.Record) error {
	_, err := fmt.Fprintf(out, "%v\t%v\t%d\t%d\t%d\t%.4f\n", offset, rec.Name, rec.HoleNumber(), rec.QueryStart(), rec.QueryEnd(), rec.ReadAccuracy())
	return err
}

func newFormatter(out io.Writer, hdr *bam.Header, sam bool) (recordFormatter, error) {
	if !sam {
		return func(offset bgzf.VirtualOffset, rec *bam.Record) error {
			return formatRecord(out, offset, rec)
		}, nil
	}
	if err := hdr.FormatSamHeader(out); err != nil {
		return nil, err
	}
	return func(_ bgzf.VirtualOffset, rec *bam.Record) (err error) {
		buf := internal.ReserveByteBuffer()
		defer func() { internal.ReleaseByteBuffer(buf) }()
		if buf, err = rec.FormatSam(buf, hdr); err != nil {
			return err
		}
		_, err = out.Write(buf)
		return err
	}, nil
}

// viewBam prints the records of input that sel selects. Without a
// selection, the file is scanned and no index is needed.
func viewBam(out io.Writer, input string, sel selection, sam bool) error {
	if sel.empty() {
		return scanBam(out, input, sam)
	}
	filter, err := sel.filter()
	if err != nil {
		return err
	}
	return queryBam(out, input, filter, sam)
}

func scanBam(out io.Writer, input string, sam bool) (err error) {
	reader, err := bam.OpenReader(input)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reader.Close(); err == nil {
			err = cerr
		}
	}()
	format, err := newFormatter(out, reader.Header(), sam)
	if err != nil {
		return err
	}
	var rec bam.Record
	for {
		offset, rerr := reader.ReadWithOffset(&rec)
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
		if err = format(offset, &rec); err != nil {
			return err
		}
	}
}

func queryBam(out io.Writer, input string, filter query.Filter, sam bool) (err error) {
	q, err := query.New(input, filter)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := q.Close(); err == nil {
			err = cerr
		}
	}()
	format, err := newFormatter(out, q.Header(), sam)
	if err != nil {
		return err
	}
	var rec bam.Record
	for {
		offset, ok := q.NextOffset()
		if !ok {
			return nil
		}
		if _, err = q.GetNext(&rec); err != nil {
			return err
		}
		if err = format(offset, &rec); err != nil {
			return err
		}
	}
}
