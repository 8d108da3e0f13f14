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

	"github.com/michaelpierrelee/pbbam/pbi"
)

// IndexHelp is the help string for this command.
const IndexHelp = "index parameters:\n" +
	"pbbam index bam-file\n" +
	"[--config file]\n" +
	"[--log-path path]\n" +
	"[--log-level level]\n"

// Index implements the pbbam index command.
func Index() error {
	cfg, err := configFromArgs(os.Args[2:])
	if err != nil {
		return err
	}
	var flags flag.FlagSet
	registerConfigFlags(&flags, &cfg, false)
	parseFlags(&flags, 3, IndexHelp)

	input := getFilename(os.Args[2], IndexHelp)
	if err := checkExist("", input); err != nil {
		return err
	}
	if err := checkCreate("", pbi.Path(input)); err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	return timedRun(logger, "Building index.", func() error {
		return pbi.Build(input, logger)
	})
}
