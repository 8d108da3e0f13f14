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
	"fmt"
	"os"

	"github.com/michaelpierrelee/pbbam/chemistry"
)

// ChemistryHelp is the help string for this command.
const ChemistryHelp = "chemistry parameters:\n" +
	"pbbam chemistry binding-kit sequencing-kit basecaller-version\n" +
	"[--chemistry-bundle-dir path]\n" +
	"[--config file]\n"

// Chemistry implements the pbbam chemistry command.
func Chemistry() error {
	cfg, err := configFromArgs(os.Args[2:])
	if err != nil {
		return err
	}
	var flags flag.FlagSet
	registerConfigFlags(&flags, &cfg, false)
	parseFlags(&flags, 5, ChemistryHelp)

	bindingKit := getFilename(os.Args[2], ChemistryHelp)
	sequencingKit := getFilename(os.Args[3], ChemistryHelp)
	version := getFilename(os.Args[4], ChemistryHelp)

	if err := cfg.applyEnvironment(); err != nil {
		return err
	}
	name, err := chemistry.Lookup(bindingKit, sequencingKit, version)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}
