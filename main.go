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

// pbbam writes and queries PacBio BAM files: it compresses records into
// BGZF blocks in parallel, maintains .pbi indexes, and selects subreads
// through them.
//
// Please see the package documentation of bam, pbi and query for the
// API.
package main

import (
	"fmt"
	"os"

	"github.com/michaelpierrelee/pbbam/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: filter, index, view, chemistry")
	fmt.Fprint(os.Stderr, "\n", cmd.FilterHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.IndexHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.ViewHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.ChemistryHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "filter":
		err = cmd.Filter()
	case "index":
		err = cmd.Index()
	case "view":
		err = cmd.View()
	case "chemistry":
		err = cmd.Chemistry()
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	default:
		fmt.Fprintln(os.Stderr, "Unknown command:", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
