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

// Package chemistry resolves the sequencing chemistry of a PacBio run
// from its binding kit, sequencing kit, and basecaller version.
package chemistry

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
)

// BundleDirEnv names the environment variable that points to a
// chemistry bundle. A bundle directory contains a chemistry.xml mapping
// table that takes precedence over the built-in table.
const BundleDirEnv = "SMRT_CHEMISTRY_BUNDLE_DIR"

// MappingFile is the name of the mapping table inside a bundle.
const MappingFile = "chemistry.xml"

// Entry maps a binding kit, sequencing kit and major.minor basecaller
// version to a chemistry name.
type Entry struct {
	BindingKit        string
	SequencingKit     string
	BasecallerVersion string
	Chemistry         string
}

// Table is a list of entries. Earlier entries win.
type Table []Entry

// BuiltIn is the table compiled into the program.
var BuiltIn = Table{
	// RS
	{"100356300", "100356200", "2.1", "P6-C4"},
	{"100356300", "100356200", "2.3", "P6-C4"},
	{"100356300", "100612400", "2.1", "P6-C4"},
	{"100356300", "100612400", "2.3", "P6-C4"},
	{"100372700", "100356200", "2.1", "P6-C4"},
	{"100372700", "100356200", "2.3", "P6-C4"},
	{"100372700", "100612400", "2.1", "P6-C4"},
	{"100372700", "100612400", "2.3", "P6-C4"},

	// 3.0
	{"100-619-300", "100-620-000", "3.0", "S/P1-C1/beta"},
	{"100-619-300", "100-620-000", "3.1", "S/P1-C1/beta"},

	// 3.1
	{"100-619-300", "100-867-300", "3.1", "S/P1-C1.1"},
	{"100-619-300", "100-867-300", "3.2", "S/P1-C1.1"},
	{"100-619-300", "100-867-300", "3.3", "S/P1-C1.1"},

	// 3.1.1
	{"100-619-300", "100-902-100", "3.1", "S/P1-C1.2"},
	{"100-619-300", "100-902-100", "3.2", "S/P1-C1.2"},
	{"100-619-300", "100-902-100", "3.3", "S/P1-C1.2"},
	{"100-619-300", "100-902-100", "4.0", "S/P1-C1.2"},
	{"100-619-300", "100-902-100", "4.1", "S/P1-C1.2"},

	// 3.2
	{"100-619-300", "100-972-200", "3.2", "S/P1-C1.3"},
	{"100-619-300", "100-972-200", "3.3", "S/P1-C1.3"},
	{"100-619-300", "100-972-200", "4.0", "S/P1-C1.3"},
	{"100-619-300", "100-972-200", "4.1", "S/P1-C1.3"},

	// 4.0
	{"100-862-200", "100-861-800", "4.0", "S/P2-C2"},
	{"100-862-200", "100-861-800", "4.1", "S/P2-C2"},
	{"100-862-200", "101-093-700", "4.1", "S/P2-C2"},

	// 5.0
	{"100-862-200", "100-861-800", "5.0", "S/P2-C2/5.0"},
	{"100-862-200", "101-093-700", "5.0", "S/P2-C2/5.0"},
	{"100-862-200", "101-309-500", "5.0", "S/P2-C2/5.0"},
	{"100-862-200", "101-309-400", "5.0", "S/P2-C2/5.0"},

	// 2.1 binding kit with 5.0 primary analysis
	{"101-365-900", "100-861-800", "5.0", "S/P2-C2/5.0"},
	{"101-365-900", "101-093-700", "5.0", "S/P2-C2/5.0"},
	{"101-365-900", "101-309-500", "5.0", "S/P2-C2/5.0"},
	{"101-365-900", "101-309-400", "5.0", "S/P2-C2/5.0"},

	// prototype parts
	{"101-490-800", "101-490-900", "5.0", "S/P2-C2/5.0"},
	{"101-490-800", "101-491-000", "5.0", "S/P2-C2/5.0"},
	{"101-500-400", "101-490-900", "5.0", "S/P2-C2/5.0"},
	{"101-500-400", "101-491-000", "5.0", "S/P2-C2/5.0"},
}

// MajorMinor reduces a basecaller version such as 5.0.0.6236 to 5.0.
func MajorMinor(version string) (string, error) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.E(errors.Invalid, fmt.Sprintf("chemistry: invalid basecaller version %q", version))
	}
	return parts[0] + "." + parts[1], nil
}

// Find returns the chemistry of the first matching entry.
func (table Table) Find(bindingKit, sequencingKit, majorMinor string) (string, bool) {
	for _, entry := range table {
		if entry.BindingKit == bindingKit && entry.SequencingKit == sequencingKit && entry.BasecallerVersion == majorMinor {
			return entry.Chemistry, true
		}
	}
	return "", false
}

type xmlMapping struct {
	BindingKit          string `xml:"BindingKit"`
	SequencingKit       string `xml:"SequencingKit"`
	SoftwareVersion     string `xml:"SoftwareVersion"`
	SequencingChemistry string `xml:"SequencingChemistry"`
}

type xmlMappingTable struct {
	XMLName  xml.Name
	Mappings []xmlMapping `xml:"Mapping"`
}

// FromXML loads a mapping table file.
func FromXML(path string) (Table, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("chemistry: %v defined but %v not found", BundleDirEnv, path), err)
		}
		return nil, errors.E(path, err)
	}
	defer file.Close()

	var doc xmlMappingTable
	if err := xml.NewDecoder(file).Decode(&doc); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("chemistry: unparseable XML in %v", path), err)
	}
	if doc.XMLName.Local != "MappingTable" {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("chemistry: MappingTable not found in %v", path))
	}
	table := make(Table, 0, len(doc.Mappings))
	for _, m := range doc.Mappings {
		table = append(table, Entry{
			BindingKit:        strings.TrimSpace(m.BindingKit),
			SequencingKit:     strings.TrimSpace(m.SequencingKit),
			BasecallerVersion: strings.TrimSpace(m.SoftwareVersion),
			Chemistry:         strings.TrimSpace(m.SequencingChemistry),
		})
	}
	return table, nil
}

var cache = struct {
	sync.RWMutex
	tables map[string]Table
}{tables: make(map[string]Table)}

// ResetCache forgets all bundle tables loaded by FromEnv.
func ResetCache() {
	cache.Lock()
	cache.tables = make(map[string]Table)
	cache.Unlock()
}

// FromEnv returns the table of the bundle named by BundleDirEnv, or an
// empty table when the variable is unset. Each bundle directory is
// loaded only once.
func FromEnv() (Table, error) {
	dir := os.Getenv(BundleDirEnv)
	if dir == "" {
		return nil, nil
	}
	cache.RLock()
	table, found := cache.tables[dir]
	cache.RUnlock()
	if found {
		return table, nil
	}

	cache.Lock()
	defer cache.Unlock()
	if table, found = cache.tables[dir]; found {
		return table, nil
	}
	table, err := FromXML(filepath.Join(dir, MappingFile))
	if err != nil {
		return nil, err
	}
	cache.tables[dir] = table
	return table, nil
}

// Lookup returns the chemistry for the given kits and basecaller
// version. The bundle table from the environment is consulted before
// the built-in one.
func Lookup(bindingKit, sequencingKit, basecallerVersion string) (string, error) {
	version, err := MajorMinor(basecallerVersion)
	if err != nil {
		return "", err
	}
	env, err := FromEnv()
	if err != nil {
		return "", err
	}
	if chemistry, found := env.Find(bindingKit, sequencingKit, version); found {
		return chemistry, nil
	}
	if chemistry, found := BuiltIn.Find(bindingKit, sequencingKit, version); found {
		return chemistry, nil
	}
	return "", errors.E(errors.NotExist, fmt.Sprintf("chemistry: unsupported combination of binding kit %v, sequencing kit %v and basecaller version %v", bindingKit, sequencingKit, basecallerVersion))
}
