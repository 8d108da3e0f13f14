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

package chemistry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleXML = `<?xml version="1.0" encoding="utf-8"?>
<MappingTable>
  <Mapping>
    <BindingKit>101-789-500</BindingKit>
    <SequencingKit>101-826-100</SequencingKit>
    <SoftwareVersion>8.0</SoftwareVersion>
    <SequencingChemistry>S/P4-C2/5.0-8M</SequencingChemistry>
  </Mapping>
  <Mapping>
    <BindingKit>100-862-200</BindingKit>
    <SequencingKit>100-861-800</SequencingKit>
    <SoftwareVersion>4.0</SoftwareVersion>
    <SequencingChemistry>OVERRIDE</SequencingChemistry>
  </Mapping>
</MappingTable>
`

func writeBundle(t *testing.T, contents string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MappingFile), []byte(contents), 0o644))
	return dir
}

func TestLookupBuiltIn(t *testing.T) {
	ResetCache()
	t.Setenv(BundleDirEnv, "")
	for _, test := range []struct {
		binding, sequencing, version, chemistry string
	}{
		{"100356300", "100356200", "2.1.0.0", "P6-C4"},
		{"100-619-300", "100-620-000", "3.0.17", "S/P1-C1/beta"},
		{"100-862-200", "101-093-700", "5.0.0.6236", "S/P2-C2/5.0"},
		{"101-500-400", "101-491-000", "5.0", "S/P2-C2/5.0"},
	} {
		chemistry, err := Lookup(test.binding, test.sequencing, test.version)
		require.NoError(t, err)
		assert.Equal(t, test.chemistry, chemistry)
	}
}

func TestLookupUnknown(t *testing.T) {
	ResetCache()
	t.Setenv(BundleDirEnv, "")
	_, err := Lookup("1", "2", "3.0")
	assert.True(t, errors.Is(errors.NotExist, err))
	_, err = Lookup("100356300", "100356200", "2")
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestLookupBundleTakesPrecedence(t *testing.T) {
	ResetCache()
	t.Setenv(BundleDirEnv, writeBundle(t, bundleXML))

	chemistry, err := Lookup("101-789-500", "101-826-100", "8.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "S/P4-C2/5.0-8M", chemistry)

	chemistry, err = Lookup("100-862-200", "100-861-800", "4.0.1")
	require.NoError(t, err)
	assert.Equal(t, "OVERRIDE", chemistry)

	chemistry, err = Lookup("100-619-300", "100-620-000", "3.0")
	require.NoError(t, err)
	assert.Equal(t, "S/P1-C1/beta", chemistry)
}

func TestFromEnvCache(t *testing.T) {
	ResetCache()
	dir := writeBundle(t, bundleXML)
	t.Setenv(BundleDirEnv, dir)

	table, err := FromEnv()
	require.NoError(t, err)
	require.Len(t, table, 2)

	require.NoError(t, os.Remove(filepath.Join(dir, MappingFile)))
	table, err = FromEnv()
	require.NoError(t, err)
	assert.Len(t, table, 2)

	ResetCache()
	_, err = FromEnv()
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestFromXMLErrors(t *testing.T) {
	_, err := FromXML(filepath.Join(t.TempDir(), MappingFile))
	assert.True(t, errors.Is(errors.NotExist, err))

	_, err = FromXML(filepath.Join(writeBundle(t, "<MappingTable><Mapping>"), MappingFile))
	assert.True(t, errors.Is(errors.Integrity, err))

	_, err = FromXML(filepath.Join(writeBundle(t, "<Other></Other>"), MappingFile))
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestFromEnvUnset(t *testing.T) {
	ResetCache()
	t.Setenv(BundleDirEnv, "")
	table, err := FromEnv()
	require.NoError(t, err)
	assert.Empty(t, table)
}
