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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/bgzf"
	"github.com/michaelpierrelee/pbbam/pbi"
)

const testHeaderText = "@HD\tVN:1.6\tSO:unknown\tpb:3.0.7\n" +
	"@RG\tID:b89a4406\tPL:PACBIO\tDS:READTYPE=SUBREAD;BINDINGKIT=100-862-200;SEQUENCINGKIT=100-861-800;BASECALLERVERSION=5.0.0.6236\tPU:m54006_160504_020705\n"

// writeTestBam writes n subreads of length 50+i with an index next to
// them, and returns the path of the BAM file.
func writeTestBam(t *testing.T, n int) string {
	hdr, err := bam.NewHeader(testHeaderText)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "subreads.bam")
	writer, err := pbi.Create(path, hdr, bam.WithThreads(2))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		seq := bytes.Repeat([]byte("A"), 50+i)
		rec := bam.NewUnmappedRecord(fmt.Sprintf("m54006_160504_020705/%d/0_%d", i, len(seq)), seq, nil)
		rec.Tags = []bam.Tag{
			{Key: bam.TagReadGroup, Value: "b89a4406"},
			{Key: bam.TagQueryStart, Value: int64(0)},
			{Key: bam.TagQueryEnd, Value: int64(len(seq))},
			{Key: bam.TagHoleNumber, Value: int64(i)},
			{Key: bam.TagReadAccuracy, Value: float32(0.7 + 0.02*float32(i))},
		}
		_, err := writer.Write(rec)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return path
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbbam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threads: 2\npbi: true\nlog-level: debug\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Threads)
	assert.True(t, cfg.Pbi)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, bgzf.DefaultCompression, cfg.CompressionLevel)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(errors.NotExist, err))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("threads: [\n"), 0600))
	_, err = LoadConfig(bad)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestConfigFromArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbbam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threads: 8\n"), 0600))

	cfg, err := configFromArgs([]string{"in.bam", "--config", path})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Threads)

	cfg, err = configFromArgs([]string{"in.bam", "--length", "10", "-config=" + path})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Threads)

	cfg, err = configFromArgs([]string{"in.bam"})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = configFromArgs([]string{"in.bam", "--config"})
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	logger, err := newLogger(&out, "warn")
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")

	_, err = newLogger(&out, "loud")
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestSelection(t *testing.T) {
	sel := selection{length: -1, compare: ">=", minAccuracy: -1}
	assert.True(t, sel.empty())

	sel.length = 10
	sel.compare = "~"
	assert.False(t, sel.empty())
	_, err := sel.filter()
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestFilterBam(t *testing.T) {
	input := writeTestBam(t, 10)
	output := filepath.Join(t.TempDir(), "long.bam")
	cfg := DefaultConfig()
	cfg.Pbi = true
	cfg.Threads = 2

	sel := selection{length: 55, compare: ">=", minAccuracy: -1}
	n, err := filterBam(input, output, sel, cfg, prometheus.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	idx, err := pbi.Load(pbi.Path(output))
	require.NoError(t, err)
	require.Equal(t, 5, idx.Len())
	for _, entry := range idx.Entries() {
		assert.GreaterOrEqual(t, entry.SubreadLength(), int32(55))
	}

	reader, err := bam.OpenReader(output)
	require.NoError(t, err)
	defer reader.Close()
	var rec bam.Record
	for i := 5; i < 10; i++ {
		require.NoError(t, reader.Read(&rec))
		assert.Equal(t, int32(i), rec.HoleNumber())
	}
}

func TestFilterBamWithoutIndex(t *testing.T) {
	input := writeTestBam(t, 4)
	output := filepath.Join(t.TempDir(), "all.bam")
	sel := selection{length: -1, compare: ">=", minAccuracy: -1, readGroup: "b89a4406"}
	n, err := filterBam(input, output, sel, DefaultConfig(), prometheus.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = os.Stat(pbi.Path(output))
	assert.True(t, os.IsNotExist(err))
}

func TestViewBam(t *testing.T) {
	input := writeTestBam(t, 6)
	noSelection := selection{length: -1, compare: ">=", minAccuracy: -1}

	var out bytes.Buffer
	require.NoError(t, viewBam(&out, input, noSelection, false))
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	fields := strings.Split(lines[2], "\t")
	require.Len(t, fields, 6)
	assert.Equal(t, "m54006_160504_020705/2/0_52", fields[1])
	assert.Equal(t, []string{"2", "0", "52", "0.7400"}, fields[2:])

	out.Reset()
	sel := noSelection
	sel.minAccuracy = 0.75
	require.NoError(t, viewBam(&out, input, sel, false))
	indexed := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, indexed, 3)
	assert.Equal(t, lines[3:], indexed)

	out.Reset()
	sel = noSelection
	sel.readGroup = "unknown"
	require.NoError(t, viewBam(&out, input, sel, false))
	assert.Empty(t, out.String())
}

func TestViewBamSam(t *testing.T) {
	input := writeTestBam(t, 2)
	var out bytes.Buffer
	require.NoError(t, viewBam(&out, input, selection{length: -1, compare: ">=", minAccuracy: -1}, true))
	require.True(t, strings.HasPrefix(out.String(), testHeaderText))
	records := strings.Split(strings.TrimSuffix(strings.TrimPrefix(out.String(), testHeaderText), "\n"), "\n")
	require.Len(t, records, 2)
	assert.True(t, strings.HasPrefix(records[1], "m54006_160504_020705/1/0_51\t4\t*\t0\t255\t*\t*\t0\t0\t"))
	assert.Contains(t, records[1], "\tRG:Z:b89a4406\t")
}
