package internal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomically(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "out.bin")
	require.NoError(t, WriteFileAtomically(name, func(w io.Writer) error {
		_, err := w.Write([]byte("payload"))
		return err
	}))
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFileAtomicallyFailure(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "out.bin")
	failure := errors.E(errors.Other, "boom")
	err := WriteFileAtomically(name, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return failure
	})
	assert.Equal(t, failure, err)
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTempSibling(t *testing.T) {
	a := TempSibling("/data/movie.bam.pbi")
	b := TempSibling("/data/movie.bam.pbi")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "/data", filepath.Dir(a))
}

func TestByteBufferReuse(t *testing.T) {
	buf := ReserveByteBuffer()
	assert.Len(t, buf, 0)
	buf = append(buf, "abc"...)
	ReleaseByteBuffer(buf)
	assert.Len(t, ReserveByteBuffer(), 0)
	ReleaseByteBuffer(make([]byte, 0, maxPooledCapacity+1))
}

func TestFullPathname(t *testing.T) {
	abs, err := FullPathname("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", abs)
	rel, err := FullPathname("x")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(rel))
}
