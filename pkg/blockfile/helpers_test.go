package blockfile

import (
	"bytes"
	"testing"

	"github.com/KevoDB/blockstore/pkg/common/log"
	"github.com/KevoDB/blockstore/pkg/config"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 64

func testConfig(mutate ...func(*config.Config)) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BlockSize = testBlockSize
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

func testOptions(fs afero.Fs, mutate ...func(*config.Config)) *Options {
	return &Options{
		FS:     fs,
		Config: testConfig(mutate...),
		Logger: log.NewDiscardLogger(),
	}
}

func openTestFile(t *testing.T, fs afero.Fs, path string, mutate ...func(*config.Config)) *File {
	t.Helper()
	f, err := Open(path, testOptions(fs, mutate...))
	require.NoError(t, err)
	return f
}

func fileBytes(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return data
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	return ok
}

// payload returns n bytes that differ from position to position and from seed
// to seed.
func payload(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) + seed
	}
	return out
}

func requireRecord(t *testing.T, f *File, pos int64, want []byte) {
	t.Helper()
	got, err := f.ReadAll(pos)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got), "record %d: got %d bytes, want %d", pos, len(got), len(want))
	n, err := f.DataLength(pos)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
}

// usedBlocks returns the number of data blocks not marked free.
func usedBlocks(t *testing.T, f *File) int64 {
	t.Helper()
	total, free, err := f.BlockStats()
	require.NoError(t, err)
	return total - free
}
