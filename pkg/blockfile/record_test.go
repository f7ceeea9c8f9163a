package blockfile

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/KevoDB/blockstore/pkg/config"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func patchWord(t *testing.T, f *File, pos int64, w uint64) {
	t.Helper()
	buf := make([]byte, wordSize)
	f.order.PutUint64(buf, w)
	_, err := f.file.WriteAt(buf, pos)
	require.NoError(t, err)
}

func patchLength(t *testing.T, f *File, pos int64, n uint32) {
	t.Helper()
	buf := make([]byte, lengthSize)
	f.order.PutUint32(buf, n)
	_, err := f.file.WriteAt(buf, pos+wordSize)
	require.NoError(t, err)
}

func chainPositions(t *testing.T, f *File, pos int64) []int64 {
	t.Helper()
	c, err := f.loadChain(pos, false)
	require.NoError(t, err)
	return c.positions
}

func TestHelloWorld(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	pos, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NotZero(t, pos)
	require.Zero(t, pos%testBlockSize)
	require.Equal(t, int64(2*testBlockSize), pos)

	buf := make([]byte, 11)
	require.NoError(t, f.Read(pos, buf))
	require.Equal(t, "hello world", string(buf))

	n, err := f.DataLength(pos)
	require.NoError(t, err)
	require.Equal(t, 11, n)

	require.NoError(t, f.Delete(pos))
	again, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, pos, again)
}

func TestRoundTrip(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	hp, bp := int(f.headPayload()), int(f.bodyPayload())
	sizes := []int{0, 1, hp - 1, hp, hp + 1, hp + bp, hp + bp + 1, 5 * testBlockSize, 20*testBlockSize + 3}

	positions := make([]int64, len(sizes))
	for i, n := range sizes {
		pos, err := f.Write(payload(n, byte(i)))
		require.NoError(t, err)
		positions[i] = pos
	}
	for i, n := range sizes {
		requireRecord(t, f, positions[i], payload(n, byte(i)))
		require.Len(t, chainPositions(t, f, positions[i]), f.blocksFor(n))
	}
}

func TestRoundTripAcrossBitfields(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store", func(c *config.Config) {
		c.BlockSize = 32
		c.ReserveBlocks = 1
	})
	defer f.Close()

	// 256 data blocks per bitfield at this block size.
	data := payload(7200, 5)
	pos, err := f.Write(data)
	require.NoError(t, err)
	requireRecord(t, f, pos, data)

	chain := chainPositions(t, f, pos)
	require.Len(t, chain, 301)
	second := f.bs + f.period()
	for _, p := range chain {
		require.False(t, f.isBitfield(p), "chain uses bitfield %d", p)
	}
	require.Greater(t, chain[len(chain)-1], second)

	total, free, err := f.BlockStats()
	require.NoError(t, err)
	require.Equal(t, int64(301), total)
	require.Zero(t, free)

	require.NoError(t, f.Delete(pos))
	require.Equal(t, f.bs, f.Size())
}

func TestReadErrors(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	pos, err := f.Write(payload(100, 1))
	require.NoError(t, err)

	err = f.Read(pos, make([]byte, 101))
	require.True(t, errors.Is(err, ErrReadPastEnd), "got %v", err)

	for _, bad := range []int64{0, testBlockSize, pos + 1, 1 << 40} {
		_, err := f.ReadAll(bad)
		require.True(t, errors.Is(err, ErrRange), "position %d: got %v", bad, err)
	}

	// The second block of the chain is not a record.
	_, err = f.ReadAll(pos + testBlockSize)
	require.True(t, errors.Is(err, ErrRange), "got %v", err)

	require.NoError(t, f.Delete(pos))
	_, err = f.ReadAll(pos)
	require.True(t, errors.Is(err, ErrRange), "got %v", err)
	require.True(t, errors.Is(f.Delete(pos), ErrRange))
}

func TestReadFailureLeavesBufferAlone(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	pos, err := f.Write(payload(200, 1))
	require.NoError(t, err)
	chain := chainPositions(t, f, pos)
	patchWord(t, f, chain[1], 0)

	buf := bytes.Repeat([]byte{0xAA}, 200)
	err = f.Read(pos, buf)
	require.True(t, errors.Is(err, ErrCorruptStore), "got %v", err)
	require.Equal(t, bytes.Repeat([]byte{0xAA}, 200), buf)
}

func TestCorruptChains(t *testing.T) {
	testCases := []struct {
		name  string
		patch func(t *testing.T, f *File, chain []int64)
	}{
		{
			name: "cycle",
			patch: func(t *testing.T, f *File, chain []int64) {
				patchWord(t, f, chain[3], uint64(chain[1]))
			},
		},
		{
			name: "length shorter than chain",
			patch: func(t *testing.T, f *File, chain []int64) {
				patchLength(t, f, chain[0], 10)
			},
		},
		{
			name: "length longer than chain",
			patch: func(t *testing.T, f *File, chain []int64) {
				patchLength(t, f, chain[0], 1000)
			},
		},
		{
			name: "length above limit",
			patch: func(t *testing.T, f *File, chain []int64) {
				patchLength(t, f, chain[0], 1<<30)
			},
		},
		{
			name: "next pointer beyond end of file",
			patch: func(t *testing.T, f *File, chain []int64) {
				patchWord(t, f, chain[1], 1<<40)
			},
		},
		{
			name: "next pointer to bitfield",
			patch: func(t *testing.T, f *File, chain []int64) {
				patchWord(t, f, chain[1], uint64(testBlockSize))
			},
		},
		{
			name: "free block inside chain",
			patch: func(t *testing.T, f *File, chain []int64) {
				patchWord(t, f, chain[2], flagFree|uint64(chain[3]))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := openTestFile(t, afero.NewMemMapFs(), "store")
			defer f.Close()

			pos, err := f.Write(payload(200, 1))
			require.NoError(t, err)
			chain := chainPositions(t, f, pos)
			require.Len(t, chain, 4)

			tc.patch(t, f, chain)

			_, err = f.ReadAll(pos)
			require.True(t, errors.Is(err, ErrCorruptStore), "got %v", err)
			require.True(t, errors.Is(f.Update(pos, []byte("x")), ErrCorruptStore))
		})
	}
}

func TestDeleteCycleFromMiddle(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	pos, err := f.Write(payload(200, 1))
	require.NoError(t, err)
	chain := chainPositions(t, f, pos)
	patchWord(t, f, chain[3], uint64(chain[1]))

	err = f.Delete(chain[1])
	require.True(t, errors.Is(err, ErrCorruptStore), "got %v", err)
}

func TestWriteTooLarge(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store", func(c *config.Config) {
		c.MaxRecordLength = 100
	})
	defer f.Close()

	_, err := f.Write(payload(101, 0))
	require.True(t, errors.Is(err, ErrRecordTooLarge), "got %v", err)

	pos, err := f.Write(payload(100, 0))
	require.NoError(t, err)
	require.True(t, errors.Is(f.Update(pos, payload(101, 0)), ErrRecordTooLarge))
	require.True(t, errors.Is(f.UpdateAt(pos, 90, payload(11, 0)), ErrRecordTooLarge))
	requireRecord(t, f, pos, payload(100, 0))
}

func TestUpdate(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	pos, err := f.Write(payload(500, 1))
	require.NoError(t, err)
	other, err := f.Write(payload(80, 2))
	require.NoError(t, err)

	for i, n := range []int{500, 1000, 100, 0, 52, 53, 700} {
		data := payload(n, byte(10+i))
		require.NoError(t, f.Update(pos, data))
		requireRecord(t, f, pos, data)
		require.Equal(t, int64(f.blocksFor(n)+f.blocksFor(80)), usedBlocks(t, f), "after update to %d bytes", n)
	}
	requireRecord(t, f, other, payload(80, 2))
}

func TestUpdateAt(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store")
	defer f.Close()

	want := payload(300, 1)
	pos, err := f.Write(want)
	require.NoError(t, err)

	// Patching inside the head leaves every other block as it was.
	before := fileBytes(t, fs, "store")
	require.NoError(t, f.UpdateAt(pos, 3, []byte("abc")))
	copy(want[3:], "abc")
	after := fileBytes(t, fs, "store")
	require.Equal(t, before[:pos], after[:pos])
	require.Equal(t, before[pos+testBlockSize:], after[pos+testBlockSize:])
	requireRecord(t, f, pos, want)

	// Spanning a block boundary.
	patch := payload(80, 7)
	require.NoError(t, f.UpdateAt(pos, 100, patch))
	copy(want[100:], patch)
	requireRecord(t, f, pos, want)

	// Overlapping the end extends the record.
	patch = payload(120, 8)
	require.NoError(t, f.UpdateAt(pos, 250, patch))
	want = append(want[:250], patch...)
	requireRecord(t, f, pos, want)
	require.Equal(t, int64(f.blocksFor(370)), usedBlocks(t, f))

	// Exactly at the end appends.
	require.NoError(t, f.UpdateAt(pos, len(want), []byte("tail")))
	want = append(want, "tail"...)
	requireRecord(t, f, pos, want)

	err = f.UpdateAt(pos, len(want)+1, []byte("gap"))
	require.True(t, errors.Is(err, ErrRange), "got %v", err)
}

func TestTruncateRecord(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	data := payload(600, 3)
	pos, err := f.Write(data)
	require.NoError(t, err)
	_, err = f.Write(payload(10, 4))
	require.NoError(t, err)

	for _, n := range []int{600, 400, 109, 52, 10, 0} {
		require.NoError(t, f.TruncateRecord(pos, n))
		requireRecord(t, f, pos, data[:n])
		require.Equal(t, int64(f.blocksFor(n)+1), usedBlocks(t, f))
	}

	err = f.TruncateRecord(pos, 1)
	require.True(t, errors.Is(err, ErrRange), "got %v", err)
}

func TestDeleteFromMiddleOfChain(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	pos, err := f.Write(payload(300, 1))
	require.NoError(t, err)
	chain := chainPositions(t, f, pos)
	require.Len(t, chain, 6)

	require.NoError(t, f.Delete(chain[3]))
	require.Equal(t, int64(3), usedBlocks(t, f))

	// The head still claims the old length until the caller fixes it.
	_, err = f.ReadAll(pos)
	require.True(t, errors.Is(err, ErrCorruptStore), "got %v", err)
}

func TestFreeSpaceReuse(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store")
	defer f.Close()

	victim, err := f.Write(payload(400, 1))
	require.NoError(t, err)
	_, err = f.Write(payload(30, 2))
	require.NoError(t, err)

	freed := chainPositions(t, f, victim)
	size := f.Size()
	require.NoError(t, f.Delete(victim))

	for i, want := range freed {
		pos, err := f.Write(payload(testBlockSize-12, byte(i)))
		require.NoError(t, err)
		require.Equal(t, want, pos)
	}
	require.Equal(t, size, f.Size())
}

func TestTruncateTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store", func(c *config.Config) { c.ReserveBlocks = 1 })
	defer f.Close()

	a, err := f.Write([]byte("a"))
	require.NoError(t, err)
	b, err := f.Write(payload(100, 1))
	require.NoError(t, err)
	require.Equal(t, int64(5*testBlockSize), f.Size())

	require.NoError(t, f.Delete(b))
	require.Equal(t, a+testBlockSize, f.Size())
	total, free, err := f.BlockStats()
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Zero(t, free)

	require.NoError(t, f.Delete(a))
	require.Equal(t, int64(testBlockSize), f.Size())

	pos, err := f.Write([]byte("again"))
	require.NoError(t, err)
	require.Equal(t, a, pos)
}

func TestReserveBlock(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	reserved, err := f.ReserveBlock()
	require.NoError(t, err)

	other, err := f.Write([]byte("other"))
	require.NoError(t, err)
	require.NotEqual(t, reserved, other)

	_, err = f.ReadAll(reserved)
	require.True(t, errors.Is(err, ErrRange), "got %v", err)

	data := payload(200, 3)
	pos, err := f.WriteReserved(data, reserved)
	require.NoError(t, err)
	require.Equal(t, reserved, pos)
	requireRecord(t, f, pos, data)

	_, err = f.WriteReserved(data, other)
	require.True(t, errors.Is(err, ErrRange), "got %v", err)

	// The last block of a chain has no next pointer but is not reserved.
	long, err := f.Write(payload(150, 4))
	require.NoError(t, err)
	c, err := f.loadChain(long, false)
	require.NoError(t, err)
	require.Len(t, c.positions, 3)
	tail := c.positions[2]
	_, err = f.WriteReserved([]byte("intruder"), tail)
	require.True(t, errors.Is(err, ErrRange), "got %v", err)
	requireRecord(t, f, long, payload(150, 4))
	_, err = f.WriteReserved([]byte("intruder"), c.positions[1])
	require.True(t, errors.Is(err, ErrRange), "got %v", err)

	// An unused reservation can be given back.
	spare, err := f.ReserveBlock()
	require.NoError(t, err)
	used := usedBlocks(t, f)
	require.NoError(t, f.Delete(spare))
	require.Equal(t, used-1, usedBlocks(t, f))
}

func TestClosedFile(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	pos, err := f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.Write([]byte("y"))
	require.True(t, errors.Is(err, ErrClosed))
	_, err = f.ReadAll(pos)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestOnDiskPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	opts := testOptions(afero.NewOsFs())

	f, err := Open(path, opts)
	require.NoError(t, err)
	data := payload(1234, 6)
	pos, err := f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = Open(path, opts)
	require.NoError(t, err)
	defer f.Close()
	requireRecord(t, f, pos, data)
}
