package blockfile

import (
	"context"
	"encoding/binary"
	"os"
	"strings"
	"testing"

	"github.com/KevoDB/blockstore/pkg/config"
	"github.com/KevoDB/blockstore/pkg/stats"
	"github.com/KevoDB/blockstore/pkg/telemetry"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// failingFs hands out journals whose writes start failing after limit calls.
type failingFs struct {
	afero.Fs
	writes int
	limit  int
}

func (fs *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil || !strings.HasSuffix(name, journalSuffix) {
		return file, err
	}
	return &failingFile{File: file, fs: fs}, nil
}

type failingFile struct {
	afero.File
	fs *failingFs
}

func (f *failingFile) WriteAt(p []byte, off int64) (int, error) {
	f.fs.writes++
	if f.fs.writes > f.fs.limit {
		return 0, errors.New("injected journal write failure")
	}
	return f.File.WriteAt(p, off)
}

// eventFs records the writes and syncs made through the files it opens.
type eventFs struct {
	afero.Fs
	events []string
}

func (fs *eventFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &eventFile{File: file, fs: fs}, nil
}

type eventFile struct {
	afero.File
	fs *eventFs
}

func (f *eventFile) WriteAt(p []byte, off int64) (int, error) {
	f.fs.events = append(f.fs.events, "write "+f.Name())
	return f.File.WriteAt(p, off)
}

func (f *eventFile) Sync() error {
	f.fs.events = append(f.fs.events, "sync "+f.Name())
	return f.File.Sync()
}

// mutate runs a mix of operations that touch existing blocks, add blocks and
// free blocks.
func mutate(t *testing.T, f *File, a, b, c int64) {
	t.Helper()
	require.NoError(t, f.Update(a, payload(900, 4)))
	require.NoError(t, f.Delete(b))
	_, err := f.Write(payload(500, 5))
	require.NoError(t, err)
	require.NoError(t, f.UpdateAt(c, 10, []byte("patched")))
	_, err = f.Append(0, payload(200, 6))
	require.NoError(t, err)
	require.NoError(t, f.TruncateRecord(a, 3))
}

func seed(t *testing.T, f *File) (a, b, c int64) {
	t.Helper()
	var err error
	a, err = f.Write(payload(300, 1))
	require.NoError(t, err)
	b, err = f.Write(payload(40, 2))
	require.NoError(t, err)
	c, err = f.Write(payload(120, 3))
	require.NoError(t, err)
	return a, b, c
}

func TestCrashRollsBack(t *testing.T) {
	for _, codec := range []string{config.CodecNone, config.CodecZstd, config.CodecSnappy} {
		t.Run(codec, func(t *testing.T) {
			withCodec := func(c *config.Config) { c.JournalCodec = codec }
			fs := afero.NewMemMapFs()
			f := openTestFile(t, fs, "store", withCodec)
			a, b, c := seed(t, f)
			snapshot := fileBytes(t, fs, "store")

			require.NoError(t, f.BeginTransaction(false))
			require.True(t, f.InTransaction())
			mutate(t, f, a, b, c)
			require.NotEqual(t, snapshot, fileBytes(t, fs, "store"))
			require.True(t, exists(t, fs, "store-j"))

			// Abandon f as a crash would.
			g := openTestFile(t, fs, "store", withCodec)
			defer g.Close()

			require.Equal(t, snapshot, fileBytes(t, fs, "store"))
			require.False(t, exists(t, fs, "store-j"))
			require.False(t, g.InTransaction())
			requireRecord(t, g, a, payload(300, 1))
			requireRecord(t, g, b, payload(40, 2))
			requireRecord(t, g, c, payload(120, 3))

			rec := g.Stats()["recovery"].(map[string]interface{})
			require.Equal(t, uint64(1), rec["journals_replayed"])
			require.NotZero(t, rec["blocks_restored"])
		})
	}
}

func TestRollback(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store")
	defer f.Close()
	a, b, c := seed(t, f)
	snapshot := fileBytes(t, fs, "store")

	require.NoError(t, f.BeginTransaction(false))
	mutate(t, f, a, b, c)
	require.NoError(t, f.Rollback())
	require.False(t, f.InTransaction())
	require.Equal(t, snapshot, fileBytes(t, fs, "store"))
	require.Equal(t, int64(len(snapshot)), f.Size())
	require.False(t, exists(t, fs, "store-j"))

	// Rolling back again, or with nothing open, changes nothing.
	require.NoError(t, f.Rollback())
	require.Equal(t, snapshot, fileBytes(t, fs, "store"))

	// The allocator picks up where the restored header says.
	d, err := f.Write(payload(30, 9))
	require.NoError(t, err)
	requireRecord(t, f, d, payload(30, 9))
	requireRecord(t, f, a, payload(300, 1))
}

func TestCommit(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store")
	a, b, c := seed(t, f)

	require.NoError(t, f.BeginTransaction(false))
	mutate(t, f, a, b, c)
	require.NoError(t, f.Commit())
	require.False(t, f.InTransaction())
	require.False(t, exists(t, fs, "store-j"))
	committed := fileBytes(t, fs, "store")

	// A crash after Commit returns keeps the changes.
	g := openTestFile(t, fs, "store")
	defer g.Close()
	require.Equal(t, committed, fileBytes(t, fs, "store"))
	requireRecord(t, g, a, payload(900, 4)[:3])
	// b's block was the lowest free one when the next record was written.
	requireRecord(t, g, b, payload(500, 5))

	want := payload(120, 3)
	copy(want[10:], "patched")
	requireRecord(t, g, c, want)
}

func TestCloseCommitsOpenTransaction(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store")
	require.NoError(t, f.BeginTransaction(false))
	pos, err := f.Write([]byte("kept"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.False(t, exists(t, fs, "store-j"))

	g := openTestFile(t, fs, "store")
	defer g.Close()
	requireRecord(t, g, pos, []byte("kept"))
}

func TestTransactionState(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	require.True(t, errors.Is(f.Commit(), ErrNoTransaction))
	require.True(t, errors.Is(f.PreJournal(2*testBlockSize), ErrNoTransaction))

	require.NoError(t, f.BeginTransaction(false))
	require.True(t, errors.Is(f.BeginTransaction(false), ErrTransactionActive))
	require.True(t, errors.Is(f.BeginTransaction(true), ErrTransactionActive))
	require.NoError(t, f.Commit())
	require.True(t, errors.Is(f.Commit(), ErrNoTransaction))

	// A transaction with no changes still journals the header, and commits.
	require.NoError(t, f.BeginTransaction(false))
	require.Equal(t, 1, f.tx.blocks)
	require.NoError(t, f.Commit())
}

func TestPreJournal(t *testing.T) {
	f := openTestFile(t, afero.NewMemMapFs(), "store")
	defer f.Close()

	pos, err := f.Write(payload(200, 1))
	require.NoError(t, err)
	chain := chainPositions(t, f, pos)
	require.Len(t, chain, 4)

	require.NoError(t, f.BeginTransaction(false))
	require.NoError(t, f.PreJournal(pos))
	require.Equal(t, 1+len(chain), f.tx.blocks)

	// Already journaled blocks are not saved twice.
	require.NoError(t, f.UpdateAt(pos, 120, []byte("again")))
	require.NoError(t, f.PreJournal(chain[2]))
	require.Equal(t, 1+len(chain), f.tx.blocks)

	require.NoError(t, f.Rollback())
	requireRecord(t, f, pos, payload(200, 1))
}

func TestInvalidateTransaction(t *testing.T) {
	oneBlock := func(c *config.Config) { c.ReserveBlocks = 1 }
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store", oneBlock)
	a, err := f.Write([]byte("base"))
	require.NoError(t, err)
	origLen := f.Size()

	require.NoError(t, f.BeginTransaction(true))
	require.True(t, exists(t, fs, "store-g"))
	for i := 0; i < 3; i++ {
		_, err := f.Write(payload(100, byte(i)))
		require.NoError(t, err)
	}
	require.Greater(t, f.Size(), origLen)

	g := openTestFile(t, fs, "store", oneBlock)
	defer g.Close()
	require.Equal(t, origLen, g.Size())
	require.False(t, exists(t, fs, "store-g"))
	require.False(t, exists(t, fs, "store-j"))
	requireRecord(t, g, a, []byte("base"))

	total, free, err := g.BlockStats()
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Zero(t, free)

	pos, err := g.Write([]byte("next"))
	require.NoError(t, err)
	require.Equal(t, origLen, pos)

	rec := g.Stats()["recovery"].(map[string]interface{})
	require.Equal(t, uint64(1), rec["invalidations"])
}

func TestInvalidateRollbackClearsReservedBits(t *testing.T) {
	fourBlocks := func(c *config.Config) { c.ReserveBlocks = 4 }
	fs := afero.NewMemMapFs()
	f := openTestFile(t, fs, "store", fourBlocks)
	defer f.Close()

	_, err := f.Write([]byte("base"))
	require.NoError(t, err)
	origLen := f.Size()

	// Six blocks: the three spare ones, then three of a fresh reservation of
	// four, leaving one free block past the original end.
	require.NoError(t, f.BeginTransaction(true))
	_, err = f.Write(payload(300, 1))
	require.NoError(t, err)
	require.NoError(t, f.Rollback())
	require.Equal(t, origLen, f.Size())
	require.False(t, exists(t, fs, "store-g"))

	_, free, err := f.BlockStats()
	require.NoError(t, err)
	require.Zero(t, free)

	pos, err := f.Write([]byte("next"))
	require.NoError(t, err)
	require.Equal(t, origLen, pos)
}

func journalRecord(order binary.ByteOrder, origin int64, block []byte) []byte {
	rec := make([]byte, recordHeaderSize+len(block)+recordTrailerSize)
	order.PutUint64(rec, uint64(origin))
	order.PutUint32(rec[8:], uint32(len(block)))
	copy(rec[recordHeaderSize:], block)
	order.PutUint64(rec[recordHeaderSize+len(block):], xxhash.Sum64(rec[:recordHeaderSize+len(block)]))
	return rec
}

func TestReplayStopsAtIncompleteRecord(t *testing.T) {
	garbage := make([]byte, testBlockSize)
	for i := range garbage {
		garbage[i] = 0xab
	}

	tests := []struct {
		name string
		tail func(order binary.ByteOrder, untouched, origLen int64) []byte
	}{
		{
			name: "torn record",
			tail: func(order binary.ByteOrder, untouched, _ int64) []byte {
				rec := journalRecord(order, untouched, garbage)
				return rec[:len(rec)/2]
			},
		},
		{
			name: "bad checksum",
			tail: func(order binary.ByteOrder, untouched, _ int64) []byte {
				rec := journalRecord(order, untouched, garbage)
				rec[len(rec)-1] ^= 0xff
				return rec
			},
		},
		{
			name: "bit not set",
			tail: func(order binary.ByteOrder, untouched, _ int64) []byte {
				return journalRecord(order, untouched, garbage)
			},
		},
		{
			name: "origin beyond original file",
			tail: func(order binary.ByteOrder, _, origLen int64) []byte {
				return journalRecord(order, origLen, garbage)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			withCodec := func(c *config.Config) { c.JournalCodec = config.CodecNone }
			f := openTestFile(t, fs, "store", withCodec)
			a, b, c := seed(t, f)
			snapshot := fileBytes(t, fs, "store")

			require.NoError(t, f.BeginTransaction(false))
			require.NoError(t, f.Update(a, payload(100, 7)))
			origLen := f.tx.origLen

			journal := fileBytes(t, fs, "store-j")
			journal = append(journal, tt.tail(f.order, c, origLen)...)
			require.NoError(t, afero.WriteFile(fs, "store-j", journal, 0644))

			g := openTestFile(t, fs, "store", withCodec)
			defer g.Close()
			require.Equal(t, snapshot, fileBytes(t, fs, "store"))
			requireRecord(t, g, b, payload(40, 2))
			requireRecord(t, g, c, payload(120, 3))
		})
	}
}

func TestJournalSyncedBeforeBlockRewrite(t *testing.T) {
	for _, mode := range []config.SyncMode{config.SyncCommit, config.SyncImmediate} {
		t.Run(mode.String(), func(t *testing.T) {
			fs := &eventFs{Fs: afero.NewMemMapFs()}
			f := openTestFile(t, fs, "store", func(c *config.Config) { c.SyncMode = mode })
			defer f.Close()
			pos, err := f.Write(payload(40, 1))
			require.NoError(t, err)
			require.NoError(t, f.BeginTransaction(false))

			fs.events = nil
			require.NoError(t, f.UpdateAt(pos, 0, []byte("changed")))

			synced := false
			for _, e := range fs.events {
				switch e {
				case "sync store-j":
					synced = true
				case "write store":
					require.True(t, synced, "block rewritten before its pre-image was synced: %v", fs.events)
				}
			}
			require.True(t, synced)
			require.NoError(t, f.Rollback())
			requireRecord(t, f, pos, payload(40, 1))
		})
	}
}

func TestJournalWriteFailureMakesFileUnusable(t *testing.T) {
	mem := afero.NewMemMapFs()
	f := openTestFile(t, mem, "store")
	a, _, _ := seed(t, f)
	require.NoError(t, f.Close())
	snapshot := fileBytes(t, mem, "store")

	// Header, then the header block's record and its bitmap byte.
	fs := &failingFs{Fs: mem, limit: 3}
	f = openTestFile(t, fs, "store")
	require.NoError(t, f.BeginTransaction(false))

	err := f.Update(a, payload(700, 8))
	require.True(t, errors.Is(err, ErrUnusable), "got %v", err)
	_, err = f.Write([]byte("x"))
	require.True(t, errors.Is(err, ErrUnusable), "got %v", err)
	_, err = f.ReadAll(a)
	require.True(t, errors.Is(err, ErrUnusable), "got %v", err)
	require.True(t, errors.Is(f.Commit(), ErrUnusable))

	// Rollback restores what the journal holds and makes the file usable again.
	require.NoError(t, f.Rollback())
	require.Equal(t, snapshot, fileBytes(t, mem, "store"))
	requireRecord(t, f, a, payload(300, 1))
	require.NoError(t, f.Close())
}

func TestJournalWriteFailureRecoveredOnReopen(t *testing.T) {
	mem := afero.NewMemMapFs()
	f := openTestFile(t, mem, "store")
	a, _, _ := seed(t, f)
	require.NoError(t, f.Close())
	snapshot := fileBytes(t, mem, "store")

	fs := &failingFs{Fs: mem, limit: 3}
	f = openTestFile(t, fs, "store")
	require.NoError(t, f.BeginTransaction(false))
	require.True(t, errors.Is(f.Update(a, payload(700, 8)), ErrUnusable))
	// Close cannot commit an unusable file; it leaves the journal behind.
	require.NoError(t, f.Close())
	require.True(t, exists(t, mem, "store-j"))

	g := openTestFile(t, mem, "store")
	defer g.Close()
	require.Equal(t, snapshot, fileBytes(t, mem, "store"))
}

func TestTransactionStatsAndMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := telemetry.NewWithReader(telemetry.DefaultConfig(), reader)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	opts := testOptions(afero.NewMemMapFs(), func(c *config.Config) { c.JournalCodec = config.CodecZstd })
	opts.Telemetry = tel
	opts.Stats = stats.NewAtomicCollector()
	f, err := Open("store", opts)
	require.NoError(t, err)
	defer f.Close()

	pos, err := f.Write(payload(200, 1))
	require.NoError(t, err)
	require.NoError(t, f.BeginTransaction(false))
	require.NoError(t, f.Update(pos, payload(10, 2)))
	require.NoError(t, f.Commit())
	_, err = f.ReadAll(1)
	require.Error(t, err)

	st := f.Stats()
	require.Equal(t, uint64(1), st["write_ops"])
	require.Equal(t, uint64(1), st["tx_commit_ops"])
	require.NotZero(t, st["journal_blocks"])
	require.NotZero(t, st["journal_stored_bytes"])
	require.Equal(t, uint64(1), st["errors"].(map[string]uint64)["range"])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}
	for _, name := range []string{
		"blockstore.file.operations.total",
		"blockstore.file.journal.blocks",
		"blockstore.file.journal.compression_ratio",
		"blockstore.file.transaction.duration",
		"blockstore.file.alloc.reserved_blocks",
	} {
		require.True(t, found[name], "metric %s not recorded", name)
	}
}
