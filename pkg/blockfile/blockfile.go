// Package blockfile implements a transactional store of variable-length records
// on top of a file of fixed-size blocks.
//
// A record is a chain of data blocks linked by next pointers; the offset of its
// first block is the handle callers keep. Free blocks are tracked in bitfield
// blocks that recur through the file. Mutations made inside a transaction are
// protected by a side-car journal holding the pre-image of every block they
// touch, and several files can be grouped so that their transactions commit or
// roll back together.
package blockfile

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/KevoDB/blockstore/pkg/common/log"
	"github.com/KevoDB/blockstore/pkg/config"
	"github.com/KevoDB/blockstore/pkg/stats"
	"github.com/KevoDB/blockstore/pkg/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// Next pointer word layout. The low 60 bits hold a block offset.
const (
	flagStart    uint64 = 1 << 63
	flagFree     uint64 = 1 << 62
	flagAppend   uint64 = 1 << 61
	flagReserved uint64 = 1 << 60
	flagMask            = flagStart | flagFree | flagAppend | flagReserved

	// flagUnlinked marks blocks that no chain may link to.
	flagUnlinked = flagFree | flagStart | flagReserved

	maxOffset int64 = 1 << 60

	wordSize   = 8
	lengthSize = 4
)

// Side-car file suffixes.
const (
	journalSuffix    = "-j"
	invalidateSuffix = "-g"
	groupSuffix      = "-d"
	leaderSuffix     = "-l"
)

// Options configures Open. The zero value opens files on the OS filesystem with
// the default configuration.
type Options struct {
	// FS is the filesystem holding the file and its side-car files.
	FS afero.Fs

	Config *config.Config

	// BlockSize is required of an existing file and used for a new one. Zero
	// adopts whatever an existing file was created with, and Config.BlockSize
	// for new files.
	BlockSize int

	Logger    log.Logger
	Telemetry telemetry.Telemetry
	Stats     stats.Collector
}

// File is an open block file. Methods are safe to call from several goroutines
// but the store assumes a single logical writer.
type File struct {
	mu sync.Mutex

	fs   afero.Fs
	path string
	file afero.File
	cfg  config.Config

	bs      int64
	order   binary.ByteOrder
	version FormatVersion
	size    int64

	// freeBlock caches the offset of the first bitfield holding a free bit.
	// 0 means none, -1 means not yet read from the header.
	freeBlock int64

	tx       *transaction
	group    *group
	unusable bool
	closed   bool

	logger  log.Logger
	metrics Metrics
	stats   stats.Collector
}

// Open opens the block file at path, creating it if needed. Leftover journals
// from an interrupted transaction are rolled back before Open returns.
func Open(path string, opts *Options) (*File, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.FS == nil {
		o.FS = afero.NewOsFs()
	}
	if o.Config == nil {
		o.Config = config.NewDefaultConfig()
	}
	if o.Logger == nil {
		o.Logger = log.GetDefaultLogger()
	}
	if o.Stats == nil {
		o.Stats = stats.NewAtomicCollector()
	}
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}

	f := &File{
		fs:        o.FS,
		path:      path,
		cfg:       o.Config.Snapshot(),
		freeBlock: -1,
		logger: o.Logger.WithFields(map[string]interface{}{
			"component": telemetry.ComponentBlockFile,
			"path":      path,
		}),
		metrics: NewMetrics(o.Telemetry),
		stats:   o.Stats,
	}

	if err := f.openDataFile(); err != nil {
		return nil, err
	}
	if err := f.load(int64(o.BlockSize)); err != nil {
		f.file.Close()
		return nil, err
	}

	f.logger.Debug("Opened block file: block size %d, %s endian, %d bytes",
		f.bs, byteOrderName(f.order), f.size)
	return f, nil
}

func (f *File) openDataFile() error {
	file, err := f.fs.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open block file %s", f.path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to stat block file %s", f.path)
	}
	f.file = file
	f.size = info.Size()
	return nil
}

// load negotiates the header, resolves side-car files left by a crash and
// upgrades older formats.
func (f *File) load(requested int64) error {
	if err := f.resolveGroupMarker(); err != nil {
		return err
	}

	if f.size < headerSize {
		return f.create(requested)
	}

	buf := make([]byte, headerSize)
	if err := f.readAt(buf, 0); err != nil {
		return err
	}
	decoded := decodeHeader(buf)
	h, action, err := upgradeHeader(decoded)
	if err != nil {
		return err
	}

	if action == upgradeRecreate {
		f.logger.Warn("Discarding store with %s format (magic %#x)",
			decoded.version, binary.LittleEndian.Uint32(buf[magicOffset:]))
		if err := f.file.Close(); err != nil {
			return errors.Wrap(err, "failed to close discarded store")
		}
		if err := f.fs.Remove(f.path); err != nil {
			return errors.Wrap(err, "failed to remove discarded store")
		}
		if err := f.openDataFile(); err != nil {
			return err
		}
		return f.create(requested)
	}

	if requested != 0 && requested != h.blockSize {
		return errors.Wrapf(ErrFormat, "block size %d does not match stored block size %d", requested, h.blockSize)
	}
	f.bs = h.blockSize
	f.order = h.order
	f.version = h.version

	if err := f.recover(); err != nil {
		return err
	}

	if f.size%f.bs != 0 {
		return errors.Wrapf(ErrFormat, "file length %d is not a multiple of block size %d", f.size, f.bs)
	}

	if action == upgradeRewriteMagic {
		magic := make([]byte, 4)
		f.order.PutUint32(magic, magicV3)
		if _, err := f.file.WriteAt(magic, magicOffset); err != nil {
			return errors.Wrap(err, "failed to upgrade header")
		}
		if err := f.file.Sync(); err != nil {
			return errors.Wrap(err, "failed to sync upgraded header")
		}
		f.logger.Info("Upgraded store from %s to %s", decoded.version, f.version)
	}
	return nil
}

// create initializes an empty store: a header block and nothing else.
func (f *File) create(requested int64) error {
	bs := requested
	if bs == 0 {
		bs = int64(f.cfg.BlockSize)
	}
	if err := validateBlockSize(bs); err != nil {
		return err
	}

	for _, suffix := range []string{journalSuffix, invalidateSuffix, leaderSuffix} {
		if err := removeIfExists(f.fs, f.path+suffix); err != nil {
			return err
		}
	}

	f.bs = bs
	f.order = parseByteOrder(f.cfg.ByteOrder)
	f.version = FormatCurrent

	block := make([]byte, bs)
	copy(block, encodeHeader(header{version: f.version, blockSize: bs, order: f.order}))
	if err := f.file.Truncate(0); err != nil {
		return errors.Wrap(err, "failed to reset block file")
	}
	if _, err := f.file.WriteAt(block, 0); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	if err := f.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync header")
	}
	f.size = bs
	f.freeBlock = 0

	f.logger.Info("Created store with block size %d", bs)
	return nil
}

// Close closes the file. A transaction still open is committed first; a
// grouped file whose siblings have not committed rolls the whole group back.
func (f *File) Close() error {
	unlock := f.lockGroup()
	defer unlock()

	if f.closed {
		return nil
	}

	var firstErr error
	if f.tx != nil && !f.unusable {
		if !f.tx.committed {
			if err := f.commitLocked(); err != nil {
				firstErr = err
			}
		}
		if f.tx != nil && f.tx.committed {
			f.logger.Warn("Closing while group commit is pending, rolling back group")
			if err := f.rollbackLocked(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if f.tx != nil {
		f.tx.closeHandles()
		f.tx = nil
	}

	if f.group != nil {
		f.group.remove(f)
	}

	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "failed to close block file")
	}
	f.closed = true
	if err := f.metrics.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// BlockSize returns the block size in bytes.
func (f *File) BlockSize() int { return int(f.bs) }

// ByteOrder returns the byte order of every integer stored in the file.
func (f *File) ByteOrder() binary.ByteOrder { return f.order }

// Version returns the on-disk format version.
func (f *File) Version() FormatVersion { return f.version }

// Size returns the current file length in bytes.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Stats returns the statistics gathered for this file.
func (f *File) Stats() map[string]interface{} {
	return f.stats.GetStats()
}

// InTransaction reports whether a transaction is open, including one that has
// committed and waits for its group.
func (f *File) InTransaction() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tx != nil
}

// WaitingForGroupCommit reports whether the file has committed and waits for
// the rest of its group. No mutation is allowed in that state.
func (f *File) WaitingForGroupCommit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitingForGroupCommit()
}

func (f *File) waitingForGroupCommit() bool {
	return f.tx != nil && f.tx.committed
}

func (f *File) checkUsable() error {
	if f.closed {
		return ErrClosed
	}
	if f.unusable {
		return ErrUnusable
	}
	return nil
}

func (f *File) checkWritable() error {
	if err := f.checkUsable(); err != nil {
		return err
	}
	if f.waitingForGroupCommit() {
		return ErrWaitingForGroupCommit
	}
	return nil
}

// checkDataBlock verifies that pos names a data block inside the file.
func (f *File) checkDataBlock(pos int64) error {
	switch {
	case pos <= 0 || pos%f.bs != 0:
		return rangeErrorf("position %d is not a block offset (block size %d)", pos, f.bs)
	case pos >= maxOffset || pos+f.bs > f.size:
		return rangeErrorf("position %d is beyond end of file %d", pos, f.size)
	case f.isBitfield(pos):
		return rangeErrorf("position %d is a bitfield block", pos)
	}
	return nil
}

// readAt fills buf from the data file. A short read is corruption: callers only
// read inside the current file length.
func (f *File) readAt(buf []byte, pos int64) error {
	n, err := f.file.ReadAt(buf, pos)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		return corruptionErrorf("short read at %d: %d of %d bytes", pos, n, len(buf))
	}
	return errors.Wrapf(err, "failed to read %d bytes at %d", len(buf), pos)
}

func (f *File) readBlock(pos int64) ([]byte, error) {
	buf := make([]byte, f.bs)
	if err := f.readAt(buf, pos); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeAt is the only path by which block contents change. Inside a
// transaction every pre-existing block the write touches is journaled first.
func (f *File) writeAt(data []byte, pos int64) error {
	if f.tx != nil {
		for b := pos - pos%f.bs; b < pos+int64(len(data)); b += f.bs {
			if err := f.journalBlock(b); err != nil {
				return err
			}
		}
	}
	if _, err := f.file.WriteAt(data, pos); err != nil {
		return errors.Wrapf(err, "failed to write %d bytes at %d", len(data), pos)
	}
	if end := pos + int64(len(data)); end > f.size {
		f.size = end
	}
	return nil
}

// truncate shrinks the data file. Blocks dropped inside a transaction are
// journaled so that rollback can restore them.
func (f *File) truncate(size int64) error {
	if f.tx != nil {
		for b := size; b < f.size; b += f.bs {
			if err := f.journalBlock(b); err != nil {
				return err
			}
		}
	}
	if err := f.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "failed to truncate to %d", size)
	}
	f.size = size
	return nil
}

func (f *File) readWord(pos int64) (uint64, error) {
	buf := make([]byte, wordSize)
	if err := f.readAt(buf, pos); err != nil {
		return 0, err
	}
	return f.order.Uint64(buf), nil
}

func (f *File) writeWord(pos int64, w uint64) error {
	buf := make([]byte, wordSize)
	f.order.PutUint64(buf, w)
	return f.writeAt(buf, pos)
}

// syncData flushes the data file unless syncing is disabled.
func (f *File) syncData() error {
	if f.cfg.SyncMode == config.SyncNone {
		return nil
	}
	if err := f.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync block file")
	}
	return nil
}

// syncAfterMutation flushes after a mutation made outside a transaction when
// every operation is to be durable on return.
func (f *File) syncAfterMutation() error {
	if f.tx != nil || f.cfg.SyncMode != config.SyncImmediate {
		return nil
	}
	return f.syncData()
}

// observe records statistics and metrics for one public operation.
func (f *File) observe(op stats.OperationType, start time.Time, bytes int, isWrite bool, err error) {
	elapsed := time.Since(start)
	f.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil {
		f.stats.TrackError(errorKind(err))
		if errors.Is(err, ErrCorruptStore) {
			f.metrics.RecordCorruption(context.Background(), string(op), f.path)
		}
	} else if bytes > 0 {
		f.stats.TrackBytes(isWrite, uint64(bytes))
	}
	f.metrics.RecordOperation(context.Background(), string(op), elapsed, int64(bytes), err)
}

func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", path)
	}
	return nil
}
