package blockfile

import (
	"context"
	"os"
	"time"

	"github.com/KevoDB/blockstore/pkg/compress"
	"github.com/KevoDB/blockstore/pkg/config"
	"github.com/KevoDB/blockstore/pkg/stats"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// Journal layout
// - original file length (8 bytes)
// - journaled bitmap, one bit per block of the original file
// - records:
//   - origin offset (8 bytes)
//   - codec id (high byte) and compressed size (low 24 bits) (4 bytes)
//   - compressed block
//   - xxhash64 of the three fields above (8 bytes)
// A record's bitmap bit is set only after the record itself is written, so a
// record without its bit was interrupted.
const (
	journalHeaderSize = 8
	recordHeaderSize  = 12
	recordTrailerSize = 8

	maxRecordPayload = 1<<24 - 1
)

var codecIDs = map[compress.Codec]uint32{
	compress.None:   0,
	compress.Zstd:   1,
	compress.Snappy: 2,
}

func codecForID(id uint32) (compress.Codec, bool) {
	for c, cid := range codecIDs {
		if cid == id {
			return c, true
		}
	}
	return "", false
}

// transaction is the state of an open transaction.
type transaction struct {
	journal afero.File
	session *compress.Session

	origLen int64
	bitmap  []byte
	end     int64

	invalidate bool
	// committed is set once the data file is synced and the journal closed;
	// the journal is deleted when the whole group gets here.
	committed bool

	blocks  int
	started time.Time
}

func (tx *transaction) closeHandles() {
	if tx.journal != nil {
		tx.journal.Close()
		tx.journal = nil
	}
	if tx.session != nil {
		tx.session.Close()
		tx.session = nil
	}
}

func bitmapSize(origLen, bs int64) int64 {
	return (origLen/bs + 7) / 8
}

// BeginTransaction starts a transaction. Until it commits, every change to a
// block that existed when it began can be undone, including by reopening the
// file after a crash.
//
// With invalidateJournal a marker recording the current length is written
// first. Its presence means recovery simply truncates the file to that length
// instead of replaying the journal, which suits transactions that only add
// blocks.
func (f *File) BeginTransaction(invalidateJournal bool) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return err
	}
	if f.tx != nil {
		return ErrTransactionActive
	}
	start := time.Now()
	defer func() { f.observe(stats.OpTxBegin, start, 0, true, err) }()

	codec, err := compress.ParseCodec(f.cfg.JournalCodec)
	if err != nil {
		return err
	}
	session, err := compress.NewSession(codec)
	if err != nil {
		return err
	}

	origLen := f.size
	if invalidateJournal {
		if err := f.writeInvalidateMarker(origLen); err != nil {
			session.Close()
			return err
		}
	}

	journal, err := f.createJournal(origLen)
	if err != nil {
		session.Close()
		_ = removeIfExists(f.fs, f.path+invalidateSuffix)
		return err
	}

	f.tx = &transaction{
		journal:    journal,
		session:    session,
		origLen:    origLen,
		bitmap:     make([]byte, bitmapSize(origLen, f.bs)),
		end:        journalHeaderSize + bitmapSize(origLen, f.bs),
		invalidate: invalidateJournal,
		started:    start,
	}

	// The header holds the free pointer, which nearly every mutation rewrites.
	return f.journalBlock(0)
}

func (f *File) writeInvalidateMarker(origLen int64) error {
	buf := make([]byte, 8)
	f.order.PutUint64(buf, uint64(origLen))
	return writeSynced(f.fs, f.path+invalidateSuffix, buf)
}

func (f *File) createJournal(origLen int64) (afero.File, error) {
	journal, err := f.fs.OpenFile(f.path+journalSuffix, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create journal")
	}
	hdr := make([]byte, journalHeaderSize+bitmapSize(origLen, f.bs))
	f.order.PutUint64(hdr, uint64(origLen))
	if _, err := journal.WriteAt(hdr, 0); err != nil {
		journal.Close()
		return nil, errors.Wrap(err, "failed to write journal header")
	}
	if err := journal.Sync(); err != nil {
		journal.Close()
		return nil, errors.Wrap(err, "failed to sync journal header")
	}
	return journal, nil
}

// markUnusable records that the journal can no longer be trusted to undo the
// current transaction.
func (f *File) markUnusable(err error, msg string) error {
	f.unusable = true
	f.logger.Error("%s, file is unusable until reopened: %v", msg, err)
	return errors.Mark(errors.Wrap(err, msg), ErrUnusable)
}

// journalBlock saves the current contents of the block at pos unless it was
// created by this transaction or has been saved already.
func (f *File) journalBlock(pos int64) error {
	tx := f.tx
	if pos >= tx.origLen {
		return nil
	}
	idx := pos / f.bs
	bit := byte(1) << (idx % 8)
	if tx.bitmap[idx/8]&bit != 0 {
		return nil
	}
	if tx.committed {
		return errors.AssertionFailedf("journaling block %d after commit", pos)
	}

	block, err := f.readBlock(pos)
	if err != nil {
		return err
	}
	compressed, err := tx.session.Compress(block)
	if err != nil {
		return f.markUnusable(err, "failed to compress journal record")
	}
	if len(compressed) > maxRecordPayload {
		return f.markUnusable(errors.Newf("%d bytes", len(compressed)), "journal record too large")
	}

	n := len(compressed)
	rec := make([]byte, recordHeaderSize+n+recordTrailerSize)
	f.order.PutUint64(rec, uint64(pos))
	f.order.PutUint32(rec[8:], codecIDs[tx.session.Codec()]<<24|uint32(n))
	copy(rec[recordHeaderSize:], compressed)
	f.order.PutUint64(rec[recordHeaderSize+n:], xxhash.Sum64(rec[:recordHeaderSize+n]))

	if _, err := tx.journal.WriteAt(rec, tx.end); err != nil {
		return f.markUnusable(err, "failed to write journal record")
	}
	if f.cfg.SyncMode == config.SyncImmediate {
		if err := f.syncJournal(); err != nil {
			return err
		}
	}
	tx.end += int64(len(rec))

	tx.bitmap[idx/8] |= bit
	if _, err := tx.journal.WriteAt(tx.bitmap[idx/8:idx/8+1], journalHeaderSize+idx/8); err != nil {
		return f.markUnusable(err, "failed to write journal bitmap")
	}
	// The pre-image is durable before the block it protects changes. Without
	// the record sync above, a bit that reaches disk ahead of its record is
	// caught by the record checksum.
	if err := f.syncJournal(); err != nil {
		return err
	}

	tx.blocks++
	f.stats.TrackJournal(uint64(f.bs), uint64(n))
	f.metrics.RecordJournal(context.Background(), f.bs, int64(n), string(tx.session.Codec()))
	return nil
}

func (f *File) syncJournal() error {
	if f.cfg.SyncMode == config.SyncNone {
		return nil
	}
	if err := f.tx.journal.Sync(); err != nil {
		return f.markUnusable(err, "failed to sync journal")
	}
	return nil
}

// PreJournal saves every block of the record at pos now rather than as each
// block is first written.
func (f *File) PreJournal(pos int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return err
	}
	if f.tx == nil {
		return ErrNoTransaction
	}

	if err := f.checkDataBlock(pos); err != nil {
		return err
	}
	w, err := f.readWord(pos)
	if err != nil {
		return err
	}
	var positions []int64
	switch {
	case w&flagFree != 0:
		return rangeErrorf("block %d is free", pos)
	case w&flagStart != 0 && w&flagAppend != 0:
		c, err := f.loadAppendChain(pos, false)
		if err != nil {
			return err
		}
		positions = c.positions
	case w&flagStart != 0:
		c, err := f.loadChain(pos, false)
		if err != nil {
			return err
		}
		positions = c.positions
	default:
		if positions, err = f.walkFrom(pos); err != nil {
			return err
		}
	}

	for _, p := range positions {
		if err := f.journalBlock(p); err != nil {
			return err
		}
	}
	return nil
}

// Commit makes the transaction's changes durable. A grouped file only closes
// its journal here; journals are deleted once every member of the group that
// has a transaction open has committed.
func (f *File) Commit() (err error) {
	unlock := f.lockGroup()
	defer unlock()

	if err := f.checkUsable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpTxCommit, start, 0, true, err) }()

	return f.commitLocked()
}

func (f *File) commitLocked() error {
	tx := f.tx
	if tx == nil {
		return ErrNoTransaction
	}
	if tx.committed {
		return ErrWaitingForGroupCommit
	}

	if err := f.syncData(); err != nil {
		return err
	}
	if f.cfg.SyncMode != config.SyncNone {
		if err := tx.journal.Sync(); err != nil {
			return f.markUnusable(err, "failed to sync journal")
		}
	}
	if err := tx.journal.Close(); err != nil {
		return f.markUnusable(err, "failed to close journal")
	}
	tx.journal = nil
	tx.committed = true
	f.metrics.RecordTransaction(context.Background(), "commit", time.Since(tx.started), tx.blocks)

	if f.group != nil {
		if !f.group.ready() {
			f.logger.Debug("Committed %d journaled blocks, waiting for group", tx.blocks)
			return nil
		}
		return f.group.finalize()
	}

	if err := f.finishCommit(); err != nil {
		return err
	}
	f.logger.Debug("Committed %d journaled blocks", tx.blocks)
	return nil
}

// finishCommit deletes the side-car files of a committed transaction. The
// invalidate marker goes first: without it a leftover journal rolls back
// cleanly, while a marker without its journal would truncate committed data.
func (f *File) finishCommit() error {
	if err := removeIfExists(f.fs, f.path+invalidateSuffix); err != nil {
		return err
	}
	if err := removeIfExists(f.fs, f.path+journalSuffix); err != nil {
		return err
	}
	f.tx.closeHandles()
	f.tx = nil
	return nil
}

// Rollback undoes the open transaction. On a grouped file every member's open
// transaction is rolled back. Rolling back with no transaction open does
// nothing.
func (f *File) Rollback() (err error) {
	unlock := f.lockGroup()
	defer unlock()

	if f.closed {
		return ErrClosed
	}
	start := time.Now()
	defer func() { f.observe(stats.OpTxRollback, start, 0, true, err) }()

	return f.rollbackLocked()
}

func (f *File) rollbackLocked() error {
	if f.group != nil {
		return f.group.rollback()
	}
	return f.rollbackOne()
}

func (f *File) rollbackOne() error {
	tx := f.tx
	if tx == nil {
		return nil
	}
	tx.closeHandles()
	f.tx = nil

	restored, outcome, err := f.restore()
	if err != nil {
		f.unusable = true
		return err
	}
	f.unusable = false
	f.freeBlock = -1
	f.metrics.RecordTransaction(context.Background(), "rollback", time.Since(tx.started), restored)
	f.logger.Info("Rolled back transaction (%s): %d blocks restored", outcome, restored)
	return nil
}

// recover resolves side-car files left by a transaction that never finished.
func (f *File) recover() error {
	start := f.stats.StartRecovery()
	restored, outcome, err := f.restore()
	if err != nil {
		return errors.Wrap(err, "failed to recover interrupted transaction")
	}
	f.stats.FinishRecovery(start, outcome, uint64(restored))
	if outcome != stats.RecoveryClean {
		f.logger.Info("Recovered interrupted transaction (%s): %d blocks restored", outcome, restored)
		f.metrics.RecordRecovery(context.Background(), string(outcome), int64(restored), time.Since(start))
	}
	f.freeBlock = -1
	return nil
}

// restore undoes whatever the side-car files describe: a truncation when the
// invalidate marker exists, a journal replay otherwise.
func (f *File) restore() (int, stats.RecoveryOutcome, error) {
	gPath, jPath := f.path+invalidateSuffix, f.path+journalSuffix

	marker, err := afero.ReadFile(f.fs, gPath)
	switch {
	case err == nil:
		if len(marker) >= 8 {
			origLen := int64(f.order.Uint64(marker))
			if origLen%f.bs != 0 || origLen < f.bs {
				return 0, "", corruptionErrorf("invalidate marker records length %d", origLen)
			}
			if err := f.resize(origLen); err != nil {
				return 0, "", err
			}
			// Blocks the transaction added are gone; the header and the last
			// bitfield may still describe them.
			if err := f.clampBitfields(); err != nil {
				return 0, "", err
			}
			if err := f.syncData(); err != nil {
				return 0, "", err
			}
		}
		// A short marker was cut off while the transaction began, before any
		// block changed.
		if err := removeIfExists(f.fs, jPath); err != nil {
			return 0, "", err
		}
		if err := removeIfExists(f.fs, gPath); err != nil {
			return 0, "", err
		}
		return 0, stats.RecoveryInvalidated, nil
	case !os.IsNotExist(err):
		return 0, "", errors.Wrap(err, "failed to read invalidate marker")
	}

	journal, err := afero.ReadFile(f.fs, jPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, stats.RecoveryClean, nil
		}
		return 0, "", errors.Wrap(err, "failed to read journal")
	}
	restored, err := f.replay(journal)
	if err != nil {
		return restored, "", err
	}
	if err := removeIfExists(f.fs, jPath); err != nil {
		return restored, "", err
	}
	return restored, stats.RecoveryRolledBack, nil
}

// replay writes journaled blocks back to their origins and truncates the file
// to its original length. It stops at the first record that was not completely
// written.
func (f *File) replay(journal []byte) (int, error) {
	if len(journal) < journalHeaderSize {
		// The journal header is synced before any block changes.
		return 0, nil
	}
	origLen := int64(f.order.Uint64(journal))
	bmLen := bitmapSize(origLen, f.bs)
	if int64(len(journal)) < journalHeaderSize+bmLen {
		return 0, nil
	}
	if origLen%f.bs != 0 || origLen < f.bs {
		return 0, corruptionErrorf("journal records original length %d", origLen)
	}
	bitmap := journal[journalHeaderSize : journalHeaderSize+bmLen]

	sessions := make(map[compress.Codec]*compress.Session)
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()

	restored := 0
	for off := journalHeaderSize + bmLen; off+recordHeaderSize <= int64(len(journal)); {
		origin := int64(f.order.Uint64(journal[off:]))
		field := f.order.Uint32(journal[off+8:])
		n := int64(field & maxRecordPayload)
		end := off + recordHeaderSize + n + recordTrailerSize
		if end > int64(len(journal)) {
			break
		}
		if xxhash.Sum64(journal[off:off+recordHeaderSize+n]) != f.order.Uint64(journal[off+recordHeaderSize+n:]) {
			f.logger.Warn("Journal record at %d fails checksum, stopping replay", off)
			break
		}
		if origin < 0 || origin%f.bs != 0 || origin >= origLen {
			f.logger.Warn("Journal record at %d names block %d outside original file, stopping replay", off, origin)
			break
		}
		idx := origin / f.bs
		if bitmap[idx/8]&(1<<(idx%8)) == 0 {
			break
		}

		codec, ok := codecForID(field >> 24)
		if !ok {
			return restored, corruptionErrorf("journal record at %d uses unknown codec %d", off, field>>24)
		}
		session, ok := sessions[codec]
		if !ok {
			var err error
			if session, err = compress.NewSession(codec); err != nil {
				return restored, err
			}
			sessions[codec] = session
		}
		block, err := session.Decompress(journal[off+recordHeaderSize:off+recordHeaderSize+n], int(f.bs))
		if err != nil {
			return restored, errors.Mark(errors.Wrapf(err, "journal record at %d", off), ErrCorruptStore)
		}
		if _, err := f.file.WriteAt(block, origin); err != nil {
			return restored, errors.Wrapf(err, "failed to restore block %d", origin)
		}
		restored++
		off = end
	}

	if err := f.resize(origLen); err != nil {
		return restored, err
	}
	return restored, nil
}

// resize sets the data file length directly, bypassing the journal, and syncs.
func (f *File) resize(size int64) error {
	if err := f.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "failed to truncate to %d", size)
	}
	f.size = size
	return f.syncData()
}

// writeSynced writes a small side-car file and syncs it before returning.
func writeSynced(fs afero.Fs, path string, data []byte) error {
	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	return errors.Wrapf(file.Close(), "failed to close %s", path)
}
