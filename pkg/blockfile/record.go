package blockfile

import (
	"time"

	"github.com/KevoDB/blockstore/pkg/stats"
	"github.com/cockroachdb/errors"
)

// Record layout
// - start block: next word with flagStart (8 bytes), record length (4 bytes), payload
// - other blocks: next word (8 bytes), payload
// The last block of a chain has a zero next pointer.

// chain is a record as read from disk.
type chain struct {
	positions []int64
	length    int
	data      []byte
}

func (f *File) headPayload() int64 { return f.bs - wordSize - lengthSize }
func (f *File) bodyPayload() int64 { return f.bs - wordSize }

// blocksFor returns the number of blocks a record of n bytes occupies.
func (f *File) blocksFor(n int) int {
	hp := f.headPayload()
	if int64(n) <= hp {
		return 1
	}
	bp := f.bodyPayload()
	return 1 + int((int64(n)-hp+bp-1)/bp)
}

// payloadRange returns the record offsets the i-th block of a chain can hold.
func (f *File) payloadRange(i int) (int64, int64) {
	if i == 0 {
		return 0, f.headPayload()
	}
	start := f.headPayload() + int64(i-1)*f.bodyPayload()
	return start, start + f.bodyPayload()
}

// encodeBlock builds the i-th block of a chain laid out over positions.
func (f *File) encodeBlock(buf []byte, i int, positions []int64, length int) {
	var next uint64
	if i+1 < len(positions) {
		next = uint64(positions[i+1])
	}
	if i == 0 {
		next |= flagStart
		f.order.PutUint32(buf[wordSize:], uint32(length))
	}
	f.order.PutUint64(buf, next)
}

// payloadOffset returns where payload starts inside the i-th block.
func payloadOffset(i int) int64 {
	if i == 0 {
		return wordSize + lengthSize
	}
	return wordSize
}

func (f *File) writeChain(positions []int64, data []byte) error {
	for i, pos := range positions {
		buf := make([]byte, f.bs)
		f.encodeBlock(buf, i, positions, len(data))
		s, e := f.payloadRange(i)
		if e > int64(len(data)) {
			e = int64(len(data))
		}
		if s < e {
			copy(buf[payloadOffset(i):], data[s:e])
		}
		if err := f.writeAt(buf, pos); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) checkLength(n int) error {
	if n > f.cfg.MaxRecordLength {
		return errors.Wrapf(ErrRecordTooLarge, "%d bytes exceeds limit of %d", n, f.cfg.MaxRecordLength)
	}
	return nil
}

// readHead reads the start block of a record.
func (f *File) readHead(pos int64) ([]byte, uint64, error) {
	if err := f.checkDataBlock(pos); err != nil {
		return nil, 0, err
	}
	buf, err := f.readBlock(pos)
	if err != nil {
		return nil, 0, err
	}
	w := f.order.Uint64(buf)
	switch {
	case w&flagFree != 0:
		return nil, 0, rangeErrorf("block %d is free", pos)
	case w&flagStart == 0:
		return nil, 0, rangeErrorf("block %d is not the start of a record", pos)
	}
	if n := int(f.order.Uint32(buf[wordSize:])); n > f.cfg.MaxRecordLength {
		return nil, 0, corruptionErrorf("record %d has length %d above limit %d", pos, n, f.cfg.MaxRecordLength)
	}
	return buf, w, nil
}

// loadChain walks a plain record and checks that its blocks match its stored
// length exactly.
func (f *File) loadChain(head int64, wantData bool) (*chain, error) {
	buf, w, err := f.readHead(head)
	if err != nil {
		return nil, err
	}
	if w&flagAppend != 0 {
		return nil, rangeErrorf("block %d starts an append chain", head)
	}

	length := int(f.order.Uint32(buf[wordSize:]))
	need := f.blocksFor(length)
	c := &chain{positions: make([]int64, 1, need), length: length}
	c.positions[0] = head
	if wantData {
		c.data = make([]byte, length)
	}

	for i := 0; ; i++ {
		if wantData {
			s, e := f.payloadRange(i)
			if e > int64(length) {
				e = int64(length)
			}
			if s < e {
				copy(c.data[s:e], buf[payloadOffset(i):])
			}
		}
		next := int64(w &^ flagMask)
		if i+1 == need {
			if next != 0 {
				return nil, corruptionErrorf("record %d continues past its length %d", head, length)
			}
			return c, nil
		}
		if next == 0 {
			return nil, corruptionErrorf("record %d ends after %d of %d blocks", head, i+1, need)
		}
		if err := f.checkDataBlock(next); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "record %d", head), ErrCorruptStore)
		}
		if buf, err = f.readBlock(next); err != nil {
			return nil, err
		}
		w = f.order.Uint64(buf)
		if w&flagUnlinked != 0 {
			return nil, corruptionErrorf("record %d links to block %d which is free or starts another record", head, next)
		}
		c.positions = append(c.positions, next)
	}
}

// walkFrom collects the blocks linked from pos without knowing the record
// length, as when deleting the tail of a chain.
func (f *File) walkFrom(pos int64) ([]int64, error) {
	positions := []int64{pos}
	limit := int(f.size / f.bs)
	w, err := f.readWord(pos)
	if err != nil {
		return nil, err
	}
	for next := int64(w &^ flagMask); next != 0; next = int64(w &^ flagMask) {
		if len(positions) > limit {
			return nil, corruptionErrorf("chain from %d does not terminate", pos)
		}
		if err := f.checkDataBlock(next); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "chain from %d", pos), ErrCorruptStore)
		}
		if w, err = f.readWord(next); err != nil {
			return nil, err
		}
		if w&flagUnlinked != 0 {
			return nil, corruptionErrorf("chain from %d links to block %d which is free or starts another record", pos, next)
		}
		positions = append(positions, next)
	}
	return positions, nil
}

// Write stores data as a new record and returns its position.
func (f *File) Write(data []byte) (pos int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpWrite, start, len(data), true, err) }()

	return f.writeRecord(data, 0)
}

// WriteReserved stores data as a new record whose first block is pos, which
// must come from ReserveBlock.
func (f *File) WriteReserved(data []byte, pos int64) (_ int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpWrite, start, len(data), true, err) }()

	if err := f.checkDataBlock(pos); err != nil {
		return 0, err
	}
	w, err := f.readWord(pos)
	if err != nil {
		return 0, err
	}
	if w != flagReserved {
		return 0, rangeErrorf("block %d is not a reserved block", pos)
	}
	return f.writeRecord(data, pos)
}

func (f *File) writeRecord(data []byte, reserved int64) (int64, error) {
	if err := f.checkLength(len(data)); err != nil {
		return 0, err
	}

	n := f.blocksFor(len(data))
	var positions []int64
	if reserved != 0 {
		rest, err := f.allocBlocks(n - 1)
		if err != nil {
			return 0, err
		}
		positions = append([]int64{reserved}, rest...)
	} else {
		var err error
		if positions, err = f.allocBlocks(n); err != nil {
			return 0, err
		}
	}

	if err := f.writeChain(positions, data); err != nil {
		if ferr := f.freeBlocks(positions); ferr != nil {
			f.logger.Error("Failed to release blocks of failed write: %v", ferr)
		}
		return 0, err
	}
	return positions[0], f.syncAfterMutation()
}

// Read fills buf with the first len(buf) bytes of the record at pos. It works
// for plain records and append chains.
func (f *File) Read(pos int64, buf []byte) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpRead, start, len(buf), false, err) }()

	data, err := f.readRecord(pos, len(buf))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// ReadAll returns the whole record at pos.
func (f *File) ReadAll(pos int64) (data []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsable(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpRead, start, len(data), false, err) }()

	return f.readRecord(pos, -1)
}

// readRecord loads a record of either kind. want < 0 means the whole record.
func (f *File) readRecord(pos int64, want int) ([]byte, error) {
	_, w, err := f.readHead(pos)
	if err != nil {
		return nil, err
	}

	var c *chain
	if w&flagAppend != 0 {
		c, err = f.loadAppendChain(pos, true)
	} else {
		c, err = f.loadChain(pos, true)
	}
	if err != nil {
		return nil, err
	}
	if want > c.length {
		return nil, errors.Wrapf(ErrReadPastEnd, "read of %d bytes from record %d of length %d", want, pos, c.length)
	}
	if want < 0 {
		return c.data, nil
	}
	return c.data[:want], nil
}

// DataLength returns the stored length of the record at pos.
func (f *File) DataLength(pos int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsable(); err != nil {
		return 0, err
	}
	buf, _, err := f.readHead(pos)
	if err != nil {
		return 0, err
	}
	return int(f.order.Uint32(buf[wordSize:])), nil
}

// Update replaces the record at pos with data, keeping its position. The chain
// grows or shrinks to fit.
func (f *File) Update(pos int64, data []byte) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpUpdate, start, len(data), true, err) }()

	if err := f.checkLength(len(data)); err != nil {
		return err
	}
	c, err := f.loadChain(pos, false)
	if err != nil {
		return err
	}

	need := f.blocksFor(len(data))
	positions := c.positions
	var extra, drop []int64
	if need > len(positions) {
		if extra, err = f.allocBlocks(need - len(positions)); err != nil {
			return err
		}
		positions = append(positions, extra...)
	} else {
		drop = positions[need:]
		positions = positions[:need]
	}

	if err := f.writeChain(positions, data); err != nil {
		if len(extra) > 0 {
			_ = f.freeBlocks(extra)
		}
		return err
	}
	if err := f.freeBlocks(drop); err != nil {
		return err
	}
	return f.syncAfterMutation()
}

// UpdateAt overwrites len(data) bytes of the record at pos starting at offset,
// which may not lie beyond the end of the record. Writing past the end extends
// it. Blocks outside the written range are left untouched.
func (f *File) UpdateAt(pos int64, offset int, data []byte) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpUpdate, start, len(data), true, err) }()

	c, err := f.loadChain(pos, false)
	if err != nil {
		return err
	}
	if offset < 0 || offset > c.length {
		return rangeErrorf("offset %d outside record %d of length %d", offset, pos, c.length)
	}
	newLen := c.length
	if end := offset + len(data); end > newLen {
		newLen = end
	}
	if err := f.checkLength(newLen); err != nil {
		return err
	}

	oldCount := len(c.positions)
	need := f.blocksFor(newLen)
	positions := c.positions
	var extra []int64
	if need > oldCount {
		if extra, err = f.allocBlocks(need - oldCount); err != nil {
			return err
		}
		positions = append(positions, extra...)
	}

	lo, hi := int64(offset), int64(offset+len(data))
	for i, p := range positions {
		s, e := f.payloadRange(i)
		dirty := i >= oldCount ||
			(i == 0 && newLen != c.length) ||
			(i == oldCount-1 && need > oldCount) ||
			(lo < e && hi > s)
		if !dirty {
			continue
		}

		var buf []byte
		if i < oldCount {
			if buf, err = f.readBlock(p); err != nil {
				break
			}
		} else {
			buf = make([]byte, f.bs)
		}
		f.encodeBlock(buf, i, positions, newLen)
		ws, we := max(s, lo), min(e, hi)
		if ws < we {
			copy(buf[payloadOffset(i)+ws-s:], data[ws-lo:we-lo])
		}
		if err = f.writeAt(buf, p); err != nil {
			break
		}
	}
	if err != nil {
		if len(extra) > 0 {
			_ = f.freeBlocks(extra)
		}
		return err
	}
	return f.syncAfterMutation()
}

// TruncateRecord shrinks the record at pos to n bytes and releases the blocks
// it no longer needs.
func (f *File) TruncateRecord(pos int64, n int) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpUpdate, start, 0, true, err) }()

	c, err := f.loadChain(pos, false)
	if err != nil {
		return err
	}
	if n < 0 || n > c.length {
		return rangeErrorf("cannot truncate record %d of length %d to %d", pos, c.length, n)
	}

	need := f.blocksFor(n)
	drop := c.positions[need:]

	lenBuf := make([]byte, lengthSize)
	f.order.PutUint32(lenBuf, uint32(n))
	if err := f.writeAt(lenBuf, pos+wordSize); err != nil {
		return err
	}
	if len(drop) > 0 {
		last := c.positions[need-1]
		var w uint64
		if need == 1 {
			w = flagStart
		}
		if err := f.writeWord(last, w); err != nil {
			return err
		}
		if err := f.freeBlocks(drop); err != nil {
			return err
		}
	}
	return f.syncAfterMutation()
}

// Delete releases the chain starting at pos. pos may be a block in the middle
// of a plain record, in which case only the blocks from pos onward are freed
// and the caller is responsible for the record's remaining head. Append chains
// are always deleted whole.
func (f *File) Delete(pos int64) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpDelete, start, 0, true, err) }()

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
		return rangeErrorf("block %d is already free", pos)
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

	if err := f.freeBlocks(positions); err != nil {
		return err
	}
	return f.syncAfterMutation()
}
