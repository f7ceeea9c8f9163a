package blockfile

import (
	"time"

	"github.com/KevoDB/blockstore/pkg/stats"
	"github.com/cockroachdb/errors"
)

// Append chain layout
// - head: tail pointer with flagStart|flagAppend (8 bytes), total length (4 bytes),
//   bytes held by the head (4 bytes), payload
// - other blocks: previous block (8 bytes), cumulative length through this block
//   (4 bytes), payload
// The head's tail pointer is zero while the head is the only block. Appending
// touches only the head and the tail; reading walks back from the tail.

const appendCumOffset = wordSize + lengthSize

func (f *File) appendHeadPayload() int64 { return f.bs - wordSize - 2*lengthSize }
func (f *File) appendBodyPayload() int64 { return f.bs - wordSize - lengthSize }

// appendBlocksFor returns how many new body blocks hold n bytes.
func (f *File) appendBlocksFor(n int64) int {
	bp := f.appendBodyPayload()
	return int((n + bp - 1) / bp)
}

// Append adds data to the end of the append chain at pos and returns the
// chain's position. Appending to position 0 creates a new chain.
func (f *File) Append(pos int64, data []byte) (_ int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpAppend, start, len(data), true, err) }()

	if pos == 0 {
		return f.createAppendChain(data)
	}
	if err := f.appendTo(pos, data); err != nil {
		return 0, err
	}
	return pos, f.syncAfterMutation()
}

func (f *File) createAppendChain(data []byte) (int64, error) {
	if err := f.checkLength(len(data)); err != nil {
		return 0, err
	}
	hp := f.appendHeadPayload()
	inHead := min(int64(len(data)), hp)
	positions, err := f.allocBlocks(1 + f.appendBlocksFor(int64(len(data))-inHead))
	if err != nil {
		return 0, err
	}

	head := make([]byte, f.bs)
	tail := uint64(0)
	if len(positions) > 1 {
		tail = uint64(positions[len(positions)-1])
	}
	f.order.PutUint64(head, tail|flagStart|flagAppend)
	f.order.PutUint32(head[wordSize:], uint32(len(data)))
	f.order.PutUint32(head[appendCumOffset:], uint32(inHead))
	copy(head[appendCumOffset+lengthSize:], data[:inHead])

	err = f.writeAppendBlocks(positions[0], positions[1:], data[inHead:], inHead)
	if err == nil {
		err = f.writeAt(head, positions[0])
	}
	if err != nil {
		if ferr := f.freeBlocks(positions); ferr != nil {
			f.logger.Error("Failed to release blocks of failed append: %v", ferr)
		}
		return 0, err
	}
	return positions[0], f.syncAfterMutation()
}

// writeAppendBlocks fills fresh body blocks with data, linking the first one
// back to prev.
func (f *File) writeAppendBlocks(prev int64, positions []int64, data []byte, cum int64) error {
	bp := f.appendBodyPayload()
	for _, pos := range positions {
		n := min(int64(len(data)), bp)
		cum += n
		buf := make([]byte, f.bs)
		f.order.PutUint64(buf, uint64(prev))
		f.order.PutUint32(buf[wordSize:], uint32(cum))
		copy(buf[appendCumOffset:], data[:n])
		if err := f.writeAt(buf, pos); err != nil {
			return err
		}
		data = data[n:]
		prev = pos
	}
	return nil
}

func (f *File) appendTo(pos int64, data []byte) error {
	head, w, err := f.readHead(pos)
	if err != nil {
		return err
	}
	if w&flagAppend == 0 {
		return rangeErrorf("block %d does not start an append chain", pos)
	}
	total := int64(f.order.Uint32(head[wordSize:]))
	if err := f.checkLength(int(total) + len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	hp, bp := f.appendHeadPayload(), f.appendBodyPayload()
	headCum := int64(f.order.Uint32(head[appendCumOffset:]))
	tailPos := int64(w &^ flagMask)

	// Fill whatever room the tail has left.
	var (
		tail      []byte
		used, room int64
		payload   int64
	)
	if tailPos == 0 {
		tail, used, room, payload = head, headCum, hp, appendCumOffset+lengthSize
		if headCum != total {
			return corruptionErrorf("append chain %d holds %d bytes in its only block but records %d", pos, headCum, total)
		}
	} else {
		if err := f.checkDataBlock(tailPos); err != nil {
			return errors.Mark(errors.Wrapf(err, "append chain %d", pos), ErrCorruptStore)
		}
		if tail, err = f.readBlock(tailPos); err != nil {
			return err
		}
		tw := f.order.Uint64(tail)
		if tw&flagUnlinked != 0 {
			return corruptionErrorf("append chain %d has tail %d which is free or a start block", pos, tailPos)
		}
		tailCum := int64(f.order.Uint32(tail[wordSize:]))
		if tailCum != total {
			return corruptionErrorf("append chain %d tail holds %d bytes, head records %d", pos, tailCum, total)
		}
		prevCum := headCum
		if prev := int64(tw &^ flagMask); prev != pos {
			if err := f.checkDataBlock(prev); err != nil {
				return errors.Mark(errors.Wrapf(err, "append chain %d", pos), ErrCorruptStore)
			}
			cumBuf := make([]byte, lengthSize)
			if err := f.readAt(cumBuf, prev+wordSize); err != nil {
				return err
			}
			prevCum = int64(f.order.Uint32(cumBuf))
		}
		used, room, payload = tailCum-prevCum, bp, appendCumOffset
		if used <= 0 || used > bp {
			return corruptionErrorf("append chain %d tail holds %d bytes", pos, used)
		}
	}

	k := min(room-used, int64(len(data)))
	copy(tail[payload+used:], data[:k])
	rest := data[k:]
	newTotal := total + int64(len(data))

	var fresh []int64
	if len(rest) > 0 {
		if fresh, err = f.allocBlocks(f.appendBlocksFor(int64(len(rest)))); err != nil {
			return err
		}
		prev := pos
		if tailPos != 0 {
			prev = tailPos
		}
		if err := f.writeAppendBlocks(prev, fresh, rest, total+k); err != nil {
			_ = f.freeBlocks(fresh)
			return err
		}
	}

	if tailPos != 0 && k > 0 {
		f.order.PutUint32(tail[wordSize:], uint32(total+k))
		if err := f.writeAt(tail, tailPos); err != nil {
			return err
		}
	}

	newTail := uint64(tailPos)
	if len(fresh) > 0 {
		newTail = uint64(fresh[len(fresh)-1])
	}
	if tailPos == 0 {
		f.order.PutUint32(head[appendCumOffset:], uint32(headCum+k))
	}
	f.order.PutUint64(head, newTail|flagStart|flagAppend)
	f.order.PutUint32(head[wordSize:], uint32(newTotal))
	return f.writeAt(head, pos)
}

// ReadAppend fills buf with the first len(buf) bytes of the append chain at pos.
func (f *File) ReadAppend(pos int64, buf []byte) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsable(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpRead, start, len(buf), false, err) }()

	_, w, err := f.readHead(pos)
	if err != nil {
		return err
	}
	if w&flagAppend == 0 {
		return rangeErrorf("block %d does not start an append chain", pos)
	}
	data, err := f.readRecord(pos, len(buf))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// loadAppendChain walks an append chain from its tail back to the head and
// checks the cumulative lengths along the way.
func (f *File) loadAppendChain(head int64, wantData bool) (*chain, error) {
	hbuf, w, err := f.readHead(head)
	if err != nil {
		return nil, err
	}
	if w&flagAppend == 0 {
		return nil, rangeErrorf("block %d does not start an append chain", head)
	}
	total := int64(f.order.Uint32(hbuf[wordSize:]))
	headCum := int64(f.order.Uint32(hbuf[appendCumOffset:]))
	if headCum > total || headCum > f.appendHeadPayload() {
		return nil, corruptionErrorf("append chain %d head holds %d of %d bytes", head, headCum, total)
	}

	type segment struct {
		pos int64
		buf []byte
		cum int64
	}
	var back []segment
	limit := int(f.size / f.bs)
	want := total
	for cur := int64(w &^ flagMask); cur != 0 && cur != head; {
		if len(back) > limit {
			return nil, corruptionErrorf("append chain %d does not lead back to its head", head)
		}
		if err := f.checkDataBlock(cur); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "append chain %d", head), ErrCorruptStore)
		}
		buf, err := f.readBlock(cur)
		if err != nil {
			return nil, err
		}
		bw := f.order.Uint64(buf)
		if bw&flagUnlinked != 0 {
			return nil, corruptionErrorf("append chain %d links to block %d which is free or a start block", head, cur)
		}
		cum := int64(f.order.Uint32(buf[wordSize:]))
		if cum != want {
			return nil, corruptionErrorf("append chain %d block %d holds cumulative %d, expected %d", head, cur, cum, want)
		}
		back = append(back, segment{pos: cur, buf: buf, cum: cum})
		prev := int64(bw &^ flagMask)
		if prev == 0 {
			return nil, corruptionErrorf("append chain %d block %d has no predecessor", head, cur)
		}
		// The predecessor's cumulative length is checked on the next pass; the
		// head's is checked below.
		if prev == head {
			want = headCum
			break
		}
		pbuf := make([]byte, lengthSize)
		if err := f.readAt(pbuf, prev+wordSize); err != nil {
			return nil, err
		}
		want = int64(f.order.Uint32(pbuf))
		if used := cum - want; used <= 0 || used > f.appendBodyPayload() {
			return nil, corruptionErrorf("append chain %d block %d holds %d bytes", head, cur, used)
		}
		cur = prev
	}
	if len(back) == 0 && headCum != total {
		return nil, corruptionErrorf("append chain %d holds %d bytes in its only block but records %d", head, headCum, total)
	}
	if len(back) > 0 {
		if used := back[len(back)-1].cum - headCum; used <= 0 || used > f.appendBodyPayload() {
			return nil, corruptionErrorf("append chain %d first body block holds %d bytes", head, used)
		}
	}

	c := &chain{positions: make([]int64, 0, len(back)+1), length: int(total)}
	c.positions = append(c.positions, head)
	if wantData {
		c.data = make([]byte, 0, total)
		c.data = append(c.data, hbuf[appendCumOffset+lengthSize:appendCumOffset+lengthSize+headCum]...)
	}
	prevCum := headCum
	for i := len(back) - 1; i >= 0; i-- {
		s := back[i]
		c.positions = append(c.positions, s.pos)
		if wantData {
			c.data = append(c.data, s.buf[appendCumOffset:appendCumOffset+s.cum-prevCum]...)
		}
		prevCum = s.cum
	}
	return c, nil
}
