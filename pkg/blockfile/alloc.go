package blockfile

import (
	"context"
	"math/bits"
	"sort"
	"time"

	"github.com/KevoDB/blockstore/pkg/stats"
	"github.com/cockroachdb/errors"
)

// Bitfield layout: the first bitfield sits right after the header block and is
// followed by bs*8 data blocks, one bit each. The pattern then repeats, so the
// k-th bitfield lives at bs + k*period.

func (f *File) period() int64 {
	return f.bs*8*f.bs + f.bs
}

func (f *File) isBitfield(pos int64) bool {
	return pos >= f.bs && (pos-f.bs)%f.period() == 0
}

// bitfieldFor returns the bitfield covering the data block at pos and the index
// of the block's bit in it.
func (f *File) bitfieldFor(pos int64) (int64, int) {
	bf := f.bs + (pos-f.bs)/f.period()*f.period()
	return bf, int((pos-bf)/f.bs) - 1
}

func (f *File) loadFreeBlock() (int64, error) {
	if f.freeBlock >= 0 {
		return f.freeBlock, nil
	}
	w, err := f.readWord(freeBlockOffset)
	if err != nil {
		return 0, err
	}
	fb := int64(w)
	if fb != 0 && (fb >= f.size || !f.isBitfield(fb)) {
		return 0, corruptionErrorf("free block pointer %d does not name a bitfield", fb)
	}
	f.freeBlock = fb
	return fb, nil
}

// setFreeBlock updates the cached pointer and the header together.
func (f *File) setFreeBlock(fb int64) error {
	if fb == f.freeBlock {
		return nil
	}
	if err := f.writeWord(freeBlockOffset, uint64(fb)); err != nil {
		return err
	}
	f.freeBlock = fb
	return nil
}

// nextFreeBitfield returns the first bitfield at or after from with a set bit,
// or 0 if there is none before the end of the file.
func (f *File) nextFreeBitfield(from int64) (int64, error) {
	for bf := from; bf < f.size; bf += f.period() {
		buf, err := f.readBlock(bf)
		if err != nil {
			return 0, err
		}
		if lowestSetBit(buf) >= 0 {
			return bf, nil
		}
	}
	return 0, nil
}

// getFreeBlock returns the lowest free data block, or 0 when there is none.
// With consume the block's bit is cleared and the cached pointer advanced past
// the bitfield if it has become empty.
func (f *File) getFreeBlock(consume bool) (int64, error) {
	fb, err := f.loadFreeBlock()
	if err != nil || fb == 0 {
		return 0, err
	}

	buf, err := f.readBlock(fb)
	if err != nil {
		return 0, err
	}
	bit := lowestSetBit(buf)
	if bit < 0 {
		// Stale pointer; find the real one.
		next, err := f.nextFreeBitfield(fb + f.period())
		if err != nil {
			return 0, err
		}
		if err := f.setFreeBlock(next); err != nil {
			return 0, err
		}
		if next == 0 {
			return 0, nil
		}
		return f.getFreeBlock(consume)
	}

	pos := fb + int64(bit+1)*f.bs
	if pos+f.bs > f.size {
		return 0, corruptionErrorf("bitfield %d marks block %d beyond end of file %d as free", fb, pos, f.size)
	}
	if !consume {
		return pos, nil
	}

	buf[bit/8] &^= 1 << (bit % 8)
	if err := f.writeAt(buf[bit/8:bit/8+1], fb+int64(bit/8)); err != nil {
		return 0, err
	}
	if lowestSetBit(buf) < 0 {
		next, err := f.nextFreeBitfield(fb + f.period())
		if err != nil {
			return 0, err
		}
		if err := f.setFreeBlock(next); err != nil {
			return 0, err
		}
	}
	return pos, nil
}

// reserve grows the file by ReserveBlocks free data blocks in a single write,
// laying down a fresh bitfield wherever one is due.
func (f *File) reserve() error {
	start := f.size
	if start >= maxOffset {
		return rangeErrorf("file has reached the maximum offset")
	}

	n := f.cfg.ReserveBlocks
	ext := make([]byte, 0, int64(n+1)*f.bs)
	var blocks []int64
	for pos := start; len(blocks) < n; pos += f.bs {
		block := make([]byte, f.bs)
		if !f.isBitfield(pos) {
			f.order.PutUint64(block, flagFree)
			blocks = append(blocks, pos)
		}
		ext = append(ext, block...)
	}

	// Bits for bitfields inside the extension go straight into the buffer;
	// a bitfield that already exists is updated in place afterwards.
	existing := make(map[int64][]byte)
	for _, pos := range blocks {
		bf, bit := f.bitfieldFor(pos)
		if bf >= start {
			off := bf - start
			ext[off+int64(bit/8)] |= 1 << (bit % 8)
			continue
		}
		buf, ok := existing[bf]
		if !ok {
			var err error
			if buf, err = f.readBlock(bf); err != nil {
				return err
			}
			existing[bf] = buf
		}
		buf[bit/8] |= 1 << (bit % 8)
	}

	if err := f.writeAt(ext, start); err != nil {
		return err
	}
	for bf, buf := range existing {
		if err := f.writeAt(buf, bf); err != nil {
			return err
		}
	}

	first, _ := f.bitfieldFor(blocks[0])
	fb, err := f.loadFreeBlock()
	if err != nil {
		return err
	}
	if fb == 0 || first < fb {
		if err := f.setFreeBlock(first); err != nil {
			return err
		}
	}

	f.stats.TrackGrowth(uint64(n))
	f.metrics.RecordGrowth(context.Background(), int64(n), int64(len(ext)))
	return nil
}

// allocBlock hands out the lowest free data block, growing the file if needed.
func (f *File) allocBlock() (int64, error) {
	pos, err := f.getFreeBlock(true)
	if err != nil {
		return 0, err
	}
	if pos == 0 {
		if err := f.reserve(); err != nil {
			return 0, err
		}
		if pos, err = f.getFreeBlock(true); err != nil {
			return 0, err
		}
		if pos == 0 {
			return 0, errors.AssertionFailedf("no free block after reserve")
		}
	}
	f.stats.TrackAllocation(1)
	return pos, nil
}

// allocBlocks allocates n blocks, releasing them again if any allocation fails.
func (f *File) allocBlocks(n int) ([]int64, error) {
	positions := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		pos, err := f.allocBlock()
		if err != nil {
			if len(positions) > 0 {
				_ = f.freeBlocks(positions)
			}
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// freeBlocks marks each block free in its next word and its bitfield, then
// drops free blocks from the end of the file if the last one was released.
func (f *File) freeBlocks(positions []int64) error {
	if len(positions) == 0 {
		return nil
	}

	fb, err := f.loadFreeBlock()
	if err != nil {
		return err
	}

	sorted := append([]int64(nil), positions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	bitfields := make(map[int64][]byte)
	for _, pos := range sorted {
		w, err := f.readWord(pos)
		if err != nil {
			return err
		}
		if err := f.writeWord(pos, w|flagFree); err != nil {
			return err
		}

		bf, bit := f.bitfieldFor(pos)
		buf, ok := bitfields[bf]
		if !ok {
			if buf, err = f.readBlock(bf); err != nil {
				return err
			}
			bitfields[bf] = buf
		}
		buf[bit/8] |= 1 << (bit % 8)
		if fb == 0 || bf < fb {
			fb = bf
		}
	}
	for bf, buf := range bitfields {
		if err := f.writeAt(buf, bf); err != nil {
			return err
		}
	}
	if err := f.setFreeBlock(fb); err != nil {
		return err
	}
	f.stats.TrackRelease(uint64(len(sorted)))

	if sorted[len(sorted)-1]+f.bs >= f.size {
		return f.truncateTail()
	}
	return nil
}

// truncateTail walks backward from the end of the file past free data blocks
// and bitfields with nothing after them, shrinks the file to the first block
// still in use, and recomputes the free pointer.
func (f *File) truncateTail() error {
	end := f.size
	var cur []byte
	curBF := int64(-1)
	for end > f.bs {
		pos := end - f.bs
		if f.isBitfield(pos) {
			end = pos
			continue
		}
		bf, bit := f.bitfieldFor(pos)
		if bf != curBF {
			var err error
			if cur, err = f.readBlock(bf); err != nil {
				return err
			}
			curBF = bf
		}
		if cur[bit/8]&(1<<(bit%8)) == 0 {
			break
		}
		end = pos
	}
	if end == f.size {
		return nil
	}

	dropped := f.size - end
	if err := f.truncate(end); err != nil {
		return err
	}
	if err := f.clampBitfields(); err != nil {
		return err
	}

	f.stats.TrackShrink(uint64(dropped))
	f.logger.Debug("Truncated %d free bytes from end of file", dropped)
	return nil
}

// clampBitfields clears the bits of blocks at or beyond the end of the file in
// the last bitfield and points the header at the first bitfield still holding
// a free block.
func (f *File) clampBitfields() error {
	if f.size > f.bs {
		bf, _ := f.bitfieldFor(f.size - f.bs)
		buf, err := f.readBlock(bf)
		if err != nil {
			return err
		}
		changed := false
		for pos := f.size; pos < bf+f.period(); pos += f.bs {
			_, bit := f.bitfieldFor(pos)
			if buf[bit/8]&(1<<(bit%8)) != 0 {
				buf[bit/8] &^= 1 << (bit % 8)
				changed = true
			}
		}
		if changed {
			if err := f.writeAt(buf, bf); err != nil {
				return err
			}
		}
	}

	next, err := f.nextFreeBitfield(f.bs)
	if err != nil {
		return err
	}
	f.freeBlock = -1
	return f.setFreeBlock(next)
}

// ReserveBlock allocates a single block and returns its position. The block
// holds no record until WriteReserved fills it.
func (f *File) ReserveBlock() (pos int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() { f.observe(stats.OpReserve, start, 0, true, err) }()

	if pos, err = f.allocBlock(); err != nil {
		return 0, err
	}
	// A reserved block is neither free nor the start of a record yet.
	if err := f.writeWord(pos, flagReserved); err != nil {
		return 0, err
	}
	return pos, f.syncAfterMutation()
}

// BlockStats counts data blocks and free data blocks from the bitfields.
func (f *File) BlockStats() (total, free int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsable(); err != nil {
		return 0, 0, err
	}
	for bf := f.bs; bf < f.size; bf += f.period() {
		buf, err := f.readBlock(bf)
		if err != nil {
			return 0, 0, err
		}
		end := bf + f.period()
		if end > f.size {
			end = f.size
		}
		total += (end - bf - f.bs) / f.bs
		for _, b := range buf {
			free += int64(bits.OnesCount8(b))
		}
	}
	return total, free, nil
}

func lowestSetBit(buf []byte) int {
	for i, b := range buf {
		if b != 0 {
			return i*8 + bits.TrailingZeros8(b)
		}
	}
	return -1
}
