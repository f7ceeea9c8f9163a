package blockfile

import (
	"encoding/binary"

	"github.com/KevoDB/blockstore/pkg/config"
	"github.com/cockroachdb/errors"
)

// Header layout
// - free block pointer (8 bytes)
// - magic (4 bytes)
// - block size (4 bytes)
// The rest of the first block is zero.
const (
	headerSize      = 16
	freeBlockOffset = 0
	magicOffset     = 8
	blockSizeOffset = 12
)

// FormatVersion identifies the on-disk layout by its magic number.
type FormatVersion int

const (
	FormatUnknown FormatVersion = iota
	// FormatV1 files predate the current block layout and cannot be read.
	FormatV1
	// FormatV2 files share the current layout and only carry an older magic.
	FormatV2
	// FormatV3 is the layout written by this package.
	FormatV3
)

const (
	magicV1 uint32 = 0xBBFF0201
	magicV2 uint32 = 0xBBFF0202
	magicV3 uint32 = 0xBBFF0203

	FormatCurrent = FormatV3
)

func (v FormatVersion) String() string {
	switch v {
	case FormatV1:
		return "v1"
	case FormatV2:
		return "v2"
	case FormatV3:
		return "v3"
	default:
		return "unknown"
	}
}

func (v FormatVersion) magic() uint32 {
	switch v {
	case FormatV1:
		return magicV1
	case FormatV2:
		return magicV2
	case FormatV3:
		return magicV3
	}
	return 0
}

func versionForMagic(m uint32) FormatVersion {
	switch m {
	case magicV1:
		return FormatV1
	case magicV2:
		return FormatV2
	case magicV3:
		return FormatV3
	}
	return FormatUnknown
}

// header is the decoded first 16 bytes of a block file.
type header struct {
	freeBlock int64
	version   FormatVersion
	blockSize int64
	order     binary.ByteOrder
}

// upgradeAction tells Open what to do with a header it has read.
type upgradeAction int

const (
	upgradeNone upgradeAction = iota
	// upgradeRewriteMagic stamps the current magic over a compatible older one.
	upgradeRewriteMagic
	// upgradeRecreate discards the file and starts an empty store.
	upgradeRecreate
)

func (a upgradeAction) String() string {
	switch a {
	case upgradeNone:
		return "none"
	case upgradeRewriteMagic:
		return "rewrite-magic"
	case upgradeRecreate:
		return "recreate"
	}
	return "unknown"
}

// decodeHeader reads a header in whichever byte order makes the magic match a
// known version. If neither does the header is returned as FormatUnknown in
// little-endian order.
func decodeHeader(buf []byte) header {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		if v := versionForMagic(order.Uint32(buf[magicOffset:])); v != FormatUnknown {
			return header{
				freeBlock: int64(order.Uint64(buf[freeBlockOffset:])),
				version:   v,
				blockSize: int64(order.Uint32(buf[blockSizeOffset:])),
				order:     order,
			}
		}
	}
	return header{version: FormatUnknown, order: binary.LittleEndian}
}

// encodeHeader writes h into a buffer of headerSize bytes.
func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	h.order.PutUint64(buf[freeBlockOffset:], uint64(h.freeBlock))
	h.order.PutUint32(buf[magicOffset:], h.version.magic())
	h.order.PutUint32(buf[blockSizeOffset:], uint32(h.blockSize))
	return buf
}

// upgradeHeader decides how to bring a decoded header up to the current format.
// It has no side effects; Open carries out the returned action.
func upgradeHeader(h header) (header, upgradeAction, error) {
	switch h.version {
	case FormatV3, FormatV2:
		if err := validateBlockSize(h.blockSize); err != nil {
			return h, upgradeNone, err
		}
		if h.freeBlock < 0 || h.freeBlock%h.blockSize != 0 {
			return h, upgradeNone, errors.Wrapf(ErrFormat, "free block pointer %d", h.freeBlock)
		}
		if h.version == FormatV2 {
			h.version = FormatV3
			return h, upgradeRewriteMagic, nil
		}
		return h, upgradeNone, nil
	default:
		return header{version: FormatV3, order: h.order}, upgradeRecreate, nil
	}
}

func validateBlockSize(bs int64) error {
	if bs < config.MinBlockSize || bs > config.MaxBlockSize {
		return errors.Wrapf(ErrFormat, "block size %d outside [%d, %d]", bs, config.MinBlockSize, config.MaxBlockSize)
	}
	if bs%8 != 0 {
		return errors.Wrapf(ErrFormat, "block size %d is not a multiple of 8", bs)
	}
	return nil
}

func parseByteOrder(name string) binary.ByteOrder {
	if name == config.ByteOrderBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func byteOrderName(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return config.ByteOrderBig
	}
	return config.ByteOrderLittle
}
