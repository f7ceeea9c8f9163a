// Package compress shrinks block snapshots before they are written to a journal.
//
// A Session is created when a transaction begins and closed when it ends, so the
// encoder state it carries never outlives the transaction it serves.
package compress

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec names a compression algorithm. The values match config.Codec*.
type Codec string

const (
	None   Codec = "none"
	Zstd   Codec = "zstd"
	Snappy Codec = "snappy"
)

var (
	// ErrUnknownCodec is returned when an unsupported compression codec is specified
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when compressed data cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// ParseCodec validates a codec name.
func ParseCodec(name string) (Codec, error) {
	switch c := Codec(name); c {
	case None, Zstd, Snappy:
		return c, nil
	}
	return "", errors.Wrapf(ErrUnknownCodec, "%q", name)
}

// Session compresses and decompresses fixed-size blocks with one codec.
type Session struct {
	codec Codec

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	mu sync.Mutex
}

// NewSession creates a session for codec. The zstd encoder runs single-threaded:
// blocks are small and compressed one at a time.
func NewSession(codec Codec) (*Session, error) {
	s := &Session{codec: codec}

	switch codec {
	case None, Snappy:
	case Zstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.SpeedFastest),
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create ZSTD encoder")
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			enc.Close()
			return nil, errors.Wrap(err, "failed to create ZSTD decoder")
		}
		s.zstdEncoder = enc
		s.zstdDecoder = dec
	default:
		return nil, errors.Wrapf(ErrUnknownCodec, "%q", codec)
	}

	return s, nil
}

// Codec reports the session's codec.
func (s *Session) Codec() Codec {
	return s.codec
}

// Compress returns the compressed form of src. The result never aliases src.
func (s *Session) Compress(src []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.codec {
	case None:
		return append([]byte(nil), src...), nil
	case Zstd:
		if s.zstdEncoder == nil {
			return nil, errors.New("compress: session closed")
		}
		return s.zstdEncoder.EncodeAll(src, nil), nil
	case Snappy:
		return snappy.Encode(nil, src), nil
	}
	return nil, errors.Wrapf(ErrUnknownCodec, "%q", s.codec)
}

// Decompress expands src, which must decode to exactly blockSize bytes.
func (s *Session) Decompress(src []byte, blockSize int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out []byte
		err error
	)
	switch s.codec {
	case None:
		out = append([]byte(nil), src...)
	case Zstd:
		if s.zstdDecoder == nil {
			return nil, errors.New("compress: session closed")
		}
		out, err = s.zstdDecoder.DecodeAll(src, make([]byte, 0, blockSize))
	case Snappy:
		var n int
		n, err = snappy.DecodedLen(src)
		if err == nil && n != blockSize {
			return nil, errors.Wrapf(ErrInvalidCompressedData, "decoded length %d, expected %d", n, blockSize)
		}
		if err == nil {
			out, err = snappy.Decode(nil, src)
		}
	default:
		return nil, errors.Wrapf(ErrUnknownCodec, "%q", s.codec)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decompress"), ErrInvalidCompressedData)
	}
	if len(out) != blockSize {
		return nil, errors.Wrapf(ErrInvalidCompressedData, "decoded length %d, expected %d", len(out), blockSize)
	}
	return out, nil
}

// Close releases resources used by the session
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.zstdEncoder != nil {
		s.zstdEncoder.Close()
		s.zstdEncoder = nil
	}

	if s.zstdDecoder != nil {
		s.zstdDecoder.Close()
		s.zstdDecoder = nil
	}

	return nil
}
