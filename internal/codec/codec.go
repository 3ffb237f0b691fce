// Package codec selects and applies lossless compression to serialized payloads.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifiers as persisted with each package. Never renumber or rename.
const (
	Raw    = "raw"
	LZ4    = "lz4"
	S2     = "s2"
	Zstd   = "zstd"
	Brotli = "brotli"
	Zlib   = "zlib"
)

// MaxDecodedSize caps the output of a single decompression.
const MaxDecodedSize = 64 << 20

// Codec is one lossless algorithm.
type Codec interface {
	ID() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

type rawCodec struct{}

func (rawCodec) ID() string { return Raw }

func (rawCodec) Compress(src []byte) ([]byte, error) {
	return bytes.Clone(src), nil
}

func (rawCodec) Decompress(src []byte) ([]byte, error) {
	return bytes.Clone(src), nil
}

type lz4Codec struct{}

func (lz4Codec) ID() string { return LZ4 }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(src []byte) ([]byte, error) {
	return readLimited(lz4.NewReader(bytes.NewReader(src)))
}

type s2Codec struct{}

func (s2Codec) ID() string { return S2 }

func (s2Codec) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Codec) Decompress(src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > MaxDecodedSize {
		return nil, fmt.Errorf("decoded size %d exceeds limit", n)
	}
	return s2.Decode(nil, src)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (*zstdCodec) ID() string { return Zstd }

func (z *zstdCodec) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCodec) Decompress(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

type brotliCodec struct{ level int }

func (brotliCodec) ID() string { return Brotli }

func (c brotliCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCodec) Decompress(src []byte) ([]byte, error) {
	return readLimited(brotli.NewReader(bytes.NewReader(src)))
}

type zlibCodec struct{}

func (zlibCodec) ID() string { return Zlib }

func (zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r)
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxDecodedSize {
		return nil, fmt.Errorf("decoded size exceeds limit")
	}
	return b, nil
}

// Builtin returns a fresh registry of every built-in codec keyed by ID.
func Builtin() (map[string]Codec, error) {
	z, err := newZstd()
	if err != nil {
		return nil, err
	}
	return map[string]Codec{
		Raw:    rawCodec{},
		LZ4:    lz4Codec{},
		S2:     s2Codec{},
		Zstd:   z,
		Brotli: brotliCodec{level: brotli.BestCompression},
		Zlib:   zlibCodec{},
	}, nil
}
