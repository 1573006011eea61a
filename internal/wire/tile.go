// Package wire serializes rendered pixel tiles for the preview server's raw
// frame endpoint.
//
// A tile is the 4-byte magic "SQT1" followed by QUIC variable-length
// integers: zigzag-encoded MinX, MinY, MaxX, MaxY, then components, depth,
// flags and payload length. The payload holds the rows of the window
// tightly packed, optionally zstd-compressed.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/klauspost/compress/zstd"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Imagefi/openfx-io/pixel"
)

const magic = "SQT1"

// Header flags.
const (
	FlagZstd      uint64 = 1 << 0
	FlagBigEndian uint64 = 1 << 1
)

// MaxPayload bounds the uncompressed size of a tile accepted by Decode.
const MaxPayload = 1 << 28

var (
	ErrMagic     = errors.New("wire: bad magic")
	ErrTruncated = errors.New("wire: truncated tile")
	ErrHeader    = errors.New("wire: invalid header")
)

var nativeBigEndian = binary.NativeEndian.Uint16([]byte{0, 1}) == 1

// EncodeAll and DecodeAll are safe for concurrent use; one codec of each
// kind serves every tile.
var (
	encoder = mustEncoder()
	decoder = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("wire: zstd encoder: %v", err))
	}
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayload))
	if err != nil {
		panic(fmt.Sprintf("wire: zstd decoder: %v", err))
	}
	return dec
}

// Header describes an encoded tile.
type Header struct {
	Bounds     image.Rectangle
	Components pixel.Components
	Depth      pixel.Depth
	Flags      uint64
	Length     uint64
}

// Encode serializes the part of buf inside window.
func Encode(buf *pixel.Buffer, window image.Rectangle, compress bool) ([]byte, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if !window.In(buf.Bounds) {
		return nil, fmt.Errorf("%w: %v not in %v", pixel.ErrWindow, window, buf.Bounds)
	}

	row := window.Dx() * buf.PixelBytes()
	payload := make([]byte, 0, row*window.Dy())
	if !window.Empty() {
		sub := buf.Sub(window)
		for y := range window.Dy() {
			payload = append(payload, sub.Pix[y*sub.Stride:y*sub.Stride+row]...)
		}
	}

	var flags uint64
	if nativeBigEndian {
		flags |= FlagBigEndian
	}
	length := uint64(len(payload))
	if compress && len(payload) > 0 {
		payload = encoder.EncodeAll(payload, nil)
		flags |= FlagZstd
	}

	out := make([]byte, 0, len(magic)+8*8+len(payload))
	out = append(out, magic...)
	for _, v := range []int{window.Min.X, window.Min.Y, window.Max.X, window.Max.Y} {
		out = quicvarint.Append(out, zigzag(v))
	}
	out = quicvarint.Append(out, uint64(buf.Components))
	out = quicvarint.Append(out, uint64(buf.Depth))
	out = quicvarint.Append(out, flags)
	out = quicvarint.Append(out, length)
	return append(out, payload...), nil
}

// ParseHeader decodes the header of a tile and returns the remaining
// payload bytes.
func ParseHeader(data []byte) (Header, []byte, error) {
	var h Header
	if !bytes.HasPrefix(data, []byte(magic)) {
		if len(data) < len(magic) {
			return h, nil, ErrTruncated
		}
		return h, nil, ErrMagic
	}
	pos := len(magic)

	var fields [8]uint64
	for i := range fields {
		v, n, err := quicvarint.Parse(data[pos:])
		if err != nil {
			return h, nil, fmt.Errorf("%w: field %d: %v", ErrTruncated, i, err)
		}
		fields[i] = v
		pos += n
	}

	h.Bounds = image.Rect(unzigzag(fields[0]), unzigzag(fields[1]), unzigzag(fields[2]), unzigzag(fields[3]))
	if h.Bounds.Min.X != unzigzag(fields[0]) || h.Bounds.Max.Y != unzigzag(fields[3]) ||
		h.Bounds.Min.Y != unzigzag(fields[1]) || h.Bounds.Max.X != unzigzag(fields[2]) {
		return h, nil, fmt.Errorf("%w: inverted bounds", ErrHeader)
	}
	if fields[4] > uint64(pixel.ComponentsRGBA) || fields[5] > uint64(pixel.DepthFloat) {
		return h, nil, fmt.Errorf("%w: layout %d/%d", ErrHeader, fields[4], fields[5])
	}
	h.Components = pixel.Components(fields[4])
	h.Depth = pixel.Depth(fields[5])
	if h.Components.Count() == 0 || h.Depth.Bytes() == 0 {
		return h, nil, fmt.Errorf("%w: layout %s/%s", ErrHeader, h.Components, h.Depth)
	}
	h.Flags = fields[6]
	h.Length = fields[7]

	w, ht := uint64(h.Bounds.Dx()), uint64(h.Bounds.Dy())
	bpp := uint64(h.Components.Count() * h.Depth.Bytes())
	if w > MaxPayload || ht > MaxPayload || w*ht > MaxPayload/bpp {
		return h, nil, fmt.Errorf("%w: %v too large", ErrHeader, h.Bounds)
	}
	if h.Length != w*ht*bpp {
		return h, nil, fmt.Errorf("%w: length %d, want %d", ErrHeader, h.Length, w*ht*bpp)
	}
	return h, data[pos:], nil
}

// Decode parses a tile into a newly allocated buffer.
func Decode(data []byte) (*pixel.Buffer, error) {
	h, payload, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if h.Flags&FlagZstd != 0 {
		payload, err = decoder.DecodeAll(payload, make([]byte, 0, h.Length))
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
	}
	if uint64(len(payload)) != h.Length {
		return nil, fmt.Errorf("%w: payload %d bytes, want %d", ErrTruncated, len(payload), h.Length)
	}

	buf := pixel.NewBuffer(h.Bounds, h.Components, h.Depth)
	copy(buf.Pix, payload)
	if (h.Flags&FlagBigEndian != 0) != nativeBigEndian {
		swap(buf.Pix, h.Depth.Bytes())
	}
	return buf, nil
}

func swap(b []byte, size int) {
	switch size {
	case 2:
		for i := 0; i+1 < len(b); i += 2 {
			b[i], b[i+1] = b[i+1], b[i]
		}
	case 4:
		for i := 0; i+3 < len(b); i += 4 {
			b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
		}
	}
}

func zigzag(v int) uint64 {
	return uint64(int64(v)<<1 ^ int64(v)>>63)
}

func unzigzag(u uint64) int {
	return int(int64(u>>1) ^ -int64(u&1))
}
