// Package pixel moves pixel data between buffers of differing component
// layout, bit depth and premultiplication state. It provides the copy,
// box-filter downscale, (un)premultiply and black-fill kernels shared by
// decoder and encoder adapters.
//
// A [Buffer] is a non-owning view: every operation reads and writes only
// inside the window it is given and never reallocates caller memory.
package pixel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
)

// Sentinel errors for pixel operations.
var (
	ErrFormat = errors.New("pixel: unsupported component layout or bit depth")
	ErrWindow = errors.New("pixel: window outside buffer bounds")
)

// Components identifies the channel layout of a buffer.
type Components int

// Supported channel layouts.
const (
	ComponentsNone Components = iota
	ComponentsAlpha
	ComponentsRGB
	ComponentsRGBA
)

// Count returns the number of channels per pixel.
func (c Components) Count() int {
	switch c {
	case ComponentsAlpha:
		return 1
	case ComponentsRGB:
		return 3
	case ComponentsRGBA:
		return 4
	}
	return 0
}

// AlphaIndex returns the channel index holding alpha, or -1.
func (c Components) AlphaIndex() int {
	switch c {
	case ComponentsAlpha:
		return 0
	case ComponentsRGBA:
		return 3
	}
	return -1
}

func (c Components) String() string {
	switch c {
	case ComponentsAlpha:
		return "alpha"
	case ComponentsRGB:
		return "rgb"
	case ComponentsRGBA:
		return "rgba"
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (c Components) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Components) UnmarshalText(b []byte) error {
	switch string(b) {
	case "alpha", "Alpha", "A":
		*c = ComponentsAlpha
	case "rgb", "RGB":
		*c = ComponentsRGB
	case "rgba", "RGBA":
		*c = ComponentsRGBA
	default:
		return fmt.Errorf("pixel: unknown components %q", b)
	}
	return nil
}

// Depth is the storage type of a single channel sample.
type Depth int

// Supported bit depths. Integer depths are normalized against their
// maximum value; float samples are stored as-is.
const (
	DepthNone Depth = iota
	Depth8
	Depth16
	DepthFloat
)

// Bytes returns the size in bytes of one sample.
func (d Depth) Bytes() int {
	switch d {
	case Depth8:
		return 1
	case Depth16:
		return 2
	case DepthFloat:
		return 4
	}
	return 0
}

// Max returns the sample value that represents 1.0.
func (d Depth) Max() float64 {
	switch d {
	case Depth8:
		return math.MaxUint8
	case Depth16:
		return math.MaxUint16
	}
	return 1
}

func (d Depth) String() string {
	switch d {
	case Depth8:
		return "8"
	case Depth16:
		return "16"
	case DepthFloat:
		return "float"
	}
	return "none"
}

// Premult describes how color channels relate to alpha.
type Premult int

// Premultiplication states.
const (
	Opaque Premult = iota
	Premultiplied
	Unpremultiplied
)

func (p Premult) String() string {
	switch p {
	case Opaque:
		return "opaque"
	case Premultiplied:
		return "premultiplied"
	case Unpremultiplied:
		return "unpremultiplied"
	}
	return fmt.Sprintf("Premult(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Premult) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Premult) UnmarshalText(b []byte) error {
	switch string(b) {
	case "opaque":
		*p = Opaque
	case "premultiplied", "premult":
		*p = Premultiplied
	case "unpremultiplied", "unpremult":
		*p = Unpremultiplied
	default:
		return fmt.Errorf("pixel: unknown premultiplication %q", b)
	}
	return nil
}

// Buffer is a borrowed view over interleaved pixel memory. Row y starts at
// (y-Bounds.Min.Y)*Stride bytes into Pix; samples use native byte order.
type Buffer struct {
	Pix        []byte
	Bounds     image.Rectangle
	Components Components
	Depth      Depth
	Stride     int
}

// NewBuffer allocates a tightly packed buffer covering bounds. Adapters
// and tests use it to own scratch memory; the kernels never call it on
// behalf of a caller-provided destination.
func NewBuffer(bounds image.Rectangle, comps Components, depth Depth) *Buffer {
	stride := bounds.Dx() * comps.Count() * depth.Bytes()
	return &Buffer{
		Pix:        make([]byte, stride*bounds.Dy()),
		Bounds:     bounds,
		Components: comps,
		Depth:      depth,
		Stride:     stride,
	}
}

// PixelBytes returns the size of one pixel in bytes.
func (b *Buffer) PixelBytes() int {
	return b.Components.Count() * b.Depth.Bytes()
}

// Validate reports whether the descriptor is internally consistent.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrFormat)
	}
	if b.Components.Count() == 0 || b.Depth.Bytes() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrFormat, b.Components, b.Depth)
	}
	if b.Bounds.Empty() {
		return nil
	}
	if b.Stride < b.Bounds.Dx()*b.PixelBytes() {
		return fmt.Errorf("%w: stride %d too small for width %d", ErrFormat, b.Stride, b.Bounds.Dx())
	}
	need := (b.Bounds.Dy()-1)*b.Stride + b.Bounds.Dx()*b.PixelBytes()
	if len(b.Pix) < need {
		return fmt.Errorf("%w: %d bytes, need %d", ErrFormat, len(b.Pix), need)
	}
	return nil
}

// Sub returns a view of the part of b inside r, sharing memory with b.
func (b *Buffer) Sub(r image.Rectangle) *Buffer {
	r = r.Intersect(b.Bounds)
	if r.Empty() {
		return &Buffer{Bounds: r, Components: b.Components, Depth: b.Depth, Stride: b.Stride}
	}
	start := b.offset(r.Min.X, r.Min.Y)
	end := b.offset(r.Max.X-1, r.Max.Y-1) + b.PixelBytes()
	return &Buffer{
		Pix:        b.Pix[start:end:end],
		Bounds:     r,
		Components: b.Components,
		Depth:      b.Depth,
		Stride:     b.Stride,
	}
}

func (b *Buffer) offset(x, y int) int {
	return (y-b.Bounds.Min.Y)*b.Stride + (x-b.Bounds.Min.X)*b.PixelBytes()
}

// At returns channel c of pixel (x, y), normalized so that 1.0 is the
// depth's maximum value.
func (b *Buffer) At(x, y, c int) float64 {
	return b.load(b.offset(x, y) + c*b.Depth.Bytes())
}

// Set stores a normalized value into channel c of pixel (x, y). Integer
// depths are rounded and clamped.
func (b *Buffer) Set(x, y, c int, v float64) {
	b.store(b.offset(x, y)+c*b.Depth.Bytes(), v)
}

func (b *Buffer) load(o int) float64 {
	switch b.Depth {
	case Depth8:
		return float64(b.Pix[o]) / math.MaxUint8
	case Depth16:
		return float64(binary.NativeEndian.Uint16(b.Pix[o:])) / math.MaxUint16
	default:
		return float64(math.Float32frombits(binary.NativeEndian.Uint32(b.Pix[o:])))
	}
}

func (b *Buffer) store(o int, v float64) {
	switch b.Depth {
	case Depth8:
		b.Pix[o] = uint8(quantize(v, math.MaxUint8))
	case Depth16:
		binary.NativeEndian.PutUint16(b.Pix[o:], uint16(quantize(v, math.MaxUint16)))
	default:
		binary.NativeEndian.PutUint32(b.Pix[o:], math.Float32bits(float32(v)))
	}
}

func quantize(v, limit float64) float64 {
	q := math.Round(v * limit)
	if q < 0 || math.IsNaN(q) {
		return 0
	}
	if q > limit {
		return limit
	}
	return q
}

// checkWindow validates window against every buffer and the buffers
// themselves.
func checkWindow(window image.Rectangle, bufs ...*Buffer) error {
	for _, b := range bufs {
		if err := b.Validate(); err != nil {
			return err
		}
		if !window.In(b.Bounds) && !window.Empty() {
			return fmt.Errorf("%w: %v not in %v", ErrWindow, window, b.Bounds)
		}
	}
	return nil
}
