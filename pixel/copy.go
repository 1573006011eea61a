package pixel

import (
	"fmt"
	"image"
)

// Unmapped marks a destination channel with no source channel.
const Unmapped = -1

// ChannelMapping returns, for each destination channel, the index of the
// source channel that feeds it, or Unmapped. Channels only map onto the
// channel of the same name: RGB never synthesizes alpha and alpha never
// becomes color.
func ChannelMapping(src, dst Components) []int {
	m := make([]int, dst.Count())
	for i := range m {
		m[i] = Unmapped
	}
	switch dst {
	case ComponentsAlpha:
		if a := src.AlphaIndex(); a >= 0 {
			m[0] = a
		}
	case ComponentsRGB, ComponentsRGBA:
		if src == ComponentsRGB || src == ComponentsRGBA {
			m[0], m[1], m[2] = 0, 1, 2
		}
		if dst == ComponentsRGBA {
			m[3] = src.AlphaIndex()
		}
	}
	return m
}

// Copy converts the pixels of src inside window into dst's layout and
// depth. Unmapped color channels are written as 0 and an unmapped alpha
// channel as fully opaque.
func Copy(window image.Rectangle, src, dst *Buffer) error {
	if err := checkWindow(window, src, dst); err != nil {
		return err
	}
	return pack(window, src, dst, ChannelMapping(src.Components, dst.Components))
}

// Pack is Copy with an explicit channel mapping. mapping must have one
// entry per destination channel, each a source channel index or Unmapped.
func Pack(window image.Rectangle, src, dst *Buffer, mapping []int) error {
	if err := checkWindow(window, src, dst); err != nil {
		return err
	}
	if len(mapping) != dst.Components.Count() {
		return fmt.Errorf("%w: mapping has %d entries for %s", ErrFormat, len(mapping), dst.Components)
	}
	for _, c := range mapping {
		if c >= src.Components.Count() {
			return fmt.Errorf("%w: source channel %d out of range for %s", ErrFormat, c, src.Components)
		}
	}
	return pack(window, src, dst, mapping)
}

func pack(window image.Rectangle, src, dst *Buffer, mapping []int) error {
	if window.Empty() {
		return nil
	}
	if src.Depth == dst.Depth && isIdentity(mapping, src.Components) {
		n := window.Dx() * dst.PixelBytes()
		for y := window.Min.Y; y < window.Max.Y; y++ {
			so := src.offset(window.Min.X, y)
			do := dst.offset(window.Min.X, y)
			copy(dst.Pix[do:do+n], src.Pix[so:so+n])
		}
		return nil
	}

	alpha := dst.Components.AlphaIndex()
	ssz, dsz := src.Depth.Bytes(), dst.Depth.Bytes()
	for y := window.Min.Y; y < window.Max.Y; y++ {
		so := src.offset(window.Min.X, y)
		do := dst.offset(window.Min.X, y)
		for x := window.Min.X; x < window.Max.X; x++ {
			for c, from := range mapping {
				var v float64
				switch {
				case from >= 0:
					v = src.load(so + from*ssz)
				case c == alpha:
					v = 1
				}
				dst.store(do+c*dsz, v)
			}
			so += src.PixelBytes()
			do += dst.PixelBytes()
		}
	}
	return nil
}

func isIdentity(mapping []int, src Components) bool {
	if len(mapping) != src.Count() {
		return false
	}
	for i, c := range mapping {
		if c != i {
			return false
		}
	}
	return true
}

// FillBlack sets every channel of dst inside window to zero, alpha
// included.
func FillBlack(window image.Rectangle, dst *Buffer) error {
	if err := checkWindow(window, dst); err != nil {
		return err
	}
	if window.Empty() {
		return nil
	}
	n := window.Dx() * dst.PixelBytes()
	for y := window.Min.Y; y < window.Max.Y; y++ {
		o := dst.offset(window.Min.X, y)
		clear(dst.Pix[o : o+n])
	}
	return nil
}
