package pixel

import (
	"fmt"
	"image"
)

// Premultiply writes src multiplied by its alpha into dst. src and dst
// must share a component layout, else ErrFormat is returned. RGB and
// Alpha carry no separable alpha and are copied. src and dst may be the
// same buffer.
func Premultiply(window image.Rectangle, src, dst *Buffer) error {
	return premult(window, src, dst, func(c, a float64) float64 { return c * a })
}

// Unpremultiply divides the color channels of src by alpha into dst.
// Pixels with zero alpha get zero color. Layout rules are those of
// Premultiply.
func Unpremultiply(window image.Rectangle, src, dst *Buffer) error {
	return premult(window, src, dst, func(c, a float64) float64 {
		if a == 0 {
			return 0
		}
		return c / a
	})
}

func premult(window image.Rectangle, src, dst *Buffer, op func(c, a float64) float64) error {
	if err := checkWindow(window, src, dst); err != nil {
		return err
	}
	if src.Components != dst.Components {
		return fmt.Errorf("%w: premultiplication from %s to %s", ErrFormat, src.Components, dst.Components)
	}
	if src.Components != ComponentsRGBA {
		return pack(window, src, dst, ChannelMapping(src.Components, dst.Components))
	}
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			a := src.At(x, y, 3)
			r, g, b := src.At(x, y, 0), src.At(x, y, 1), src.At(x, y, 2)
			dst.Set(x, y, 0, op(r, a))
			dst.Set(x, y, 1, op(g, a))
			dst.Set(x, y, 2, op(b, a))
			dst.Set(x, y, 3, a)
		}
	}
	return nil
}
