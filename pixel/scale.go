package pixel

import (
	"context"
	"fmt"
	"image"
	"math"
)

// LevelFromScale returns the mipmap level closest to render scale s:
// 1 is level 0, 0.5 level 1, 0.25 level 2. Scales at or above 1 yield 0.
func LevelFromScale(s float64) uint {
	if s <= 0 || s >= 1 {
		return 0
	}
	return uint(-math.Floor(math.Log2(s) + 0.5))
}

// UpscalePow2 maps a rectangle at mipmap level n back to level 0.
func UpscalePow2(r image.Rectangle, n uint) image.Rectangle {
	if n == 0 {
		return r
	}
	return image.Rect(r.Min.X<<n, r.Min.Y<<n, r.Max.X<<n, r.Max.Y<<n)
}

// DownscalePow2Enclosing returns the smallest rectangle at mipmap level n
// that covers r.
func DownscalePow2Enclosing(r image.Rectangle, n uint) image.Rectangle {
	if n == 0 {
		return r
	}
	pot := 1 << n
	return image.Rect(r.Min.X>>n, r.Min.Y>>n, (r.Max.X+pot-1)>>n, (r.Max.Y+pot-1)>>n)
}

// Scale downsamples src by 2^levels into dst. window is expressed in
// destination (downscaled) coordinates; each level averages the 2x2 block
// of source pixels under a destination pixel, or whichever of them lie
// inside the source bounds at the edges. Intermediate levels are kept in
// float precision so the result depends only on the input.
//
// ctx is checked before every level; on cancellation dst may hold the
// output of no level at all, never a partial final level.
func Scale(ctx context.Context, window image.Rectangle, levels uint, src, dst *Buffer) error {
	if levels == 0 {
		return Copy(window, src, dst)
	}
	if err := checkWindow(window, dst); err != nil {
		return err
	}
	if err := src.Validate(); err != nil {
		return err
	}
	if src.Components != dst.Components {
		return fmt.Errorf("%w: scale from %s to %s", ErrFormat, src.Components, dst.Components)
	}
	if window.Empty() {
		return nil
	}

	cur := src
	region := UpscalePow2(window, levels).Intersect(src.Bounds)
	for l := uint(1); l <= levels; l++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l == levels {
			halve(cur, region, dst, window)
			break
		}
		next := DownscalePow2Enclosing(region, 1)
		tmp := NewBuffer(next, src.Components, DepthFloat)
		halve(cur, region, tmp, next)
		cur, region = tmp, next
	}
	return nil
}

// halve fills dstRect from the pixels of src inside srcRect at twice the
// resolution. Destination pixels with no source sample become 0.
func halve(src *Buffer, srcRect image.Rectangle, dst *Buffer, dstRect image.Rectangle) {
	n := src.Components.Count()
	var sum [4]float64
	for y := dstRect.Min.Y; y < dstRect.Max.Y; y++ {
		for x := dstRect.Min.X; x < dstRect.Max.X; x++ {
			clear(sum[:])
			count := 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					p := image.Pt(2*x+dx, 2*y+dy)
					if !p.In(srcRect) {
						continue
					}
					for c := 0; c < n; c++ {
						sum[c] += src.At(p.X, p.Y, c)
					}
					count++
				}
			}
			for c := 0; c < n; c++ {
				v := 0.0
				if count > 0 {
					v = sum[c] / float64(count)
				}
				dst.Set(x, y, c, v)
			}
		}
	}
}
