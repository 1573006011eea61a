package reader

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/resolve"
	"github.com/Imagefi/openfx-io/rod"
)

// RenderArgs is one render request from the host.
type RenderArgs struct {
	Time float64
	View int
	// Window is the requested region in Dst's coordinates, which are the
	// frame's pixel coordinates at render scale Scale.
	Window image.Rectangle
	// Scale is the host render scale; 0 and values above 1 mean 1.
	Scale float64
	Dst   *pixel.Buffer
}

// Render fills args.Window of args.Dst with the frame shown at args.Time.
// RGBA output is premultiplied. Times that render black, and parts of
// the window outside the frame, are filled with zeros and succeed.
func (r *Reader) Render(ctx context.Context, args RenderArgs) error {
	dst := args.Dst
	if err := dst.Validate(); err != nil {
		return err
	}
	if !args.Window.In(dst.Bounds) {
		return fmt.Errorf("%w: render window %v not in %v", pixel.ErrWindow, args.Window, dst.Bounds)
	}
	if args.Window.Empty() {
		return nil
	}

	sel := r.sel.Load()
	res, mapped, err := r.lookup(ctx, sel, args.Time, args.View, r.cfg.ProxyEnabled)
	if err != nil {
		return err
	}
	if res == nil {
		return pixel.FillBlack(args.Window, dst)
	}
	t := mapped.Time

	renderLevel := pixel.LevelFromScale(args.Scale)
	path, levels := res.FullPath, renderLevel
	var info rod.Entry
	if res.Outcome == resolve.Proxy {
		sc, err := sel.proxy.Detect(ctx, res.FullPath, res.Path, t, r.cfg.ProxyScale)
		if err != nil {
			r.log.Warn("using fallback proxy scale", "proxy", res.Path, "error", err)
		}
		if pl := pixel.LevelFromScale(sc.X); pl > 0 && renderLevel >= pl {
			path, levels = res.Path, renderLevel-pl
		}
	}
	if path == res.FullPath {
		info, err = r.frameInfo(ctx, sel, res, t, args.View)
	} else {
		info, err = r.proxyInfo(ctx, sel, res, t, args.View)
	}
	if err != nil {
		return err
	}

	full := pixel.UpscalePow2(args.Window, levels).Intersect(info.Bounds)
	if full.Empty() {
		return pixel.FillBlack(args.Window, dst)
	}
	covered := pixel.DownscalePow2Enclosing(full, levels).Intersect(args.Window)
	if covered != args.Window {
		if err := pixel.FillBlack(args.Window, dst); err != nil {
			return err
		}
	}

	comps := r.cfg.OutputComponents
	premult := r.filePremult(ctx, path, comps)
	identity := pixel.IsIdentityTransform(r.cfg.Color, t)
	unpremultFirst := comps == pixel.ComponentsRGBA && premult == pixel.Premultiplied && !identity
	mustPremult := comps == pixel.ComponentsRGBA && (unpremultFirst || premult == pixel.Unpremultiplied)
	cached := info.Image != nil && path == res.FullPath

	if levels == 0 && identity && !mustPremult && !cached && dst.Components == comps {
		return r.decode(ctx, path, t, args.View, covered, dst)
	}

	tmp := pixel.NewBuffer(full, comps, pixel.DepthFloat)
	if cached {
		err = pixel.Copy(full, info.Image, tmp)
	} else {
		err = r.decode(ctx, path, t, args.View, full, tmp)
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if unpremultFirst {
		if err := pixel.Unpremultiply(full, tmp, tmp); err != nil {
			return err
		}
	}
	if !identity {
		if err := r.cfg.Color.Apply(ctx, t, full, tmp); err != nil {
			return fmt.Errorf("reader: color transform: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if mustPremult {
		if err := pixel.Premultiply(full, tmp, tmp); err != nil {
			return err
		}
	}

	switch {
	case levels == 0:
		return pixel.Copy(covered, tmp, dst)
	case dst.Components == comps:
		return pixel.Scale(ctx, covered, levels, tmp, dst)
	}
	small := pixel.NewBuffer(covered, comps, pixel.DepthFloat)
	if err := pixel.Scale(ctx, covered, levels, tmp, small); err != nil {
		return err
	}
	return pixel.Copy(covered, small, dst)
}

func (r *Reader) decode(ctx context.Context, path string, t float64, view int, window image.Rectangle, dst *pixel.Buffer) error {
	err := r.dec.Decode(ctx, DecodeRequest{Path: path, Time: t, View: view, Window: window, Dst: dst})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Path: path, Err: err}
}

func (r *Reader) decodeFull(ctx context.Context, path string, t float64, view int, bounds image.Rectangle) (*pixel.Buffer, error) {
	buf := pixel.NewBuffer(bounds, r.cfg.OutputComponents, pixel.DepthFloat)
	if err := r.decode(ctx, path, t, view, bounds, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// filePremult returns the premultiplication state of decoded pixels.
func (r *Reader) filePremult(ctx context.Context, path string, comps pixel.Components) pixel.Premult {
	switch comps {
	case pixel.ComponentsRGB:
		return pixel.Opaque
	case pixel.ComponentsAlpha:
		return pixel.Premultiplied
	}
	if d, ok := r.dec.(Describer); ok {
		p, err := d.Premultiplication(ctx, path)
		if err == nil {
			return p
		}
		r.log.Warn("premultiplication unknown, using configured state", "path", path, "error", err)
	}
	return r.cfg.Premult
}
