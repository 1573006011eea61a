// Package imagefile adapts the image formats registered with the standard
// library (PNG and JPEG) to the reader's Decoder and the writer's Encoder.
//
// Frames are decoded whole and kept for the most recently used file, so
// that tiled renders of one frame decode it once.
package imagefile

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/reader"
	"github.com/Imagefi/openfx-io/sequence"
	"github.com/Imagefi/openfx-io/writer"
)

// ErrUnsupported is returned for files whose format is not registered.
var ErrUnsupported = errors.New("imagefile: unsupported format")

type frame struct {
	path    string
	modTime time.Time
	buf     *pixel.Buffer
}

// Decoder reads PNG and JPEG frames. It is safe for concurrent use.
type Decoder struct {
	log     *slog.Logger
	group   singleflight.Group
	mu      sync.Mutex
	last    *frame
	decodes int
}

// NewDecoder returns a Decoder. If log is nil, slog.Default() is used.
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{log: log.With("component", "imagefile")}
}

var (
	_ reader.Decoder   = (*Decoder)(nil)
	_ reader.Describer = (*Decoder)(nil)
)

// Decode writes req.Window of the file into req.Dst.
func (d *Decoder) Decode(ctx context.Context, req reader.DecodeRequest) error {
	src, err := d.load(ctx, req.Path)
	if err != nil {
		return err
	}
	return pixel.Copy(req.Window, src, req.Dst)
}

// FrameBounds reads the image header only.
func (d *Decoder) FrameBounds(ctx context.Context, path string, _ float64) (reader.FrameInfo, error) {
	if err := ctx.Err(); err != nil {
		return reader.FrameInfo{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return reader.FrameInfo{}, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return reader.FrameInfo{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	d.log.Debug("header read", "path", path, "format", format, "width", cfg.Width, "height", cfg.Height)
	return reader.FrameInfo{Bounds: image.Rect(0, 0, cfg.Width, cfg.Height)}, nil
}

// IsVideoStream is false: every frame is its own file.
func (d *Decoder) IsVideoStream(string) bool { return false }

// TimeDomain always reports sequence.ErrNotVideoStream.
func (d *Decoder) TimeDomain(context.Context, string) (sequence.Range, error) {
	return sequence.Range{}, sequence.ErrNotVideoStream
}

// Premultiplication reports how the file stores alpha. PNG stores straight
// alpha; JPEG has none.
func (d *Decoder) Premultiplication(_ context.Context, path string) (pixel.Premult, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return pixel.Unpremultiplied, nil
	case ".jpg", ".jpeg":
		return pixel.Opaque, nil
	}
	return pixel.Unpremultiplied, fmt.Errorf("%w: %s", ErrUnsupported, path)
}

// Decodes returns how many files were fully decoded.
func (d *Decoder) Decodes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decodes
}

func (d *Decoder) load(ctx context.Context, path string) (*pixel.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	last := d.last
	d.mu.Unlock()
	if last != nil && last.path == path && last.modTime.Equal(st.ModTime()) {
		return last.buf, nil
	}

	v, err, _ := d.group.Do(path, func() (any, error) {
		buf, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.last = &frame{path: path, modTime: st.ModTime(), buf: buf}
		d.decodes++
		d.mu.Unlock()
		d.log.Debug("frame decoded", "path", path, "bounds", buf.Bounds)
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pixel.Buffer), nil
}

func decodeFile(path string) (*pixel.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return toBuffer(img), nil
}

// toBuffer converts img to straight-alpha RGBA. 8-bit NRGBA images are
// wrapped without copying; everything else goes through 16-bit color.
func toBuffer(img image.Image) *pixel.Buffer {
	r := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok {
		return &pixel.Buffer{Pix: n.Pix, Bounds: r, Components: pixel.ComponentsRGBA, Depth: pixel.Depth8, Stride: n.Stride}
	}

	depth := pixel.Depth16
	switch img.(type) {
	case *image.RGBA, *image.Gray, *image.YCbCr, *image.Paletted, *image.CMYK:
		depth = pixel.Depth8
	}
	buf := pixel.NewBuffer(r, pixel.ComponentsRGBA, depth)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			buf.Set(x, y, 0, float64(c.R)/0xffff)
			buf.Set(x, y, 1, float64(c.G)/0xffff)
			buf.Set(x, y, 2, float64(c.B)/0xffff)
			buf.Set(x, y, 3, float64(c.A)/0xffff)
		}
	}
	return buf
}

// Encoder writes straight-alpha RGBA PNG files at 8 or 16 bits.
type Encoder struct {
	Depth pixel.Depth
}

var _ writer.Encoder = Encoder{}

// Layout is RGBA at the encoder's depth; float becomes 16-bit.
func (e Encoder) Layout() (pixel.Components, pixel.Depth) {
	if e.Depth == pixel.Depth8 {
		return pixel.ComponentsRGBA, pixel.Depth8
	}
	return pixel.ComponentsRGBA, pixel.Depth16
}

// ExpectedPremult is Unpremultiplied; PNG stores straight alpha.
func (Encoder) ExpectedPremult() pixel.Premult { return pixel.Unpremultiplied }

// Encode writes req.Src to req.Path as PNG.
func (e Encoder) Encode(ctx context.Context, req writer.EncodeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ext := strings.ToLower(filepath.Ext(req.Path)); ext != ".png" {
		return fmt.Errorf("%w: cannot encode %q", ErrUnsupported, ext)
	}
	img, err := toImage(req.Src)
	if err != nil {
		return err
	}

	f, err := os.Create(req.Path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func toImage(src *pixel.Buffer) (image.Image, error) {
	if src.Components != pixel.ComponentsRGBA {
		return nil, fmt.Errorf("%w: %s", pixel.ErrFormat, src.Components)
	}
	r := src.Bounds
	switch src.Depth {
	case pixel.Depth8:
		img := image.NewNRGBA(r)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := src.Pix[(y-r.Min.Y)*src.Stride:]
			copy(img.Pix[(y-r.Min.Y)*img.Stride:], row[:r.Dx()*4])
		}
		return img, nil
	case pixel.Depth16:
		img := image.NewNRGBA64(r)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.SetNRGBA64(x, y, color.NRGBA64{
					R: uint16(src.At(x, y, 0)*0xffff + 0.5),
					G: uint16(src.At(x, y, 1)*0xffff + 0.5),
					B: uint16(src.At(x, y, 2)*0xffff + 0.5),
					A: uint16(src.At(x, y, 3)*0xffff + 0.5),
				})
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %s", pixel.ErrFormat, src.Depth)
}
