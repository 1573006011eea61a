// Package writer encodes host buffers into sequence files, converting
// premultiplication, color space and channel layout to what the encoder
// expects.
package writer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/sequence"
)

// ErrEncodeFailed is matched by every *EncodeError.
var ErrEncodeFailed = errors.New("writer: encode failed")

// EncodeError wraps an encoder failure with the file it concerned.
type EncodeError struct {
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("writer: encode %s: %v", e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrEncodeFailed) true for any EncodeError.
func (e *EncodeError) Is(target error) bool { return target == ErrEncodeFailed }

// EncodeRequest hands a converted frame to an encoder. Src is laid out as
// the encoder's Layout and premultiplied as its ExpectedPremult.
type EncodeRequest struct {
	Path string
	Time float64
	View int
	Src  *pixel.Buffer
}

// Encoder writes one image format.
type Encoder interface {
	Layout() (pixel.Components, pixel.Depth)
	ExpectedPremult() pixel.Premult
	Encode(ctx context.Context, req EncodeRequest) error
}

// FrameRange selects the frames a sequence write covers.
type FrameRange int

const (
	// RangeInputs covers the frames of the input sequence.
	RangeInputs FrameRange = iota
	// RangeProject covers the host's project bounds.
	RangeProject
	// RangeManual covers Config.FirstFrame through Config.LastFrame.
	RangeManual
)

var rangeNames = [...]string{"inputs", "project", "manual"}

func (r FrameRange) String() string {
	if r < 0 || int(r) >= len(rangeNames) {
		return fmt.Sprintf("FrameRange(%d)", int(r))
	}
	return rangeNames[r]
}

// MarshalText implements encoding.TextMarshaler.
func (r FrameRange) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *FrameRange) UnmarshalText(b []byte) error {
	for i, n := range rangeNames {
		if n == string(b) {
			*r = FrameRange(i)
			return nil
		}
	}
	return fmt.Errorf("writer: unknown frame range %q", b)
}

// Config holds the writer options.
type Config struct {
	// File is the output pattern, for example "/out/comp.####.png".
	File  string
	Views []string
	// InputPremult is the premultiplication state of RGBA host buffers.
	InputPremult pixel.Premult
	// Color converts from the working space to the file's; nil is the
	// identity.
	Color pixel.ColorTransform
	// CreateDirs creates missing parent directories of output files.
	CreateDirs bool

	// FrameRange chooses the frames written; FirstFrame and LastFrame are
	// required for RangeManual and ignored otherwise.
	FrameRange FrameRange
	FirstFrame *int
	LastFrame  *int
}

// Writer is safe for concurrent use when its Encoder is.
type Writer struct {
	enc     Encoder
	cfg     Config
	pattern sequence.Pattern
	log     *slog.Logger
}

// New returns a Writer for cfg.File.
func New(enc Encoder, cfg Config, log *slog.Logger) (*Writer, error) {
	if enc == nil {
		return nil, errors.New("writer: Encoder is required")
	}
	if cfg.File == "" {
		return nil, errors.New("writer: File is required")
	}
	if cfg.FrameRange == RangeManual {
		if cfg.FirstFrame == nil || cfg.LastFrame == nil {
			return nil, errors.New("writer: manual frame range needs FirstFrame and LastFrame")
		}
		if *cfg.FirstFrame > *cfg.LastFrame {
			return nil, fmt.Errorf("writer: first frame %d after last frame %d", *cfg.FirstFrame, *cfg.LastFrame)
		}
	}
	p, err := sequence.ParsePattern(cfg.File, cfg.Views...)
	if err != nil {
		return nil, err
	}
	if cfg.Color == nil {
		cfg.Color = pixel.Identity{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{enc: enc, cfg: cfg, pattern: p, log: log.With("component", "writer")}, nil
}

// Filename returns the output path for host time t in view.
func (w *Writer) Filename(t float64, view int) string {
	return w.pattern.Format(view, int(math.Floor(t+0.5)))
}

// Frames returns the host times to write, given the time domain of the
// inputs and the project bounds.
func (w *Writer) Frames(inputs, project sequence.Range) sequence.Range {
	switch w.cfg.FrameRange {
	case RangeProject:
		return project
	case RangeManual:
		return sequence.Range{Min: *w.cfg.FirstFrame, Max: *w.cfg.LastFrame}
	}
	return inputs
}

// WriteArgs is one frame to write.
type WriteArgs struct {
	Time   float64
	View   int
	Window image.Rectangle
	Src    *pixel.Buffer
}

// Write converts args.Src inside args.Window and encodes it, returning the
// path written.
func (w *Writer) Write(ctx context.Context, args WriteArgs) (string, error) {
	src := args.Src
	if err := src.Validate(); err != nil {
		return "", err
	}
	if args.Window.Empty() || !args.Window.In(src.Bounds) {
		return "", fmt.Errorf("%w: write window %v not in %v", pixel.ErrWindow, args.Window, src.Bounds)
	}
	path := w.Filename(args.Time, args.View)
	window := args.Window

	tmp := pixel.NewBuffer(window, src.Components, pixel.DepthFloat)
	if err := pixel.Copy(window, src, tmp); err != nil {
		return "", err
	}
	if err := w.convert(ctx, args.Time, window, tmp); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	comps, depth := w.enc.Layout()
	out := pixel.NewBuffer(window, comps, depth)
	if err := pixel.Copy(window, tmp, out); err != nil {
		return "", err
	}

	if w.cfg.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("writer: %w", err)
		}
	}
	err := w.enc.Encode(ctx, EncodeRequest{Path: path, Time: args.Time, View: args.View, Src: out})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &EncodeError{Path: path, Err: err}
	}
	w.log.Debug("frame written", "path", path, "window", window)
	return path, nil
}

// convert brings buf from the input premultiplication state to the
// encoder's, passing through unpremultiplied data around the color
// transform.
func (w *Writer) convert(ctx context.Context, t float64, window image.Rectangle, buf *pixel.Buffer) error {
	identity := pixel.IsIdentityTransform(w.cfg.Color, t)
	if buf.Components != pixel.ComponentsRGBA {
		if identity {
			return nil
		}
		return w.applyColor(ctx, t, window, buf)
	}

	state := w.cfg.InputPremult
	expected := w.enc.ExpectedPremult()
	if state == pixel.Premultiplied && (!identity || expected != pixel.Premultiplied) {
		if err := pixel.Unpremultiply(window, buf, buf); err != nil {
			return err
		}
		state = pixel.Unpremultiplied
	}
	if !identity {
		if err := w.applyColor(ctx, t, window, buf); err != nil {
			return err
		}
	}
	if expected == pixel.Premultiplied && state == pixel.Unpremultiplied {
		return pixel.Premultiply(window, buf, buf)
	}
	return nil
}

func (w *Writer) applyColor(ctx context.Context, t float64, window image.Rectangle, buf *pixel.Buffer) error {
	if err := w.cfg.Color.Apply(ctx, t, window, buf); err != nil {
		return fmt.Errorf("writer: color transform: %w", err)
	}
	return nil
}
