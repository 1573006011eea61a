package reader

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/sequence"
)

// Sentinel errors for reading.
var (
	// ErrDecodeFailed is matched by every *DecodeError.
	ErrDecodeFailed = errors.New("reader: decode failed")
	// ErrBlack reports a time that renders black and has no region of
	// definition.
	ErrBlack = errors.New("reader: black frame")
)

// DecodeError wraps a decoder failure with the file it concerned.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("reader: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecodeFailed) true for any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecodeFailed }

// FrameInfo is what a header probe reports about a frame.
type FrameInfo struct {
	Bounds image.Rectangle
	// PAR is the pixel aspect ratio; 0 means square pixels.
	PAR        float64
	TileWidth  int
	TileHeight int
}

// DecodeRequest asks a decoder for the pixels of Window. Dst covers at
// least Window; the decoder writes Window in Dst's components and depth
// and nothing else.
type DecodeRequest struct {
	Path   string
	Time   float64
	View   int
	Window image.Rectangle
	Dst    *pixel.Buffer
}

// Decoder reads one image format. Implementations must be safe for
// concurrent use.
type Decoder interface {
	Decode(ctx context.Context, req DecodeRequest) error
	// FrameBounds reads only the header of path.
	FrameBounds(ctx context.Context, path string, t float64) (FrameInfo, error)
	IsVideoStream(path string) bool
	// TimeDomain returns sequence.ErrNotVideoStream for formats whose
	// frames are separate files.
	TimeDomain(ctx context.Context, path string) (sequence.Range, error)
}

// HeaderDataTied is implemented by decoders that cannot read a header
// without decoding the frame. The reader then keeps the decoded frame from
// the region-of-definition probe for the render that follows.
type HeaderDataTied interface {
	HeaderDataTied() bool
}

// Describer is implemented by decoders that know whether a file stores
// premultiplied color. Its answer replaces Config.Premult for RGBA output.
type Describer interface {
	Premultiplication(ctx context.Context, path string) (pixel.Premult, error)
}
