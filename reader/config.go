package reader

import (
	"errors"

	"github.com/Imagefi/openfx-io/frametime"
	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/proxy"
	"github.com/Imagefi/openfx-io/resolve"
	"github.com/Imagefi/openfx-io/sequence"
)

// DefaultMaxImages is the number of decoded frames kept for decoders whose
// header and data are tied.
const DefaultMaxImages = 8

// Config holds the reader options exposed to the host.
type Config struct {
	// File is the sequence pattern; ProxyFile is optional.
	File      string
	ProxyFile string
	Views     []string

	// StartingTime is the host time of FirstFrame in starting-time mode;
	// nil keeps host time equal to the frame number.
	FrameMode    frametime.Mode
	TimeOffset   int
	StartingTime *int
	// FirstFrame and LastFrame default to the discovered sequence and are
	// clamped into it.
	FirstFrame *int
	LastFrame  *int
	Before     frametime.Action
	After      frametime.Action
	Missing    resolve.MissingPolicy

	ProxyEnabled bool
	ProxyScale   proxy.Setting

	OutputComponents pixel.Components
	// Premult is the premultiplication state of RGBA files.
	Premult pixel.Premult
	// Color converts decoded pixels to the working space; nil is the
	// identity.
	Color pixel.ColorTransform

	MaxImages int

	// Scanner lists sequence files; nil scans the filesystem.
	Scanner sequence.Scanner
	// Stat reports whether a file exists; nil uses os.Stat.
	Stat func(path string) bool
}

func (c *Config) validate() error {
	if c.File == "" {
		return errors.New("reader: File is required")
	}
	if c.OutputComponents == pixel.ComponentsNone {
		c.OutputComponents = pixel.ComponentsRGBA
	}
	if c.MaxImages == 0 {
		c.MaxImages = DefaultMaxImages
	}
	if c.Color == nil {
		c.Color = pixel.Identity{}
	}
	if c.Scanner == nil {
		c.Scanner = sequence.DirScanner{}
	}
	if c.FirstFrame != nil && c.LastFrame != nil && *c.FirstFrame > *c.LastFrame {
		return errors.New("reader: FirstFrame after LastFrame")
	}
	return nil
}

// Option configures a Reader.
type Option func(*Reader)
