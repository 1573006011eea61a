// Package config loads reader, writer and preview settings from TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/Imagefi/openfx-io/frametime"
	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/proxy"
	"github.com/Imagefi/openfx-io/reader"
	"github.com/Imagefi/openfx-io/resolve"
	"github.com/Imagefi/openfx-io/writer"
)

// Config is the root of a configuration file.
type Config struct {
	Sequence Sequence `toml:"sequence"`
	Proxy    Proxy    `toml:"proxy"`
	Output   Output   `toml:"output"`
	Cache    Cache    `toml:"cache"`
	Writer   Writer   `toml:"writer"`
	Preview  Preview  `toml:"preview"`
}

// Sequence selects the input files and the time mapping.
type Sequence struct {
	File         string                `toml:"file"`
	ProxyFile    string                `toml:"proxy_file,omitempty"`
	Views        []string              `toml:"views,omitempty"`
	FrameMode    frametime.Mode        `toml:"frame_mode"`
	TimeOffset   int                   `toml:"time_offset"`
	StartingTime *int                  `toml:"starting_time,omitempty"`
	FirstFrame   *int                  `toml:"first_frame,omitempty"`
	LastFrame    *int                  `toml:"last_frame,omitempty"`
	Before       frametime.Action      `toml:"before"`
	After        frametime.Action      `toml:"after"`
	MissingFrame resolve.MissingPolicy `toml:"missing_frame"`
}

// Proxy controls proxy substitution. An empty CustomScale selects
// automatic detection.
type Proxy struct {
	Enabled     bool      `toml:"enabled"`
	CustomScale []float64 `toml:"custom_scale,omitempty"`
}

// Output describes the pixels handed to the host.
type Output struct {
	Components        pixel.Components `toml:"components"`
	Premultiplication pixel.Premult    `toml:"premultiplication"`
}

// Cache sizes the per-selection caches.
type Cache struct {
	MaxImages int `toml:"max_images"`
}

// Writer configures the encode direction. FrameRange is "inputs",
// "project" or "manual"; the last writes FirstFrame through LastFrame.
type Writer struct {
	File                   string            `toml:"file,omitempty"`
	InputPremultiplication pixel.Premult     `toml:"input_premultiplication"`
	CreateDirs             bool              `toml:"create_dirs"`
	FrameRange             writer.FrameRange `toml:"frame_range"`
	FirstFrame             *int              `toml:"first_frame,omitempty"`
	LastFrame              *int              `toml:"last_frame,omitempty"`
}

// Preview configures the preview server.
type Preview struct {
	APIAddr     string `toml:"api_addr"`
	H3Addr      string `toml:"h3_addr"`
	BandHeight  int    `toml:"band_height"`
	MaxParallel int    `toml:"max_parallel"`
}

// Default returns the configuration used for keys absent from a file.
func Default() Config {
	return Config{
		Sequence: Sequence{
			FrameMode:    frametime.ModeStartingTime,
			MissingFrame: resolve.MissingError,
		},
		Output: Output{
			Components:        pixel.ComponentsRGBA,
			Premultiplication: pixel.Premultiplied,
		},
		Cache:  Cache{MaxImages: reader.DefaultMaxImages},
		Writer: Writer{InputPremultiplication: pixel.Premultiplied},
		Preview: Preview{
			APIAddr:     ":4444",
			H3Addr:      ":4443",
			BandHeight:  64,
			MaxParallel: 4,
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads TOML from r over Default. Unknown keys are errors.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("unknown keys:\n%s", strict.String())
		}
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c Config) Encode(w io.Writer) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	s := c.Sequence
	if s.FirstFrame != nil && s.LastFrame != nil && *s.FirstFrame > *s.LastFrame {
		errs = append(errs, fmt.Errorf("sequence: first_frame %d after last_frame %d", *s.FirstFrame, *s.LastFrame))
	}
	if n := len(c.Proxy.CustomScale); n != 0 && n != 2 {
		errs = append(errs, fmt.Errorf("proxy: custom_scale needs 2 values, got %d", n))
	}
	for _, v := range c.Proxy.CustomScale {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("proxy: custom_scale %g outside (0, 1]", v))
		}
	}
	if w := c.Writer; w.FrameRange == writer.RangeManual {
		if w.FirstFrame == nil || w.LastFrame == nil {
			errs = append(errs, errors.New("writer: manual frame_range needs first_frame and last_frame"))
		} else if *w.FirstFrame > *w.LastFrame {
			errs = append(errs, fmt.Errorf("writer: first_frame %d after last_frame %d", *w.FirstFrame, *w.LastFrame))
		}
	}
	if c.Cache.MaxImages < 0 {
		errs = append(errs, fmt.Errorf("cache: max_images %d is negative", c.Cache.MaxImages))
	}
	if c.Preview.BandHeight <= 0 {
		errs = append(errs, fmt.Errorf("preview: band_height must be positive"))
	}
	if c.Preview.MaxParallel <= 0 {
		errs = append(errs, fmt.Errorf("preview: max_parallel must be positive"))
	}
	return errors.Join(errs...)
}

// ProxySetting returns the proxy scale setting.
func (c Config) ProxySetting() proxy.Setting {
	if len(c.Proxy.CustomScale) == 2 {
		return proxy.Custom(c.Proxy.CustomScale[0], c.Proxy.CustomScale[1])
	}
	return proxy.Auto()
}

// ReaderConfig maps the file onto reader options.
func (c Config) ReaderConfig() reader.Config {
	s := c.Sequence
	return reader.Config{
		File:             s.File,
		ProxyFile:        s.ProxyFile,
		Views:            s.Views,
		FrameMode:        s.FrameMode,
		TimeOffset:       s.TimeOffset,
		StartingTime:     s.StartingTime,
		FirstFrame:       s.FirstFrame,
		LastFrame:        s.LastFrame,
		Before:           s.Before,
		After:            s.After,
		Missing:          s.MissingFrame,
		ProxyEnabled:     c.Proxy.Enabled,
		ProxyScale:       c.ProxySetting(),
		OutputComponents: c.Output.Components,
		Premult:          c.Output.Premultiplication,
		MaxImages:        c.Cache.MaxImages,
	}
}

// WriterConfig maps the file onto writer options.
func (c Config) WriterConfig() writer.Config {
	return writer.Config{
		File:         c.Writer.File,
		Views:        c.Sequence.Views,
		InputPremult: c.Writer.InputPremultiplication,
		CreateDirs:   c.Writer.CreateDirs,
		FrameRange:   c.Writer.FrameRange,
		FirstFrame:   c.Writer.FirstFrame,
		LastFrame:    c.Writer.LastFrame,
	}
}
