package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Imagefi/openfx-io/config"
	"github.com/Imagefi/openfx-io/internal/imagefile"
	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/reader"
	"github.com/Imagefi/openfx-io/writer"
)

var version = "dev"

const usage = `usage: seqio <command> [flags] [times...]

commands:
  resolve   print the file shown at each time
  rod       print the region of definition at each time
  render    render one time to a PNG file
  write     re-encode the sequence through the [writer] pattern
  serve     run the HTTPS and HTTP/3 preview server
  version   print the version
`

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("seqio failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "resolve":
		return runResolve(ctx, args, out)
	case "rod":
		return runRoD(ctx, args, out)
	case "render":
		return runRender(ctx, args)
	case "write":
		return runWrite(ctx, args)
	case "serve":
		return runServe(ctx, args)
	case "version":
		fmt.Fprintln(out, version)
		return nil
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

// common holds the flags every command accepts.
type common struct {
	configPath string
	file       string
	view       int
}

func newFlagSet(name string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c := &common{}
	fs.StringVar(&c.configPath, "config", os.Getenv("SEQIO_CONFIG"), "TOML configuration file")
	fs.StringVar(&c.file, "file", "", "sequence pattern, overriding [sequence] file")
	fs.IntVar(&c.view, "view", 0, "view index")
	return fs, c
}

func (c *common) load() (config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return cfg, err
		}
	}
	if c.file != "" {
		cfg.Sequence.File = c.file
	}
	if cfg.Sequence.File == "" {
		return cfg, errors.New("no sequence: set -file or [sequence] file")
	}
	return cfg, nil
}

func openReader(cfg config.Config) (*reader.Reader, error) {
	return reader.New(imagefile.NewDecoder(nil), cfg.ReaderConfig())
}

func parseTimes(args []string) ([]float64, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one time is required")
	}
	times := make([]float64, len(args))
	for i, a := range args {
		t, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("time %q: %w", a, err)
		}
		times[i] = t
	}
	return times, nil
}

type resolveLine struct {
	Time    float64 `json:"time"`
	Outcome string  `json:"outcome"`
	Frame   int     `json:"frame"`
	Path    string  `json:"path,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func runResolve(ctx context.Context, args []string, out io.Writer) error {
	fs, c := newFlagSet("resolve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	times, err := parseTimes(fs.Args())
	if err != nil {
		return err
	}
	rd, err := openReader(cfg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, t := range times {
		res, err := rd.ResolveFilename(ctx, t, c.view)
		line := resolveLine{Time: t, Outcome: res.Outcome.String(), Frame: res.Frame, Path: res.Path}
		if err != nil {
			line.Error = err.Error()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

type rodLine struct {
	Time   float64         `json:"time"`
	Black  bool            `json:"black,omitempty"`
	Bounds image.Rectangle `json:"bounds"`
	Error  string          `json:"error,omitempty"`
}

func runRoD(ctx context.Context, args []string, out io.Writer) error {
	fs, c := newFlagSet("rod")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	times, err := parseTimes(fs.Args())
	if err != nil {
		return err
	}
	rd, err := openReader(cfg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, t := range times {
		r, err := rd.RegionOfDefinition(ctx, t, c.view)
		line := rodLine{Time: t, Bounds: r}
		switch {
		case errors.Is(err, reader.ErrBlack):
			line.Black = true
		case err != nil:
			line.Error = err.Error()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

// renderFrame renders the full frame at t, reduced to scale.
func renderFrame(ctx context.Context, rd *reader.Reader, cfg config.Config, t float64, view int, scale float64) (*pixel.Buffer, error) {
	rod, err := rd.RegionOfDefinition(ctx, t, view)
	if err != nil {
		return nil, err
	}
	window := pixel.DownscalePow2Enclosing(rod, pixel.LevelFromScale(scale))
	buf := pixel.NewBuffer(window, cfg.Output.Components, pixel.DepthFloat)
	err = rd.Render(ctx, reader.RenderArgs{Time: t, View: view, Window: window, Scale: scale, Dst: buf})
	return buf, err
}

func outputPremult(cfg config.Config) pixel.Premult {
	if cfg.Output.Components == pixel.ComponentsRGBA {
		return pixel.Premultiplied
	}
	return pixel.Opaque
}

func runRender(ctx context.Context, args []string) error {
	fs, c := newFlagSet("render")
	t := fs.Float64("t", 1, "host time")
	scale := fs.Float64("scale", 1, "render scale in (0, 1]")
	outPath := fs.String("out", "frame.png", "output PNG file")
	depth := fs.Int("depth", 8, "output bit depth, 8 or 16")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	rd, err := openReader(cfg)
	if err != nil {
		return err
	}

	buf, err := renderFrame(ctx, rd, cfg, *t, c.view, *scale)
	if err != nil {
		return err
	}
	enc := imagefile.Encoder{Depth: pixel.Depth8}
	if *depth == 16 {
		enc.Depth = pixel.Depth16
	}
	w, err := writer.New(enc, writer.Config{File: *outPath, InputPremult: outputPremult(cfg), CreateDirs: true}, nil)
	if err != nil {
		return err
	}
	path, err := w.Write(ctx, writer.WriteArgs{Time: *t, View: c.view, Window: buf.Bounds, Src: buf})
	if err != nil {
		return err
	}
	slog.Info("frame rendered", "time", *t, "path", path, "bounds", buf.Bounds)
	return nil
}

func runWrite(ctx context.Context, args []string) error {
	fs, c := newFlagSet("write")
	jobs := fs.Int("j", runtime.NumCPU(), "frames encoded in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if cfg.Writer.File == "" {
		return errors.New("write: [writer] file is required")
	}
	rd, err := openReader(cfg)
	if err != nil {
		return err
	}
	wcfg := cfg.WriterConfig()
	wcfg.InputPremult = outputPremult(cfg)
	w, err := writer.New(imagefile.Encoder{Depth: pixel.Depth16}, wcfg, nil)
	if err != nil {
		return err
	}

	inputs, err := rd.TimeDomain(ctx)
	if err != nil {
		return err
	}
	// The CLI has no project; its bounds are the inputs'.
	td := w.Frames(inputs, inputs)
	slog.Info("writing sequence", "from", td.Min, "to", td.Max, "pattern", cfg.Writer.File)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*jobs, 1))
	for t := td.Min; t <= td.Max; t++ {
		g.Go(func() error {
			buf, err := renderFrame(gctx, rd, cfg, float64(t), c.view, 1)
			if errors.Is(err, reader.ErrBlack) {
				slog.Warn("skipping black frame", "time", t)
				return nil
			}
			if err != nil {
				return fmt.Errorf("time %d: %w", t, err)
			}
			_, err = w.Write(gctx, writer.WriteArgs{Time: float64(t), View: c.view, Window: buf.Bounds, Src: buf})
			return err
		})
	}
	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
