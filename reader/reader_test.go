package reader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"
	"sync"
	"testing"

	"github.com/Imagefi/openfx-io/frametime"
	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/proxy"
	"github.com/Imagefi/openfx-io/resolve"
	"github.com/Imagefi/openfx-io/sequence"
)

const (
	fullPattern  = "/seq/plate.####.exr"
	proxyPattern = "/seq/proxy/plate.####.exr"
)

type fakeFrame struct {
	bounds image.Rectangle
	color  [4]float64
}

type fakeDecoder struct {
	mu      sync.Mutex
	frames  map[string]fakeFrame
	decoded []string
	headers int
	tied    bool
	fail    error
	premult *pixel.Premult
}

func (f *fakeDecoder) Decode(_ context.Context, req DecodeRequest) error {
	f.mu.Lock()
	f.decoded = append(f.decoded, req.Path)
	fr, ok := f.frames[req.Path]
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	if !ok {
		return fmt.Errorf("no file %s", req.Path)
	}
	if !req.Window.In(fr.bounds) {
		return fmt.Errorf("window %v outside %v", req.Window, fr.bounds)
	}
	src := pixel.NewBuffer(req.Window, pixel.ComponentsRGBA, pixel.DepthFloat)
	for y := req.Window.Min.Y; y < req.Window.Max.Y; y++ {
		for x := req.Window.Min.X; x < req.Window.Max.X; x++ {
			for c, v := range fr.color {
				src.Set(x, y, c, v)
			}
		}
	}
	return pixel.Copy(req.Window, src, req.Dst)
}

func (f *fakeDecoder) FrameBounds(_ context.Context, path string, _ float64) (FrameInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers++
	fr, ok := f.frames[path]
	if !ok {
		return FrameInfo{}, fmt.Errorf("no file %s", path)
	}
	return FrameInfo{Bounds: fr.bounds, PAR: 1}, nil
}

func (f *fakeDecoder) IsVideoStream(string) bool { return false }

func (f *fakeDecoder) TimeDomain(context.Context, string) (sequence.Range, error) {
	return sequence.Range{}, sequence.ErrNotVideoStream
}

func (f *fakeDecoder) decodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.decoded)
}

type tiedDecoder struct{ *fakeDecoder }

func (tiedDecoder) HeaderDataTied() bool { return true }

type describingDecoder struct{ *fakeDecoder }

func (d describingDecoder) Premultiplication(context.Context, string) (pixel.Premult, error) {
	return *d.premult, nil
}

// newFixture builds a decoder holding frames of fullPattern at 8x8 and,
// for proxyFrames, of proxyPattern at 4x4.
func newFixture(frames, proxyFrames []int) (*fakeDecoder, sequence.Scanner) {
	dec := &fakeDecoder{frames: make(map[string]fakeFrame)}
	full, _ := sequence.ParsePattern(fullPattern)
	px, _ := sequence.ParsePattern(proxyPattern)
	for _, f := range frames {
		v := float64(f) / 100
		dec.frames[full.Format(0, f)] = fakeFrame{bounds: image.Rect(0, 0, 8, 8), color: [4]float64{v, v, v, 1}}
	}
	for _, f := range proxyFrames {
		dec.frames[px.Format(0, f)] = fakeFrame{bounds: image.Rect(0, 0, 4, 4), color: [4]float64{0.5, 0.5, 0.5, 1}}
	}
	scanner := sequence.ScannerFunc(func(_ context.Context, p sequence.Pattern) (sequence.FileMap, error) {
		fm := sequence.FileMap{}
		for path := range dec.frames {
			for f := -1000; f <= 1000; f++ {
				if p.Format(0, f) == path {
					fm.Add(0, f, path)
				}
			}
		}
		return fm, nil
	})
	return dec, scanner
}

func frameRange(lo, hi int) []int {
	var out []int
	for f := lo; f <= hi; f++ {
		out = append(out, f)
	}
	return out
}

func newTestReader(t *testing.T, dec Decoder, scanner sequence.Scanner, mod func(*Config)) *Reader {
	t.Helper()
	cfg := Config{
		File:             fullPattern,
		OutputComponents: pixel.ComponentsRGBA,
		Premult:          pixel.Premultiplied,
		Scanner:          scanner,
		Stat:             func(string) bool { return true },
	}
	if mod != nil {
		mod(&cfg)
	}
	r, err := New(dec, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func uniform(t *testing.T, b *pixel.Buffer, window image.Rectangle, want ...float64) {
	t.Helper()
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			for c, w := range want {
				if got := b.At(x, y, c); math.Abs(got-w) > 1e-6 {
					t.Fatalf("(%d,%d) channel %d: got %v, want %v", x, y, c, got, w)
				}
			}
		}
	}
}

func TestSequenceScenario(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(10, 20), nil)
	r := newTestReader(t, dec, scanner, func(c *Config) {
		first, last := 10, 20
		c.FirstFrame, c.LastFrame = &first, &last
		c.Before, c.After = frametime.ActionBlack, frametime.ActionHold
	})
	ctx := context.Background()

	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	for i := 0; i < len(dst.Pix); i++ {
		dst.Pix[i] = 0xff
	}
	if err := r.Render(ctx, RenderArgs{Time: 5, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatalf("render before first frame: %v", err)
	}
	uniform(t, dst, dst.Bounds, 0, 0, 0, 0)
	if n := len(dec.decodes()); n != 0 {
		t.Errorf("black frame decoded %d files", n)
	}

	res, err := r.ResolveFilename(ctx, 15, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != "/seq/plate.0015.exr" {
		t.Errorf("frame 15: got %q", res.Path)
	}

	res, err = r.ResolveFilename(ctx, 25, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != "/seq/plate.0020.exr" {
		t.Errorf("frame 25 held: got %q", res.Path)
	}

	res, err = r.ResolveFilename(ctx, 5, 0)
	if err != nil || res.Outcome != resolve.Black {
		t.Errorf("frame 5: got %v, %v, want black", res.Outcome, err)
	}
}

func TestRenderDecodesFrame(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(10, 20), nil)
	r := newTestReader(t, dec, scanner, nil)
	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	window := image.Rect(2, 2, 6, 6)
	if err := r.Render(context.Background(), RenderArgs{Time: 12, Window: window, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	uniform(t, dst, window, 0.12, 0.12, 0.12, 1)
	uniform(t, dst, image.Rect(0, 0, 8, 2), 0, 0, 0, 0)
}

func TestRenderMissingFrameNearest(t *testing.T) {
	t.Parallel()

	frames := slices.DeleteFunc(frameRange(10, 20), func(f int) bool { return f == 15 })
	dec, scanner := newFixture(frames, nil)
	r := newTestReader(t, dec, scanner, func(c *Config) { c.Missing = resolve.MissingNearest })

	res, err := r.ResolveFilename(context.Background(), 15, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Frame != 14 {
		t.Errorf("frame: got %d, want 14", res.Frame)
	}
}

func TestRenderMissingFrameError(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture([]int{10, 12}, nil)
	r := newTestReader(t, dec, scanner, nil)
	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	err := r.Render(context.Background(), RenderArgs{Time: 11, Window: dst.Bounds, Dst: dst})
	if !errors.Is(err, resolve.ErrMissingFrame) {
		t.Errorf("got %v, want ErrMissingFrame", err)
	}
}

func TestRenderMissingFrameBlack(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture([]int{10, 12}, nil)
	r := newTestReader(t, dec, scanner, func(c *Config) { c.Missing = resolve.MissingBlack })
	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(context.Background(), RenderArgs{Time: 11, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	uniform(t, dst, dst.Bounds, 0, 0, 0, 0)
}

func TestRenderOutOfRangeError(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(10, 20), nil)
	r := newTestReader(t, dec, scanner, func(c *Config) { c.After = frametime.ActionError })
	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	err := r.Render(context.Background(), RenderArgs{Time: 30, Window: dst.Bounds, Dst: dst})
	if !errors.Is(err, frametime.ErrTimeOutOfRange) {
		t.Errorf("got %v, want ErrTimeOutOfRange", err)
	}
}

func TestRenderNoFilesIsBlack(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(nil, nil)
	r := newTestReader(t, dec, scanner, nil)
	dst := pixel.NewBuffer(image.Rect(0, 0, 4, 4), pixel.ComponentsRGB, pixel.Depth8)
	for i := range dst.Pix {
		dst.Pix[i] = 9
	}
	if err := r.Render(context.Background(), RenderArgs{Time: 1, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	uniform(t, dst, dst.Bounds, 0, 0, 0)

	if _, err := r.RegionOfDefinition(context.Background(), 1, 0); !errors.Is(err, ErrBlack) {
		t.Errorf("region: got %v, want ErrBlack", err)
	}
}

func TestRenderWindowOutsideDst(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 2), nil)
	r := newTestReader(t, dec, scanner, nil)
	dst := pixel.NewBuffer(image.Rect(0, 0, 4, 4), pixel.ComponentsRGBA, pixel.DepthFloat)
	err := r.Render(context.Background(), RenderArgs{Time: 1, Window: image.Rect(0, 0, 8, 8), Dst: dst})
	if !errors.Is(err, pixel.ErrWindow) {
		t.Errorf("got %v, want ErrWindow", err)
	}
}

func TestRenderDecodeFailure(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 2), nil)
	dec.fail = errors.New("corrupt scanline")
	r := newTestReader(t, dec, scanner, nil)
	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	err := r.Render(context.Background(), RenderArgs{Time: 1, Window: dst.Bounds, Dst: dst})
	if !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("got %v, want ErrDecodeFailed", err)
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Path != "/seq/plate.0001.exr" {
		t.Errorf("decode error: got %#v", de)
	}
}

func TestRegionOfDefinitionCached(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 3), nil)
	r := newTestReader(t, dec, scanner, nil)
	ctx := context.Background()
	for range 3 {
		b, err := r.RegionOfDefinition(ctx, 2, 0)
		if err != nil {
			t.Fatal(err)
		}
		if b != image.Rect(0, 0, 8, 8) {
			t.Errorf("bounds: got %v", b)
		}
	}
	if s := r.Stats(); s.RoDComputes != 1 || s.Scans != 1 {
		t.Errorf("stats: got %+v, want one compute and one scan", s)
	}
}

func TestFileChangedInvalidates(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 3), nil)
	r := newTestReader(t, dec, scanner, nil)
	ctx := context.Background()
	if _, err := r.RegionOfDefinition(ctx, 2, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.FileChanged(ctx, fullPattern, ""); err != nil {
		t.Fatal(err)
	}
	s := r.Stats()
	if s.RoDEntries != 0 || s.Scans != 1 {
		t.Errorf("stats after change: got %+v", s)
	}
	rng, original, err := r.SequenceDomain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rng != (sequence.Range{Min: 1, Max: 3}) || !original {
		t.Errorf("domain: got %v original=%v", rng, original)
	}

	if err := r.FileChanged(ctx, "/elsewhere/x.####.exr", ""); !errors.Is(err, sequence.ErrDomainDiscoveryFailed) {
		t.Errorf("empty selection: got %v, want ErrDomainDiscoveryFailed", err)
	}
}

func TestRenderDownscale(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 1), nil)
	r := newTestReader(t, dec, scanner, nil)
	dst := pixel.NewBuffer(image.Rect(0, 0, 4, 4), pixel.ComponentsRGBA, pixel.Depth16)
	if err := r.Render(context.Background(), RenderArgs{Time: 1, Scale: 0.5, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	want := math.Round(0.01*math.MaxUint16) / math.MaxUint16
	uniform(t, dst, dst.Bounds, want, want, want, 1)
	if got := dec.decodes(); len(got) != 1 || got[0] != "/seq/plate.0001.exr" {
		t.Errorf("decoded: got %v", got)
	}
}

func TestRenderUsesProxy(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 2), frameRange(1, 2))
	r := newTestReader(t, dec, scanner, func(c *Config) {
		c.ProxyFile = proxyPattern
		c.ProxyEnabled = true
	})
	ctx := context.Background()

	half := pixel.NewBuffer(image.Rect(0, 0, 4, 4), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(ctx, RenderArgs{Time: 1, Scale: 0.5, Window: half.Bounds, Dst: half}); err != nil {
		t.Fatal(err)
	}
	uniform(t, half, half.Bounds, 0.5, 0.5, 0.5, 1)

	quarter := pixel.NewBuffer(image.Rect(0, 0, 2, 2), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(ctx, RenderArgs{Time: 1, Scale: 0.25, Window: quarter.Bounds, Dst: quarter}); err != nil {
		t.Fatal(err)
	}
	uniform(t, quarter, quarter.Bounds, 0.5, 0.5, 0.5, 1)

	full := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(ctx, RenderArgs{Time: 1, Scale: 1, Window: full.Bounds, Dst: full}); err != nil {
		t.Fatal(err)
	}
	uniform(t, full, full.Bounds, 0.01, 0.01, 0.01, 1)

	want := []string{"/seq/proxy/plate.0001.exr", "/seq/proxy/plate.0001.exr", "/seq/plate.0001.exr"}
	if got := dec.decodes(); !slices.Equal(got, want) {
		t.Errorf("decoded: got %v, want %v", got, want)
	}

	sc, err := r.DetectProxyScale(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if sc != (proxy.Scale{X: 0.5, Y: 0.5}) {
		t.Errorf("scale: got %+v", sc)
	}
	res, err := r.ResolveFilename(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != resolve.Proxy {
		t.Errorf("outcome: got %v, want proxy", res.Outcome)
	}
}

func TestRenderPremultipliesUnpremultipliedFiles(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(nil, nil)
	dec.frames["/seq/plate.0001.exr"] = fakeFrame{bounds: image.Rect(0, 0, 2, 2), color: [4]float64{0.5, 0.5, 0.5, 0.5}}
	r := newTestReader(t, dec, scanner, func(c *Config) { c.Premult = pixel.Unpremultiplied })
	dst := pixel.NewBuffer(image.Rect(0, 0, 2, 2), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(context.Background(), RenderArgs{Time: 1, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	uniform(t, dst, dst.Bounds, 0.25, 0.25, 0.25, 0.5)
}

func TestRenderDescriberOverridesPremult(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(nil, nil)
	dec.frames["/seq/plate.0001.exr"] = fakeFrame{bounds: image.Rect(0, 0, 2, 2), color: [4]float64{0.5, 0.5, 0.5, 0.5}}
	state := pixel.Premultiplied
	dec.premult = &state
	r := newTestReader(t, describingDecoder{dec}, scanner, func(c *Config) { c.Premult = pixel.Unpremultiplied })
	dst := pixel.NewBuffer(image.Rect(0, 0, 2, 2), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(context.Background(), RenderArgs{Time: 1, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	uniform(t, dst, dst.Bounds, 0.5, 0.5, 0.5, 0.5)
}

type lift struct{ amount float64 }

func (l lift) IsIdentity(float64) bool { return false }

func (l lift) Apply(_ context.Context, _ float64, window image.Rectangle, buf *pixel.Buffer) error {
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			for c := 0; c < 3; c++ {
				buf.Set(x, y, c, buf.At(x, y, c)+l.amount)
			}
		}
	}
	return nil
}

func TestRenderColorTransformOnUnpremultipliedData(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(nil, nil)
	dec.frames["/seq/plate.0001.exr"] = fakeFrame{bounds: image.Rect(0, 0, 2, 2), color: [4]float64{0.25, 0.25, 0.25, 0.5}}
	r := newTestReader(t, dec, scanner, func(c *Config) { c.Color = lift{0.1} })
	dst := pixel.NewBuffer(image.Rect(0, 0, 2, 2), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(context.Background(), RenderArgs{Time: 1, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	uniform(t, dst, dst.Bounds, 0.3, 0.3, 0.3, 0.5)
}

func TestRenderTiedReusesDecode(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 2), nil)
	r := newTestReader(t, tiedDecoder{dec}, scanner, nil)
	ctx := context.Background()
	if _, err := r.RegionOfDefinition(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}
	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.DepthFloat)
	if err := r.Render(ctx, RenderArgs{Time: 1, Window: dst.Bounds, Dst: dst}); err != nil {
		t.Fatal(err)
	}
	uniform(t, dst, dst.Bounds, 0.01, 0.01, 0.01, 1)
	if got := dec.decodes(); len(got) != 1 {
		t.Errorf("decodes: got %d, want 1", len(got))
	}
}

func TestRenderConcurrentTiles(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(1, 5), nil)
	r := newTestReader(t, dec, scanner, nil)
	dst := pixel.NewBuffer(image.Rect(0, 0, 8, 8), pixel.ComponentsRGBA, pixel.Depth8)
	var wg sync.WaitGroup
	for y := 0; y < 8; y += 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tile := image.Rect(0, y, 8, y+2)
			if err := r.Render(context.Background(), RenderArgs{Time: 3, Window: tile, Dst: dst}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if s := r.Stats(); s.Scans != 1 || s.RoDComputes != 1 {
		t.Errorf("stats: got %+v, want one scan and one compute", s)
	}
	want := math.Round(0.03*255) / 255
	uniform(t, dst, dst.Bounds, want, want, want, 1)
}

func TestTimeDomainAndIdentity(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(10, 20), nil)
	r := newTestReader(t, dec, scanner, func(c *Config) {
		start := 1
		c.FrameMode = frametime.ModeStartingTime
		c.StartingTime = &start
	})
	ctx := context.Background()
	td, err := r.TimeDomain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if td != (sequence.Range{Min: 1, Max: 11}) {
		t.Errorf("time domain: got %v", td)
	}
	it, ok, err := r.IdentityTime(ctx, 40)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || it != 11 {
		t.Errorf("identity of held time: got %v, %v, want 11", it, ok)
	}
}

func TestFirstLastClampedToDomain(t *testing.T) {
	t.Parallel()

	dec, scanner := newFixture(frameRange(10, 20), nil)
	r := newTestReader(t, dec, scanner, func(c *Config) {
		first, last := 0, 50
		c.FirstFrame, c.LastFrame = &first, &last
	})
	td, err := r.TimeDomain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if td != (sequence.Range{Min: 10, Max: 20}) {
		t.Errorf("time domain: got %v, want [10, 20]", td)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Config{File: fullPattern}); err == nil {
		t.Error("expected error for nil decoder")
	}
	if _, err := New(&fakeDecoder{}, Config{}); err == nil {
		t.Error("expected error for empty File")
	}
}
