package sequence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestParsePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		frame int
		want  string
		still bool
	}{
		{"plate.####.exr", 12, "plate.0012.exr", false},
		{"plate.%04d.exr", 7, "plate.0007.exr", false},
		{"plate.%d.exr", 7, "plate.7.exr", false},
		{"shot_v2.0100.png", 15, "shot_v2.0015.png", false},
		{"dir/frame.#.dpx", 123, "dir/frame.123.dpx", false},
		{"plate.####.exr", -3, "plate.-0003.exr", false},
		{"logo.png", 5, "logo.png", true},
	}
	for _, tt := range tests {
		p, err := ParsePattern(tt.in)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", tt.in, err)
		}
		if p.IsStill() != tt.still {
			t.Errorf("%q still: got %v, want %v", tt.in, p.IsStill(), tt.still)
		}
		if got := p.Format(0, tt.frame); got != tt.want {
			t.Errorf("%q frame %d: got %q, want %q", tt.in, tt.frame, got, tt.want)
		}
	}
}

func TestParsePatternRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "shots/###/plate.exr"} {
		if _, err := ParsePattern(in); !errors.Is(err, ErrPattern) {
			t.Errorf("ParsePattern(%q): got %v, want ErrPattern", in, err)
		}
	}
}

func TestPatternViews(t *testing.T) {
	t.Parallel()

	p, err := ParsePattern("plate_%V.####.exr", "left", "right")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Format(1, 3); got != "plate_right.0003.exr" {
		t.Errorf("right: got %q", got)
	}
	p, err = ParsePattern("plate_%v.####.exr", "left", "right")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Format(0, 3); got != "plate_l.0003.exr" {
		t.Errorf("short left: got %q", got)
	}
}

func TestDirScanner(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "plate.0010.png", "plate.0011.png", "plate.0013.png", "plate.012.png", "plate.0014.jpg", "other.0010.png")
	if err := os.Mkdir(filepath.Join(dir, "plate.0099.png"), 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := ParsePattern(filepath.Join(dir, "plate.####.png"))
	if err != nil {
		t.Fatal(err)
	}
	fm, err := DirScanner{}.Scan(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	got := fm.Frames(0)
	want := []int{10, 11, 13}
	if len(got) != len(want) {
		t.Fatalf("frames: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames: got %v, want %v", got, want)
		}
	}
	if path, ok := fm.Lookup(0, 13); !ok || path != filepath.Join(dir, "plate.0013.png") {
		t.Errorf("lookup 13: got %q, %v", path, ok)
	}
	r, ok := fm.Range()
	if !ok || r != (Range{10, 13}) {
		t.Errorf("range: got %v, %v", r, ok)
	}
}

func TestDirScannerStill(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "logo.png")
	p, err := ParsePattern(filepath.Join(dir, "logo.png"))
	if err != nil {
		t.Fatal(err)
	}
	fm, err := DirScanner{}.Scan(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := fm.Range(); !ok || r != (Range{1, 1}) {
		t.Errorf("still range: got %v, %v", r, ok)
	}
}

func TestDirScannerMissingDir(t *testing.T) {
	t.Parallel()

	p, err := ParsePattern(filepath.Join(t.TempDir(), "nope", "plate.####.png"))
	if err != nil {
		t.Fatal(err)
	}
	fm, err := DirScanner{}.Scan(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if fm.Len() != 0 {
		t.Errorf("files: got %d, want 0", fm.Len())
	}
}

func TestDomainDiscoverIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "plate.0010.png", "plate.0015.png", "plate.0020.png")
	p, err := ParsePattern(filepath.Join(dir, "plate.####.png"))
	if err != nil {
		t.Fatal(err)
	}
	d := NewDomain(p, DirScanner{}, nil, nil)

	r1, err := d.Discover(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	touch(t, dir, "plate.0030.png")
	r2, err := d.Discover(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != (Range{10, 20}) || r2 != r1 {
		t.Errorf("ranges: got %v then %v, want [10, 20] twice", r1, r2)
	}
	if d.Scans() != 1 {
		t.Errorf("scans: got %d, want 1", d.Scans())
	}

	d.Reset()
	r3, err := d.Discover(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if r3 != (Range{10, 30}) {
		t.Errorf("after reset: got %v, want [10, 30]", r3)
	}
	if d.Scans() != 2 {
		t.Errorf("scans after reset: got %d, want 2", d.Scans())
	}
}

func TestDomainOriginalSetOnce(t *testing.T) {
	t.Parallel()

	fm := FileMap{}
	fm.Add(0, 5, "a")
	fm.Add(0, 9, "b")
	d := NewDomain(Pattern{raw: "x", frame: true, views: []string{DefaultView}}, ScannerFunc(func(context.Context, Pattern) (FileMap, error) {
		return fm, nil
	}), nil, nil)

	if _, err := d.Discover(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Original(); ok {
		t.Fatal("non-persistent discover set the original range")
	}
	if _, err := d.Discover(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if r, ok := d.Original(); !ok || r != (Range{5, 9}) {
		t.Errorf("original: got %v, %v", r, ok)
	}
}

func TestDomainConcurrentDiscoverScansOnce(t *testing.T) {
	t.Parallel()

	fm := FileMap{}
	fm.Add(0, 1, "a")
	gate := make(chan struct{})
	d := NewDomain(Pattern{raw: "x", frame: true, views: []string{DefaultView}}, ScannerFunc(func(context.Context, Pattern) (FileMap, error) {
		<-gate
		return fm, nil
	}), nil, nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Discover(context.Background(), true); err != nil {
				t.Error(err)
			}
		}()
	}
	close(gate)
	wg.Wait()
	if d.Scans() != 1 {
		t.Errorf("scans: got %d, want 1", d.Scans())
	}
}

func TestDomainFailureCached(t *testing.T) {
	t.Parallel()

	p, err := ParsePattern(filepath.Join(t.TempDir(), "plate.####.png"))
	if err != nil {
		t.Fatal(err)
	}
	d := NewDomain(p, DirScanner{}, nil, nil)
	for range 3 {
		if _, err := d.Discover(context.Background(), true); !errors.Is(err, ErrDomainDiscoveryFailed) {
			t.Fatalf("got %v, want ErrDomainDiscoveryFailed", err)
		}
	}
	if d.Scans() != 1 {
		t.Errorf("scans: got %d, want 1", d.Scans())
	}
}

func TestDomainCancelledNotCached(t *testing.T) {
	t.Parallel()

	fm := FileMap{}
	fm.Add(0, 3, "a")
	d := NewDomain(Pattern{raw: "x", frame: true, views: []string{DefaultView}}, ScannerFunc(func(ctx context.Context, _ Pattern) (FileMap, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fm, nil
	}), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Discover(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	r, err := d.Discover(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if r != (Range{3, 3}) {
		t.Errorf("range: got %v", r)
	}
}

type fakeVideo struct {
	rng Range
	err error
}

func (f fakeVideo) IsVideoStream(string) bool { return true }

func (f fakeVideo) TimeDomain(context.Context, string) (Range, error) { return f.rng, f.err }

func TestDomainVideoStream(t *testing.T) {
	t.Parallel()

	p, err := ParsePattern("clip.mov")
	if err != nil {
		t.Fatal(err)
	}
	d := NewDomain(p, ScannerFunc(func(context.Context, Pattern) (FileMap, error) {
		t.Error("video stream should not scan")
		return nil, nil
	}), fakeVideo{rng: Range{1, 240}}, nil)
	r, err := d.Discover(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if r != (Range{1, 240}) || !d.IsVideo() {
		t.Errorf("got %v video=%v", r, d.IsVideo())
	}
}

func TestDomainVideoFallsBackToScan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "plate.0002.png")
	p, err := ParsePattern(filepath.Join(dir, "plate.####.png"))
	if err != nil {
		t.Fatal(err)
	}
	d := NewDomain(p, DirScanner{}, fakeVideo{err: ErrNotVideoStream}, nil)
	r, err := d.Discover(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if r != (Range{2, 2}) || d.IsVideo() {
		t.Errorf("got %v video=%v", r, d.IsVideo())
	}
}

func TestRangeClamp(t *testing.T) {
	t.Parallel()

	r := Range{10, 20}
	for in, want := range map[int]int{5: 10, 15: 15, 25: 20} {
		if got := r.Clamp(in); got != want {
			t.Errorf("Clamp(%d): got %d, want %d", in, got, want)
		}
	}
}
