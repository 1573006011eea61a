// Package proxy determines how much smaller a proxy file is than the
// full-resolution file it stands in for.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrProxyDetection is advisory: Detect still returns a usable scale
// alongside it.
var ErrProxyDetection = errors.New("proxy: scale detection failed")

// Scale is the proxy size divided by the full-resolution size per axis.
type Scale struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// One is the 1:1 scale.
var One = Scale{1, 1}

// Setting is either automatic detection or a fixed user scale.
type Setting struct {
	custom bool
	scale  Scale
}

// Auto detects the scale from file headers.
func Auto() Setting { return Setting{} }

// Custom always uses x, y.
func Custom(x, y float64) Setting { return Setting{custom: true, scale: Scale{x, y}} }

// Custom reports the fixed scale, if any.
func (s Setting) Custom() (Scale, bool) { return s.scale, s.custom }

func (s Setting) String() string {
	if s.custom {
		return fmt.Sprintf("custom(%g, %g)", s.scale.X, s.scale.Y)
	}
	return "auto"
}

// ProbeFunc reads only the header of path at time t and returns its
// bounds and pixel aspect ratio.
type ProbeFunc func(ctx context.Context, path string, t float64) (image.Rectangle, float64, error)

// Detector caches detected scales per proxy path. The zero value is not
// usable; call NewDetector.
type Detector struct {
	probe ProbeFunc
	log   *slog.Logger

	mu        sync.RWMutex
	byProxy   map[string]Scale
	lastKnown map[string]Scale

	gen    atomic.Uint64
	group  singleflight.Group
	probes atomic.Int64
}

// NewDetector returns a Detector that reads headers with probe.
func NewDetector(probe ProbeFunc, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		probe:     probe,
		log:       log.With("component", "proxy"),
		byProxy:   make(map[string]Scale),
		lastKnown: make(map[string]Scale),
	}
}

// Detect returns the scale of proxyPath relative to fullPath. A custom
// setting is returned without I/O. Headers of one proxy path are read by
// a single caller at a time; cached scales never wait on that read. When
// the headers cannot be read the last scale detected for fullPath, or One,
// is returned together with an error wrapping ErrProxyDetection; such
// failures are not cached.
func (d *Detector) Detect(ctx context.Context, fullPath, proxyPath string, t float64, s Setting) (Scale, error) {
	if sc, ok := s.Custom(); ok {
		return sc, nil
	}
	if sc, ok := d.cached(proxyPath); ok {
		return sc, nil
	}

	gen := d.gen.Load()
	v, err, _ := d.group.Do(fmt.Sprintf("%d/%s", gen, proxyPath), func() (any, error) {
		if sc, ok := d.cached(proxyPath); ok {
			return sc, nil
		}
		sc, err := d.measure(ctx, fullPath, proxyPath, t)
		if err != nil {
			return nil, err
		}
		d.store(gen, fullPath, proxyPath, sc)
		return sc, nil
	})
	if err != nil {
		d.mu.RLock()
		fallback, ok := d.lastKnown[fullPath]
		d.mu.RUnlock()
		if !ok {
			fallback = One
		}
		d.log.Warn("proxy scale detection failed", "full", fullPath, "proxy", proxyPath, "fallback", fallback, "error", err)
		return fallback, fmt.Errorf("%w: %w", ErrProxyDetection, err)
	}
	return v.(Scale), nil
}

func (d *Detector) cached(proxyPath string) (Scale, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sc, ok := d.byProxy[proxyPath]
	return sc, ok
}

func (d *Detector) store(gen uint64, fullPath, proxyPath string, sc Scale) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen.Load() != gen {
		return
	}
	d.byProxy[proxyPath] = sc
	d.lastKnown[fullPath] = sc
	d.log.Debug("proxy scale detected", "proxy", proxyPath, "x", sc.X, "y", sc.Y)
}

func (d *Detector) measure(ctx context.Context, fullPath, proxyPath string, t float64) (Scale, error) {
	d.probes.Add(1)
	fb, fpar, err := d.probe(ctx, fullPath, t)
	if err != nil {
		return Scale{}, fmt.Errorf("full-res header: %w", err)
	}
	pb, ppar, err := d.probe(ctx, proxyPath, t)
	if err != nil {
		return Scale{}, fmt.Errorf("proxy header: %w", err)
	}
	if fb.Empty() || pb.Empty() {
		return Scale{}, fmt.Errorf("empty bounds: full %v, proxy %v", fb, pb)
	}
	if fpar <= 0 {
		fpar = 1
	}
	if ppar <= 0 {
		ppar = 1
	}
	return Scale{
		X: float64(pb.Dx()) * ppar / (float64(fb.Dx()) * fpar),
		Y: float64(pb.Dy()) / float64(fb.Dy()),
	}, nil
}

// Invalidate forgets every detected scale.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen.Add(1)
	clear(d.byProxy)
	clear(d.lastKnown)
}

// Probes returns how many header pairs have been read.
func (d *Detector) Probes() int64 { return d.probes.Load() }
