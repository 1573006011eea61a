// Package reader renders frames of an image sequence into host buffers.
//
// A [Reader] ties together sequence discovery, time mapping, filename
// resolution, proxy selection and the region-of-definition cache around a
// format-specific [Decoder]. All caches belong to the current file
// selection; [Reader.FileChanged] replaces the selection atomically and
// renders already running finish against the one they started with.
package reader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/Imagefi/openfx-io/frametime"
	"github.com/Imagefi/openfx-io/proxy"
	"github.com/Imagefi/openfx-io/resolve"
	"github.com/Imagefi/openfx-io/rod"
	"github.com/Imagefi/openfx-io/sequence"
)

// Reader is safe for concurrent Render calls.
type Reader struct {
	dec Decoder
	cfg Config
	log *slog.Logger

	sel atomic.Pointer[selection]
}

// selection is everything derived from one pair of file patterns.
type selection struct {
	domain      *sequence.Domain
	proxyDomain *sequence.Domain
	rod         *rod.Cache
	proxyRod    *rod.Cache
	proxy       *proxy.Detector
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Reader) { r.log = log }
}

// New returns a Reader for cfg.File. Discovery is deferred to the first
// query.
func New(dec Decoder, cfg Config, opts ...Option) (*Reader, error) {
	if dec == nil {
		return nil, errors.New("reader: Decoder is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Reader{dec: dec, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "reader")

	sel, err := r.newSelection(cfg.File, cfg.ProxyFile)
	if err != nil {
		return nil, err
	}
	r.sel.Store(sel)
	return r, nil
}

func (r *Reader) newSelection(file, proxyFile string) (*selection, error) {
	p, err := sequence.ParsePattern(file, r.cfg.Views...)
	if err != nil {
		return nil, err
	}
	sel := &selection{
		domain:   sequence.NewDomain(p, r.cfg.Scanner, r.dec, r.log),
		rod:      rod.New(r.cfg.MaxImages, r.log),
		proxyRod: rod.New(0, r.log),
		proxy:    proxy.NewDetector(r.probe, r.log),
	}
	if proxyFile != "" {
		pp, err := sequence.ParsePattern(proxyFile, r.cfg.Views...)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		sel.proxyDomain = sequence.NewDomain(pp, r.cfg.Scanner, nil, r.log)
	}
	return sel, nil
}

func (r *Reader) probe(ctx context.Context, path string, t float64) (image.Rectangle, float64, error) {
	info, err := r.dec.FrameBounds(ctx, path, t)
	if err != nil {
		return image.Rectangle{}, 0, err
	}
	return info.Bounds, info.PAR, nil
}

// FileChanged selects new file patterns. Every cache of the previous
// selection is dropped and the new sequence is discovered, recording its
// original frame range. A discovery failure is returned but the selection
// still changes; renders of it are black.
func (r *Reader) FileChanged(ctx context.Context, file, proxyFile string) error {
	sel, err := r.newSelection(file, proxyFile)
	if err != nil {
		return err
	}
	if old := r.sel.Swap(sel); old != nil {
		old.rod.Invalidate()
		old.proxyRod.Invalidate()
		old.proxy.Invalidate()
	}
	r.log.Info("file selection changed", "file", file, "proxy", proxyFile)
	if _, err := sel.domain.Discover(ctx, true); err != nil {
		return err
	}
	return nil
}

// mapper builds the time mapper of sel, discovering its domain if needed.
func (r *Reader) mapper(ctx context.Context, sel *selection) (frametime.Mapper, error) {
	rng, err := sel.domain.Discover(ctx, false)
	if err != nil {
		return frametime.Mapper{}, err
	}
	first, last := rng.Min, rng.Max
	if r.cfg.FirstFrame != nil {
		first = rng.Clamp(*r.cfg.FirstFrame)
	}
	if r.cfg.LastFrame != nil {
		last = rng.Clamp(*r.cfg.LastFrame)
	}
	last = max(last, first)
	return frametime.Mapper{
		Mode:         r.cfg.FrameMode,
		TimeOffset:   r.cfg.TimeOffset,
		StartingTime: r.cfg.StartingTime,
		Policy: frametime.Policy{
			FirstFrame: first,
			LastFrame:  last,
			Before:     r.cfg.Before,
			After:      r.cfg.After,
		},
		VideoStream: sel.domain.IsVideo(),
	}, nil
}

func (r *Reader) resolver(ctx context.Context, sel *selection, m frametime.Mapper) *resolve.Resolver {
	res := &resolve.Resolver{
		Files:   sel.domain.Files(),
		Pattern: sel.domain.Pattern(),
		First:   m.Policy.FirstFrame,
		Last:    m.Policy.LastFrame,
		Missing: r.cfg.Missing,
		Video:   sel.domain.IsVideo(),
		Stat:    r.cfg.Stat,
	}
	if r.cfg.ProxyEnabled && sel.proxyDomain != nil {
		if _, err := sel.proxyDomain.Discover(ctx, false); err != nil {
			r.log.Debug("no proxy files", "error", err)
		} else {
			res.Proxy = sel.proxyDomain.Files()
		}
	}
	return res
}

// lookup maps t and resolves it. A nil Resolution with a nil error means
// the time renders black.
func (r *Reader) lookup(ctx context.Context, sel *selection, t float64, view int, useProxy bool) (*resolve.Resolution, frametime.Result, error) {
	m, err := r.mapper(ctx, sel)
	if err != nil {
		if errors.Is(err, sequence.ErrDomainDiscoveryFailed) {
			return nil, frametime.Result{Kind: frametime.Black}, nil
		}
		return nil, frametime.Result{}, err
	}
	mapped := m.Map(t)
	switch mapped.Kind {
	case frametime.Black:
		return nil, mapped, nil
	case frametime.Error:
		return nil, mapped, mapped.Err()
	}
	res, err := r.resolver(ctx, sel, m).Resolve(mapped.Time, view, useProxy)
	if err != nil {
		return nil, mapped, err
	}
	if res.Outcome == resolve.Black {
		return nil, mapped, nil
	}
	return &res, mapped, nil
}

// frameInfo returns the cached bounds of the full-resolution file of res.
func (r *Reader) frameInfo(ctx context.Context, sel *selection, res *resolve.Resolution, t float64, view int) (rod.Entry, error) {
	key := rod.Key{View: view, Frame: res.Frame}
	return sel.rod.GetOrCompute(ctx, key, func(ctx context.Context) (rod.Entry, error) {
		info, err := r.dec.FrameBounds(ctx, res.FullPath, t)
		if err != nil {
			return rod.Entry{}, &DecodeError{Path: res.FullPath, Err: err}
		}
		e := rod.Entry{Bounds: info.Bounds, PAR: info.PAR}
		if tied, ok := r.dec.(HeaderDataTied); ok && tied.HeaderDataTied() && !info.Bounds.Empty() {
			img, err := r.decodeFull(ctx, res.FullPath, t, view, info.Bounds)
			if err != nil {
				return rod.Entry{}, err
			}
			e.Image = img
		}
		return e, nil
	})
}

// proxyInfo returns the cached bounds of the proxy file of res.
func (r *Reader) proxyInfo(ctx context.Context, sel *selection, res *resolve.Resolution, t float64, view int) (rod.Entry, error) {
	key := rod.Key{View: view, Frame: res.Frame}
	return sel.proxyRod.GetOrCompute(ctx, key, func(ctx context.Context) (rod.Entry, error) {
		info, err := r.dec.FrameBounds(ctx, res.Path, t)
		if err != nil {
			return rod.Entry{}, &DecodeError{Path: res.Path, Err: err}
		}
		return rod.Entry{Bounds: info.Bounds, PAR: info.PAR}, nil
	})
}

// RegionOfDefinition returns the pixel bounds of the full-resolution frame
// shown at host time t. Black times return ErrBlack.
func (r *Reader) RegionOfDefinition(ctx context.Context, t float64, view int) (image.Rectangle, error) {
	sel := r.sel.Load()
	res, _, err := r.lookup(ctx, sel, t, view, false)
	if err != nil {
		return image.Rectangle{}, err
	}
	if res == nil {
		return image.Rectangle{}, ErrBlack
	}
	e, err := r.frameInfo(ctx, sel, res, t, view)
	if err != nil {
		return image.Rectangle{}, err
	}
	return e.Bounds, nil
}

// ResolveFilename returns the file rendered at host time t. Black times
// return a resolution with outcome resolve.Black.
func (r *Reader) ResolveFilename(ctx context.Context, t float64, view int) (resolve.Resolution, error) {
	res, mapped, err := r.lookup(ctx, r.sel.Load(), t, view, r.cfg.ProxyEnabled)
	if err != nil {
		return resolve.Resolution{Outcome: resolve.Failed, Frame: mapped.Frame()}, err
	}
	if res == nil {
		return resolve.Resolution{Outcome: resolve.Black, Frame: mapped.Frame()}, nil
	}
	return *res, nil
}

// TimeDomain returns the host time range of the sequence.
func (r *Reader) TimeDomain(ctx context.Context) (sequence.Range, error) {
	m, err := r.mapper(ctx, r.sel.Load())
	if err != nil {
		return sequence.Range{}, err
	}
	return m.TimeDomain(), nil
}

// IdentityTime returns another host time that renders exactly like t.
func (r *Reader) IdentityTime(ctx context.Context, t float64) (float64, bool, error) {
	m, err := r.mapper(ctx, r.sel.Load())
	if err != nil {
		if errors.Is(err, sequence.ErrDomainDiscoveryFailed) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if m.Map(t).Kind == frametime.Error {
		return 0, false, m.Map(t).Err()
	}
	it, ok := m.IdentityTime(t)
	return it, ok, nil
}

// SequenceDomain returns the frame range found on disk and whether it was
// recorded as the selection's original range.
func (r *Reader) SequenceDomain(ctx context.Context) (sequence.Range, bool, error) {
	sel := r.sel.Load()
	rng, err := sel.domain.Discover(ctx, false)
	if err != nil {
		return sequence.Range{}, false, err
	}
	_, original := sel.domain.Original()
	return rng, original, nil
}

// DetectProxyScale returns the scale of the proxy file shown at t. Without
// a proxy for t the scale is 1:1.
func (r *Reader) DetectProxyScale(ctx context.Context, t float64) (proxy.Scale, error) {
	if sc, ok := r.cfg.ProxyScale.Custom(); ok {
		return sc, nil
	}
	sel := r.sel.Load()
	res, _, err := r.lookup(ctx, sel, t, 0, true)
	if err != nil {
		return proxy.One, fmt.Errorf("%w: %w", proxy.ErrProxyDetection, err)
	}
	if res == nil || res.Outcome != resolve.Proxy {
		return proxy.One, nil
	}
	return sel.proxy.Detect(ctx, res.FullPath, res.Path, t, r.cfg.ProxyScale)
}

// Pattern returns the current file pattern.
func (r *Reader) Pattern() sequence.Pattern {
	return r.sel.Load().domain.Pattern()
}

// Stats reports cache activity of the current selection.
type Stats struct {
	Scans       int64 `json:"scans"`
	RoDEntries  int   `json:"rod_entries"`
	RoDComputes int64 `json:"rod_computes"`
	ProxyProbes int64 `json:"proxy_probes"`
}

// Stats returns cache counters of the current selection.
func (r *Reader) Stats() Stats {
	sel := r.sel.Load()
	return Stats{
		Scans:       sel.domain.Scans(),
		RoDEntries:  sel.rod.Len(),
		RoDComputes: sel.rod.Computes(),
		ProxyProbes: sel.proxy.Probes(),
	}
}
