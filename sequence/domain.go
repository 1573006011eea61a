package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// VideoProber reports whether a path is a container whose frame range
// comes from the stream itself rather than from files on disk.
type VideoProber interface {
	IsVideoStream(path string) bool
	// TimeDomain returns ErrNotVideoStream when the path has no
	// intrinsic frame range.
	TimeDomain(ctx context.Context, path string) (Range, error)
}

// Domain holds the frame range of one sequence selection. The first
// Discover populates it; later calls return the cached range or error
// without touching the filesystem until Reset.
type Domain struct {
	pattern Pattern
	scanner Scanner
	video   VideoProber
	log     *slog.Logger

	mu      sync.Mutex
	done    atomic.Bool
	rng     Range
	files   FileMap
	isVideo bool
	err     error

	original atomic.Pointer[Range]
	scans    atomic.Int64
}

// NewDomain creates an undiscovered domain. video may be nil.
func NewDomain(p Pattern, scanner Scanner, video VideoProber, log *slog.Logger) *Domain {
	if scanner == nil {
		scanner = DirScanner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Domain{
		pattern: p,
		scanner: scanner,
		video:   video,
		log:     log.With("component", "sequence", "pattern", p.String()),
	}
}

// Pattern returns the selected pattern.
func (d *Domain) Pattern() Pattern { return d.pattern }

// Discover returns the frame range, populating it on first use. When
// persist is set and no original range has been recorded yet, the range
// becomes the original range of the selection. Context errors are not
// cached.
func (d *Domain) Discover(ctx context.Context, persist bool) (Range, error) {
	if !d.done.Load() {
		d.mu.Lock()
		if !d.done.Load() {
			if err := d.populate(ctx); err != nil && ctx.Err() != nil {
				d.err = nil
				d.mu.Unlock()
				return Range{}, err
			}
			d.done.Store(true)
		}
		d.mu.Unlock()
	}
	if d.err != nil {
		return Range{}, d.err
	}
	if persist {
		r := d.rng
		d.original.CompareAndSwap(nil, &r)
	}
	return d.rng, nil
}

// populate must be called with mu held.
func (d *Domain) populate(ctx context.Context) error {
	if d.video != nil && d.video.IsVideoStream(d.pattern.String()) {
		r, err := d.video.TimeDomain(ctx, d.pattern.String())
		switch {
		case err == nil:
			d.rng, d.isVideo = r, true
			d.files = FileMap{}
			d.log.Debug("video time domain", "range", r)
			return nil
		case !errors.Is(err, ErrNotVideoStream):
			d.err = fmt.Errorf("%w: %s: %w", ErrDomainDiscoveryFailed, d.pattern, err)
			return err
		}
	}

	d.scans.Add(1)
	files, err := d.scanner.Scan(ctx, d.pattern)
	if err != nil {
		d.err = fmt.Errorf("%w: %s: %w", ErrDomainDiscoveryFailed, d.pattern, err)
		return err
	}
	r, ok := files.Range()
	if !ok {
		d.err = fmt.Errorf("%w: %s", ErrDomainDiscoveryFailed, d.pattern)
		d.files = files
		d.log.Warn("no files match sequence")
		return d.err
	}
	d.rng, d.files = r, files
	d.log.Debug("sequence discovered", "range", r, "files", files.Len())
	return nil
}

// IsVideo reports whether the range came from a video stream. Valid after
// a successful Discover.
func (d *Domain) IsVideo() bool {
	if !d.done.Load() {
		return false
	}
	return d.isVideo
}

// Files returns the discovered file map, or nil before discovery.
func (d *Domain) Files() FileMap {
	if !d.done.Load() {
		return nil
	}
	return d.files
}

// Original returns the range recorded by the first persistent Discover.
func (d *Domain) Original() (Range, bool) {
	r := d.original.Load()
	if r == nil {
		return Range{}, false
	}
	return *r, true
}

// Reset discards the discovered range, files and original range.
func (d *Domain) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done.Store(false)
	d.rng, d.files, d.isVideo, d.err = Range{}, nil, false, nil
	d.original.Store(nil)
}

// Scans returns how many filesystem scans this domain has performed.
func (d *Domain) Scans() int64 { return d.scans.Load() }
