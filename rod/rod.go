// Package rod caches the region of definition of sequence frames.
//
// Header reads are expensive on network storage and hosts ask for the
// region of definition far more often than they render, so each
// (view, frame) is probed at most once per file selection. Failures are
// cached too. For formats whose header cannot be read without decoding,
// the compute function decodes the whole frame and the cache keeps a
// bounded number of those images for the render that follows.
package rod

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/Imagefi/openfx-io/pixel"
)

// Key identifies a frame of one view.
type Key struct {
	View  int
	Frame int
}

// Entry is a cached region of definition.
type Entry struct {
	Bounds image.Rectangle
	PAR    float64
	// Err is the recorded failure of the compute function.
	Err error
	// Image is the decoded frame when the compute function had to decode
	// it. It is shared and must not be modified.
	Image *pixel.Buffer
}

// ComputeFunc produces the entry for a key.
type ComputeFunc func(ctx context.Context) (Entry, error)

// Cache is safe for concurrent use.
type Cache struct {
	maxImages int
	log       *slog.Logger

	mu      sync.RWMutex
	entries map[Key]Entry
	images  []Key

	gen      atomic.Uint64
	group    singleflight.Group
	computes atomic.Int64
}

// New returns an empty cache retaining at most maxImages decoded frames.
func New(maxImages int, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		maxImages: maxImages,
		log:       log.With("component", "rod"),
		entries:   make(map[Key]Entry),
	}
}

// Get returns the cached entry for key.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// GetOrCompute returns the entry for key, calling fn at most once per key
// and selection even under concurrent callers. An error from fn is stored
// and returned on every later call, except context errors, which are
// returned without caching.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, fn ComputeFunc) (Entry, error) {
	if e, ok := c.Get(key); ok {
		return e, e.Err
	}

	gen := c.gen.Load()
	v, err, _ := c.group.Do(fmt.Sprintf("%d/%d/%d", gen, key.View, key.Frame), func() (any, error) {
		if e, ok := c.Get(key); ok {
			return e, nil
		}
		c.computes.Add(1)
		e, err := fn(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			e = Entry{Err: err}
		}
		c.store(gen, key, e)
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	e := v.(Entry)
	return e, e.Err
}

func (c *Cache) store(gen uint64, key Key, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		c.log.Debug("dropping stale region", "view", key.View, "frame", key.Frame)
		return
	}
	kept := e
	if e.Image != nil {
		if c.maxImages <= 0 {
			kept.Image = nil
		} else {
			c.images = append(c.images, key)
			for len(c.images) > c.maxImages {
				old := c.images[0]
				c.images = c.images[1:]
				if oe, ok := c.entries[old]; ok {
					oe.Image = nil
					c.entries[old] = oe
				}
			}
		}
	}
	c.entries[key] = kept
	c.log.Debug("region cached", "view", key.View, "frame", key.Frame, "bounds", e.Bounds, "error", e.Err)
}

// Invalidate drops every entry. Computations already running finish but
// their results are discarded.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	clear(c.entries)
	c.images = nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Computes returns how many times a compute function has run.
func (c *Cache) Computes() int64 { return c.computes.Load() }
