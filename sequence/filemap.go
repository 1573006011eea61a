package sequence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
)

// Range is an inclusive frame range.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether frame lies in r.
func (r Range) Contains(frame int) bool {
	return frame >= r.Min && frame <= r.Max
}

// Clamp returns frame limited to r.
func (r Range) Clamp(frame int) int {
	return min(max(frame, r.Min), r.Max)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// FileMap maps a view index and frame number to the path of that frame.
type FileMap map[int]map[int]string

// Add records path for view and frame.
func (m FileMap) Add(view, frame int, path string) {
	frames, ok := m[view]
	if !ok {
		frames = make(map[int]string)
		m[view] = frames
	}
	frames[frame] = path
}

// Lookup returns the path of frame in view.
func (m FileMap) Lookup(view, frame int) (string, bool) {
	p, ok := m[view][frame]
	return p, ok
}

// Frames returns the sorted frame numbers present for view.
func (m FileMap) Frames(view int) []int {
	frames := make([]int, 0, len(m[view]))
	for f := range m[view] {
		frames = append(frames, f)
	}
	slices.Sort(frames)
	return frames
}

// Range returns the smallest range covering every frame of every view.
func (m FileMap) Range() (Range, bool) {
	var r Range
	found := false
	for _, frames := range m {
		for f := range frames {
			if !found {
				r, found = Range{f, f}, true
				continue
			}
			r.Min, r.Max = min(r.Min, f), max(r.Max, f)
		}
	}
	return r, found
}

// Len returns the number of files across all views.
func (m FileMap) Len() int {
	n := 0
	for _, frames := range m {
		n += len(frames)
	}
	return n
}

// Scanner lists the files of a sequence.
type Scanner interface {
	Scan(ctx context.Context, p Pattern) (FileMap, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context, p Pattern) (FileMap, error)

func (f ScannerFunc) Scan(ctx context.Context, p Pattern) (FileMap, error) { return f(ctx, p) }

// DirScanner scans the directory named by a pattern for matching files.
// Names whose digit run does not format back to the same name, such as
// differently padded frames, are ignored.
type DirScanner struct{}

// Scan implements Scanner. A missing directory yields an empty map.
func (DirScanner) Scan(ctx context.Context, p Pattern) (FileMap, error) {
	fm := make(FileMap)
	for view := range p.Views() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.IsStill() {
			path := p.Format(view, 1)
			if st, err := os.Stat(path); err == nil && !st.IsDir() {
				fm.Add(view, 1, path)
			}
			continue
		}

		dir := p.dir(view)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
		re := p.matcher(view)
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			m := re.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			frame, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			path := p.Format(view, frame)
			if filepath.Base(path) != e.Name() {
				continue
			}
			fm.Add(view, frame, path)
		}
	}
	return fm, nil
}
