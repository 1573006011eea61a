// Package sequence discovers the frames of an image sequence on disk and
// the inclusive frame range they cover.
//
// A sequence is selected with a [Pattern] such as "plate.####.exr",
// "plate.%04d.exr" or a concrete member like "plate.0010.exr". Scanning a
// pattern yields a [FileMap] from view and frame to path, and a [Domain]
// caches the range derived from it for the lifetime of one selection.
package sequence

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Sentinel errors for sequence discovery.
var (
	ErrDomainDiscoveryFailed = errors.New("sequence: no frames found")
	ErrNotVideoStream        = errors.New("sequence: not a video stream")
	ErrPattern               = errors.New("sequence: invalid pattern")
)

// DefaultView is the view name used when a pattern is parsed without
// views.
const DefaultView = "main"

var (
	hashRun   = regexp.MustCompile(`#+`)
	printfTok = regexp.MustCompile(`%(0(\d+))?d`)
	digitRun  = regexp.MustCompile(`\d+`)
)

// Pattern describes the filenames of a sequence: a frame number token in
// the base name, optionally padded, and optional view tokens (%V is the
// view name, %v its first letter).
type Pattern struct {
	raw    string
	prefix string
	suffix string
	width  int
	frame  bool
	views  []string
}

// ParsePattern parses s. The frame token is the last "#" run, the last
// printf-style %d verb, or failing both the last digit run of the base
// name, whose length becomes the padding width. A name with none of these
// is a still image.
func ParsePattern(s string, views ...string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty", ErrPattern)
	}
	if len(views) == 0 {
		views = []string{DefaultView}
	}
	p := Pattern{raw: s, views: views}
	dir, base := filepath.Split(s)
	if hashRun.MatchString(dir) || printfTok.MatchString(dir) {
		return Pattern{}, fmt.Errorf("%w: frame token in directory of %q", ErrPattern, s)
	}

	if loc := lastMatch(hashRun, base); loc != nil {
		p.frame, p.width = true, loc[1]-loc[0]
		p.prefix, p.suffix = dir+base[:loc[0]], base[loc[1]:]
		return p, nil
	}
	if loc := printfTok.FindAllStringSubmatchIndex(base, -1); loc != nil {
		m := loc[len(loc)-1]
		p.frame = true
		if m[4] >= 0 {
			w, err := strconv.Atoi(base[m[4]:m[5]])
			if err != nil {
				return Pattern{}, fmt.Errorf("%w: %v", ErrPattern, err)
			}
			p.width = w
		}
		p.prefix, p.suffix = dir+base[:m[0]], base[m[1]:]
		return p, nil
	}
	if loc := lastMatch(digitRun, stripExt(base)); loc != nil {
		p.frame, p.width = true, loc[1]-loc[0]
		p.prefix, p.suffix = dir+base[:loc[0]], base[loc[1]:]
		return p, nil
	}
	p.prefix = s
	return p, nil
}

func lastMatch(re *regexp.Regexp, s string) []int {
	all := re.FindAllStringIndex(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func stripExt(base string) string {
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// String returns the pattern as given to ParsePattern.
func (p Pattern) String() string { return p.raw }

// IsStill reports whether the pattern names a single image with no frame
// number.
func (p Pattern) IsStill() bool { return !p.frame }

// Views returns the view names of the pattern.
func (p Pattern) Views() []string { return p.views }

// ViewName returns the name of view index i, or DefaultView when out of
// range.
func (p Pattern) ViewName(i int) string {
	if i < 0 || i >= len(p.views) {
		return DefaultView
	}
	return p.views[i]
}

// Format returns the path of frame in view index view. Stills ignore the
// frame number.
func (p Pattern) Format(view, frame int) string {
	name := p.ViewName(view)
	prefix, suffix := expandView(p.prefix, name), expandView(p.suffix, name)
	if !p.frame {
		return prefix
	}
	return prefix + formatFrame(frame, p.width) + suffix
}

func formatFrame(frame, width int) string {
	if frame < 0 {
		return "-" + fmt.Sprintf("%0*d", width, -frame)
	}
	return fmt.Sprintf("%0*d", width, frame)
}

func expandView(s, view string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	short := ""
	if view != "" {
		short = view[:1]
	}
	return strings.NewReplacer("%V", view, "%v", short).Replace(s)
}

// matcher returns a regexp matching the base names of view's frames with
// the frame number as the first submatch.
func (p Pattern) matcher(view int) *regexp.Regexp {
	name := p.ViewName(view)
	prefix := filepath.Base(expandView(p.prefix, name) + "x")
	prefix = prefix[:len(prefix)-1]
	suffix := expandView(p.suffix, name)
	return regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `(-?\d+)` + regexp.QuoteMeta(suffix) + "$")
}

// dir returns the directory holding view's frames.
func (p Pattern) dir(view int) string {
	return filepath.Dir(expandView(p.prefix, p.ViewName(view)) + "x")
}
