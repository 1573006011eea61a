// Package resolve turns a sequence time into the path of a file on disk,
// substituting a proxy file when one is requested and available, and
// applying the missing-frame policy when the exact frame is absent.
package resolve

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/Imagefi/openfx-io/sequence"
)

// ErrMissingFrame is returned when the file for a frame does not exist and
// the policy does not recover.
var ErrMissingFrame = errors.New("resolve: missing frame")

// MaxSearch is how many frames away from the requested one the
// nearest-frame policies look.
const MaxSearch = 100

// MissingPolicy chooses what happens when the file for a frame is absent.
type MissingPolicy int

const (
	MissingError MissingPolicy = iota
	MissingBlack
	// MissingNearest uses the closest existing frame, the earlier one on
	// ties.
	MissingNearest
	// MissingPrevious uses the closest earlier frame.
	MissingPrevious
	// MissingNext uses the closest later frame.
	MissingNext
)

var missingNames = [...]string{"error", "black", "nearest", "previous", "next"}

func (p MissingPolicy) String() string {
	if p < 0 || int(p) >= len(missingNames) {
		return fmt.Sprintf("MissingPolicy(%d)", int(p))
	}
	return missingNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p MissingPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *MissingPolicy) UnmarshalText(b []byte) error {
	for i, n := range missingNames {
		if n == string(b) {
			*p = MissingPolicy(i)
			return nil
		}
	}
	if string(b) == "hold-nearest" {
		*p = MissingNearest
		return nil
	}
	return fmt.Errorf("resolve: unknown missing frame policy %q", b)
}

// Outcome distinguishes how a time was resolved.
type Outcome int

const (
	FullRes Outcome = iota
	Proxy
	Black
	Failed
)

func (o Outcome) String() string {
	switch o {
	case FullRes:
		return "full-res"
	case Proxy:
		return "proxy"
	case Black:
		return "black"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Resolution is the result of Resolve. Path and Frame are set for FullRes
// and Proxy. FullPath is the full-resolution file of the same frame,
// which differs from Path only for Proxy.
type Resolution struct {
	Outcome  Outcome
	Path     string
	FullPath string
	Frame    int
}

// Resolver looks frames up in the file maps of a discovered sequence.
type Resolver struct {
	Files   sequence.FileMap
	Proxy   sequence.FileMap
	Pattern sequence.Pattern
	First   int
	Last    int
	Missing MissingPolicy
	// Video resolves every time to the pattern itself.
	Video bool
	// Stat reports whether path exists; nil uses os.Stat.
	Stat func(path string) bool
}

func (r *Resolver) exists(path string) bool {
	if r.Stat != nil {
		return r.Stat(path)
	}
	_, err := os.Stat(path)
	return err == nil
}

// Resolve returns the file for seqTime in view. Failed resolutions carry an
// error wrapping ErrMissingFrame that names the expected path.
func (r *Resolver) Resolve(seqTime float64, view int, useProxy bool) (Resolution, error) {
	frame := int(math.Floor(seqTime + 0.5))
	if r.Video {
		p := r.Pattern.String()
		return Resolution{Outcome: FullRes, Path: p, FullPath: p, Frame: frame}, nil
	}
	if _, ok := r.Files[view]; !ok {
		view = 0
	}

	if res, ok := r.at(view, frame, useProxy); ok {
		return res, nil
	}

	var step func(d int) []int
	switch r.Missing {
	case MissingBlack:
		return Resolution{Outcome: Black, Frame: frame}, nil
	case MissingNearest:
		step = func(d int) []int { return []int{frame - d, frame + d} }
	case MissingPrevious:
		step = func(d int) []int { return []int{frame - d} }
	case MissingNext:
		step = func(d int) []int { return []int{frame + d} }
	}
	if step != nil {
		for d := 1; d <= MaxSearch; d++ {
			for _, f := range step(d) {
				if f < r.First || f > r.Last {
					continue
				}
				if res, ok := r.at(view, f, useProxy); ok {
					return res, nil
				}
			}
		}
	}
	return Resolution{Outcome: Failed, Frame: frame}, fmt.Errorf("%w: %s (frame %d)", ErrMissingFrame, r.expected(view, frame), frame)
}

func (r *Resolver) at(view, frame int, useProxy bool) (Resolution, bool) {
	full, ok := r.Files.Lookup(view, frame)
	if !ok || !r.exists(full) {
		return Resolution{}, false
	}
	if useProxy {
		if p, ok := r.proxyPath(view, frame); ok {
			return Resolution{Outcome: Proxy, Path: p, FullPath: full, Frame: frame}, true
		}
	}
	return Resolution{Outcome: FullRes, Path: full, FullPath: full, Frame: frame}, true
}

func (r *Resolver) proxyPath(view, frame int) (string, bool) {
	if r.Proxy == nil {
		return "", false
	}
	if _, ok := r.Proxy[view]; !ok {
		view = 0
	}
	p, ok := r.Proxy.Lookup(view, frame)
	if !ok || !r.exists(p) {
		return "", false
	}
	return p, true
}

func (r *Resolver) expected(view, frame int) string {
	if p, ok := r.Files.Lookup(view, frame); ok {
		return p
	}
	if r.Pattern.String() == "" {
		return "<no pattern>"
	}
	return r.Pattern.Format(view, frame)
}
