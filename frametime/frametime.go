// Package frametime maps a host render time onto a sequence frame.
//
// The host timeline is shifted into sequence time by the configured frame
// mode, then classified against the [FirstFrame, LastFrame] window of the
// sequence. Times outside the window are resolved by the before/after
// actions: hold the nearest bound, loop, bounce, render black or fail.
package frametime

import (
	"errors"
	"fmt"
	"math"

	"github.com/Imagefi/openfx-io/sequence"
)

// ErrTimeOutOfRange is returned for times outside the sequence when the
// applicable action is ActionError.
var ErrTimeOutOfRange = errors.New("frametime: time out of sequence range")

// Mode selects how host time relates to sequence time.
type Mode int

const (
	// ModeTimeOffset subtracts a fixed offset from host time.
	ModeTimeOffset Mode = iota
	// ModeStartingTime maps host time StartingTime onto FirstFrame. An
	// unset StartingTime follows FirstFrame, so host time equals the frame
	// number.
	ModeStartingTime
)

func (m Mode) String() string {
	if m == ModeStartingTime {
		return "starting-time"
	}
	return "time-offset"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "time-offset", "offset":
		*m = ModeTimeOffset
	case "starting-time", "start":
		*m = ModeStartingTime
	default:
		return fmt.Errorf("frametime: unknown frame mode %q", b)
	}
	return nil
}

// Action is applied to times before the first or after the last frame.
type Action int

const (
	ActionHold Action = iota
	ActionLoop
	ActionBounce
	ActionBlack
	ActionError
)

var actionNames = [...]string{"hold", "loop", "bounce", "black", "error"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actionNames[a]
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	for i, n := range actionNames {
		if n == string(b) {
			*a = Action(i)
			return nil
		}
	}
	return fmt.Errorf("frametime: unknown action %q", b)
}

// Policy bounds the sequence and chooses what happens outside it.
type Policy struct {
	FirstFrame int
	LastFrame  int
	Before     Action
	After      Action
}

// Kind classifies a mapped time.
type Kind int

const (
	Within Kind = iota
	Before
	After
	Black
	Error
)

func (k Kind) String() string {
	switch k {
	case Within:
		return "within"
	case Before:
		return "before"
	case After:
		return "after"
	case Black:
		return "black"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is the outcome of Map. Time is meaningful for Within, Before and
// After.
type Result struct {
	Kind Kind
	Time float64
	// Raw is the sequence time before any action or rounding.
	Raw float64
}

// Err returns ErrTimeOutOfRange for Error results and nil otherwise.
func (r Result) Err() error {
	if r.Kind != Error {
		return nil
	}
	return fmt.Errorf("%w: sequence time %g", ErrTimeOutOfRange, r.Raw)
}

// Frame returns Time as a frame number.
func (r Result) Frame() int { return int(math.Floor(r.Time + 0.5)) }

// Mapper converts host time to sequence time. The zero value maps host
// time 0 onto frame 0 and holds outside [0, 0].
type Mapper struct {
	Mode         Mode
	TimeOffset   int
	StartingTime *int
	Policy       Policy
	// VideoStream keeps fractional sequence times instead of rounding to
	// the nearest frame.
	VideoStream bool
}

// Offset is the amount subtracted from host time to get sequence time.
func (m Mapper) Offset() int {
	if m.Mode == ModeStartingTime {
		if m.StartingTime == nil {
			return 0
		}
		return *m.StartingTime - m.Policy.FirstFrame
	}
	return m.TimeOffset
}

// Validate reports an inverted frame window.
func (m Mapper) Validate() error {
	if m.Policy.FirstFrame > m.Policy.LastFrame {
		return fmt.Errorf("frametime: first frame %d after last frame %d", m.Policy.FirstFrame, m.Policy.LastFrame)
	}
	return nil
}

// Map converts host time t to sequence time and classifies it.
func (m Mapper) Map(t float64) Result {
	seq := t - float64(m.Offset())
	first, last := float64(m.Policy.FirstFrame), float64(m.Policy.LastFrame)
	res := Result{Kind: Within, Time: seq, Raw: seq}

	switch {
	case seq < first:
		res.Kind = Before
		res.Time = m.outside(m.Policy.Before, seq, first, &res)
	case seq > last:
		res.Kind = After
		res.Time = m.outside(m.Policy.After, seq, last, &res)
	}
	if !m.VideoStream && (res.Kind == Within || res.Kind == Before || res.Kind == After) {
		res.Time = math.Floor(res.Time + 0.5)
	}
	return res
}

func (m Mapper) outside(a Action, seq, bound float64, res *Result) float64 {
	first, last := float64(m.Policy.FirstFrame), float64(m.Policy.LastFrame)
	switch a {
	case ActionLoop:
		return first + floorMod(seq-first, last-first+1)
	case ActionBounce:
		span := last - first
		if span == 0 {
			return first
		}
		p := floorMod(seq-first, 2*span)
		if p > span {
			p = 2*span - p
		}
		return first + p
	case ActionBlack:
		res.Kind = Black
	case ActionError:
		res.Kind = Error
	}
	return bound
}

func floorMod(a, b float64) float64 {
	return a - b*math.Floor(a/b)
}

// TimeDomain returns the host time range covering [FirstFrame, LastFrame].
func (m Mapper) TimeDomain() sequence.Range {
	off := m.Offset()
	return sequence.Range{Min: m.Policy.FirstFrame + off, Max: m.Policy.LastFrame + off}
}

// IdentityTime returns a host time that renders exactly like t, letting a
// host reuse a cached frame. It reports false when t is its own best
// answer: black, error and integral in-range times, or any time of a video
// stream inside the range.
func (m Mapper) IdentityTime(t float64) (float64, bool) {
	res := m.Map(t)
	switch res.Kind {
	case Before, After:
	case Within:
		if m.VideoStream || res.Raw == math.Trunc(res.Raw) {
			return 0, false
		}
	default:
		return 0, false
	}
	host := math.Floor(res.Time+0.5) + float64(m.Offset())
	if host == t {
		return 0, false
	}
	return host, true
}
