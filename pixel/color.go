package pixel

import (
	"context"
	"image"
)

// ColorTransform converts pixels between a file-native color space and the
// working space. Implementations expect unpremultiplied data and work in
// place on a float buffer.
type ColorTransform interface {
	// IsIdentity reports whether Apply at time t would leave pixels
	// unchanged, letting callers skip the float round trip.
	IsIdentity(t float64) bool
	Apply(ctx context.Context, t float64, window image.Rectangle, buf *Buffer) error
}

// Identity is the pass-through ColorTransform.
type Identity struct{}

func (Identity) IsIdentity(float64) bool { return true }

func (Identity) Apply(context.Context, float64, image.Rectangle, *Buffer) error { return nil }

// IsIdentityTransform reports whether ct is nil or an identity at t.
func IsIdentityTransform(ct ColorTransform, t float64) bool {
	return ct == nil || ct.IsIdentity(t)
}
