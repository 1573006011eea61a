package preview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/Imagefi/openfx-io/frametime"
	"github.com/Imagefi/openfx-io/internal/wire"
	"github.com/Imagefi/openfx-io/pixel"
	"github.com/Imagefi/openfx-io/reader"
	"github.com/Imagefi/openfx-io/resolve"
	"github.com/Imagefi/openfx-io/sequence"
)

// renderFrame renders the whole frame at t, reduced by the power of two
// nearest to scale, as premultiplied RGBA. Bands of BandHeight rows render
// concurrently into the same buffer.
func (s *Server) renderFrame(ctx context.Context, rd *reader.Reader, t float64, view int, scale float64, depth pixel.Depth) (*pixel.Buffer, error) {
	rod, err := rd.RegionOfDefinition(ctx, t, view)
	if err != nil {
		return nil, err
	}
	window := pixel.DownscalePow2Enclosing(rod, pixel.LevelFromScale(scale))
	buf := pixel.NewBuffer(window, pixel.ComponentsRGBA, depth)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxParallel)
	for y := window.Min.Y; y < window.Max.Y; y += s.config.BandHeight {
		band := image.Rect(window.Min.X, y, window.Max.X, min(y+s.config.BandHeight, window.Max.Y))
		g.Go(func() error {
			return rd.Render(gctx, reader.RenderArgs{Time: t, View: view, Window: band, Scale: scale, Dst: buf})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log.Debug("frame rendered", "time", t, "view", view, "window", window, "bands", (window.Dy()+s.config.BandHeight-1)/s.config.BandHeight)
	return buf, nil
}

func (s *Server) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	sess, ctx, done := s.session(w, r)
	if sess == nil {
		return
	}
	defer done()
	t, view, ok := timeAndView(w, r)
	if !ok {
		return
	}
	scale, ok := scaleParam(w, r)
	if !ok {
		return
	}

	buf, err := s.renderFrame(ctx, sess.Reader, t, view, scale, pixel.Depth8)
	if s.renderFailed(w, err, t) {
		return
	}
	img := &image.RGBA{Pix: buf.Pix, Stride: buf.Stride, Rect: buf.Bounds}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame-Window", windowHeader(buf.Bounds))
	if err := png.Encode(w, img); err != nil {
		s.log.Warn("writing frame", "time", t, "error", err)
	}
}

func (s *Server) handleFrameRaw(w http.ResponseWriter, r *http.Request) {
	sess, ctx, done := s.session(w, r)
	if sess == nil {
		return
	}
	defer done()
	t, view, ok := timeAndView(w, r)
	if !ok {
		return
	}
	scale, ok := scaleParam(w, r)
	if !ok {
		return
	}
	depth := pixel.DepthFloat
	switch r.URL.Query().Get("depth") {
	case "", "float":
	case "8":
		depth = pixel.Depth8
	case "16":
		depth = pixel.Depth16
	default:
		writeError(w, http.StatusBadRequest, "depth must be 8, 16 or float")
		return
	}
	compress := r.URL.Query().Get("compress") != "none"

	buf, err := s.renderFrame(ctx, sess.Reader, t, view, scale, depth)
	if s.renderFailed(w, err, t) {
		return
	}
	data, err := wire.Encode(buf, buf.Bounds, compress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Frame-Window", windowHeader(buf.Bounds))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		s.log.Warn("writing tile", "time", t, "error", err)
	}
}

// renderFailed writes the response for a failed render and reports
// whether there was one. Black frames have no content.
func (s *Server) renderFailed(w http.ResponseWriter, err error, t float64) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, reader.ErrBlack):
		w.WriteHeader(http.StatusNoContent)
	default:
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			s.log.Error("render failed", "time", t, "error", err)
		}
		writeError(w, code, err.Error())
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, frametime.ErrTimeOutOfRange),
		errors.Is(err, resolve.ErrMissingFrame),
		errors.Is(err, sequence.ErrDomainDiscoveryFailed):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, reader.ErrDecodeFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func scaleParam(w http.ResponseWriter, r *http.Request) (float64, bool) {
	v := r.URL.Query().Get("scale")
	if v == "" {
		return 1, true
	}
	scale, err := strconv.ParseFloat(v, 64)
	if err != nil || scale <= 0 || scale > 1 {
		writeError(w, http.StatusBadRequest, "scale must be in (0, 1]")
		return 0, false
	}
	return scale, true
}

func windowHeader(r image.Rectangle) string {
	return fmt.Sprintf("%d,%d,%d,%d", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
}
