// Package preview serves opened image sequences over HTTPS and HTTP/3 so
// that resolution and rendering can be inspected from a browser or curl.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/Imagefi/openfx-io/certs"
	"github.com/Imagefi/openfx-io/internal/session"
	"github.com/Imagefi/openfx-io/reader"
	"github.com/Imagefi/openfx-io/sequence"
)

// Defaults for ServerConfig.
const (
	DefaultBandHeight  = 64
	DefaultMaxParallel = 4
)

// OpenFunc creates a reader for a sequence pattern posted to the API.
type OpenFunc func(ctx context.Context, file string) (*reader.Reader, error)

// ServerConfig holds the preview server settings.
type ServerConfig struct {
	// H3Addr is the UDP address of the HTTP/3 listener.
	H3Addr   string
	Cert     *certs.Certificate
	Sessions *session.Manager
	// Open enables POST /api/sequences; nil disables it.
	Open OpenFunc
	// BandHeight is the height of the horizontal bands frames are rendered
	// in; MaxParallel bounds how many render at once.
	BandHeight  int
	MaxParallel int
	Log         *slog.Logger
}

// Server renders frames of the sessions in its manager.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer validates config and returns a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("preview: Cert is required")
	}
	if config.Sessions == nil {
		return nil, errors.New("preview: Sessions is required")
	}
	if config.BandHeight <= 0 {
		config.BandHeight = DefaultBandHeight
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultMaxParallel
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{config: config, log: log.With("component", "preview")}

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	s.h3 = &http3.Server{
		Addr:      config.H3Addr,
		Handler:   corsMiddleware(mux),
		TLSConfig: http3.ConfigureTLSConfig(config.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}
	return s, nil
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sequences", s.handleList)
	mux.HandleFunc("POST /api/sequences", s.handleOpen)
	mux.HandleFunc("GET /api/sequences/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sequences/{id}", s.handleClose)
	mux.HandleFunc("GET /api/sequences/{id}/resolve/{time}", s.handleResolve)
	mux.HandleFunc("GET /api/sequences/{id}/rod/{time}", s.handleRoD)
	mux.HandleFunc("GET /api/sequences/{id}/frames/{time}", s.handleFramePNG)
	mux.HandleFunc("GET /api/sequences/{id}/frames/{time}/raw", s.handleFrameRaw)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// APIHandler returns the handler for the HTTPS listener. Responses
// advertise the HTTP/3 endpoint through Alt-Svc.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(s.altSvcMiddleware(mux))
}

func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.H3Addr != "" {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header unavailable", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// Start serves HTTP/3 until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.config.H3Addr == "" {
		return errors.New("preview: H3Addr is required")
	}
	s.log.Info("HTTP/3 server listening", "addr", s.config.H3Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// SequenceInfo summarizes an open session.
type SequenceInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Pattern  string    `json:"pattern"`
	Still    bool      `json:"still"`
	OpenedAt time.Time `json:"openedAt"`
}

// SequenceDetail adds the discovered ranges and cache counters.
type SequenceDetail struct {
	SequenceInfo
	Domain     *sequence.Range `json:"domain,omitempty"`
	Original   bool            `json:"original"`
	TimeDomain *sequence.Range `json:"timeDomain,omitempty"`
	Error      string          `json:"error,omitempty"`
	Stats      reader.Stats    `json:"stats"`
}

func info(sess *session.Session) SequenceInfo {
	p := sess.Reader.Pattern()
	return SequenceInfo{
		ID:       sess.ID,
		Name:     sess.Name,
		Pattern:  p.String(),
		Still:    p.IsStill(),
		OpenedAt: sess.OpenedAt,
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	resp := make([]SequenceInfo, 0)
	for _, sess := range s.config.Sessions.List() {
		resp = append(resp, info(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if s.config.Open == nil {
		writeError(w, http.StatusNotImplemented, "opening sequences is disabled")
		return
	}
	var req struct {
		File string `json:"file"`
		Name string `json:"name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.File == "" {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	rd, err := s.config.Open(r.Context(), req.File)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = req.File
	}
	writeJSON(w, http.StatusCreated, info(s.config.Sessions.Open(req.Name, rd)))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if !s.config.Sessions.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "sequence not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ctx, done := s.session(w, r)
	if sess == nil {
		return
	}
	defer done()

	detail := SequenceDetail{SequenceInfo: info(sess)}
	rng, original, err := sess.Reader.SequenceDomain(ctx)
	if err != nil {
		detail.Error = err.Error()
	} else {
		detail.Domain, detail.Original = &rng, original
		if td, err := sess.Reader.TimeDomain(ctx); err == nil {
			detail.TimeDomain = &td
		}
	}
	detail.Stats = sess.Reader.Stats()
	writeJSON(w, http.StatusOK, detail)
}

type resolveResponse struct {
	Time         float64 `json:"time"`
	Outcome      string  `json:"outcome"`
	Frame        int     `json:"frame"`
	Path         string  `json:"path,omitempty"`
	FullPath     string  `json:"fullPath,omitempty"`
	IdentityTime float64 `json:"identityTime,omitempty"`
	HasIdentity  bool    `json:"hasIdentity"`
	Error        string  `json:"error,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	sess, ctx, done := s.session(w, r)
	if sess == nil {
		return
	}
	defer done()
	t, view, ok := timeAndView(w, r)
	if !ok {
		return
	}

	res, err := sess.Reader.ResolveFilename(ctx, t, view)
	resp := resolveResponse{Time: t, Outcome: res.Outcome.String(), Frame: res.Frame, Path: res.Path, FullPath: res.FullPath}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	if it, ok, err := sess.Reader.IdentityTime(ctx, t); err == nil && ok {
		resp.IdentityTime, resp.HasIdentity = it, true
	}
	writeJSON(w, http.StatusOK, resp)
}

type rodResponse struct {
	Black bool `json:"black"`
	MinX  int  `json:"minX"`
	MinY  int  `json:"minY"`
	MaxX  int  `json:"maxX"`
	MaxY  int  `json:"maxY"`
}

func (s *Server) handleRoD(w http.ResponseWriter, r *http.Request) {
	sess, ctx, done := s.session(w, r)
	if sess == nil {
		return
	}
	defer done()
	t, view, ok := timeAndView(w, r)
	if !ok {
		return
	}

	rect, err := sess.Reader.RegionOfDefinition(ctx, t, view)
	switch {
	case errors.Is(err, reader.ErrBlack):
		writeJSON(w, http.StatusOK, rodResponse{Black: true})
	case err != nil:
		writeError(w, statusFor(err), err.Error())
	default:
		writeJSON(w, http.StatusOK, rodResponse{MinX: rect.Min.X, MinY: rect.Min.Y, MaxX: rect.Max.X, MaxY: rect.Max.Y})
	}
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.H3Addr,
	})
}

// session looks up the {id} session and returns a request context that is
// also cancelled when the session is closed.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, context.Context, func()) {
	sess, ok := s.config.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "sequence not found")
		return nil, nil, nil
	}
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(sess.Context(), cancel)
	return sess, ctx, func() {
		stop()
		cancel()
	}
}

func timeAndView(w http.ResponseWriter, r *http.Request) (float64, int, bool) {
	t, err := strconv.ParseFloat(r.PathValue("time"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time")
		return 0, 0, false
	}
	view := 0
	if v := r.URL.Query().Get("view"); v != "" {
		if view, err = strconv.Atoi(v); err != nil || view < 0 {
			writeError(w, http.StatusBadRequest, "invalid view")
			return 0, 0, false
		}
	}
	return t, view, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
