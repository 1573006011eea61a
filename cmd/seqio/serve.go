package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Imagefi/openfx-io/certs"
	"github.com/Imagefi/openfx-io/config"
	"github.com/Imagefi/openfx-io/internal/session"
	"github.com/Imagefi/openfx-io/preview"
	"github.com/Imagefi/openfx-io/reader"
)

func runServe(ctx context.Context, args []string) error {
	fs, c := newFlagSet("serve")
	hosts := fs.String("hosts", "", "comma-separated certificate hosts (default localhost)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return err
		}
	}
	if c.file != "" {
		cfg.Sequence.File = c.file
	}

	slog.Info("generating self-signed certificate")
	opts := certs.Options{}
	if *hosts != "" {
		opts.Hosts = strings.Split(*hosts, ",")
	}
	cert, err := certs.Generate(opts)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.Leaf.NotAfter.Format(time.RFC3339),
	)

	// Sequences opened through the API share the file's settings.
	open := func(_ context.Context, file string) (*reader.Reader, error) {
		fc := cfg
		fc.Sequence.File = file
		return openReader(fc)
	}

	sessions := session.NewManager(nil)
	defer sessions.Close()
	if cfg.Sequence.File != "" {
		rd, err := openReader(cfg)
		if err != nil {
			return err
		}
		sessions.Open(cfg.Sequence.File, rd)
	}

	apiAddr := envOr("SEQIO_API_ADDR", cfg.Preview.APIAddr)
	h3Addr := envOr("SEQIO_H3_ADDR", cfg.Preview.H3Addr)

	srv, err := preview.NewServer(preview.ServerConfig{
		H3Addr:      h3Addr,
		Cert:        cert,
		Sessions:    sessions,
		Open:        open,
		BandHeight:  cfg.Preview.BandHeight,
		MaxParallel: cfg.Preview.MaxParallel,
	})
	if err != nil {
		return err
	}

	slog.Info("seqio starting",
		"version", version,
		"api", apiAddr,
		"h3", h3Addr,
		"cert_hash", cert.FingerprintBase64(),
	)

	apiSrv := &http.Server{
		Addr:      apiAddr,
		Handler:   srv.APIHandler(),
		TLSConfig: cert.TLSConfig(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return srv.Start(ctx)
	})

	return g.Wait()
}
