//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/webbrain/internal/config"
)

// initTailscale serves the gateway mux on a tsnet listener when
// tailscale.hostname is configured. Build with -tags tsnet to enable.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	snap := cfg.Snapshot()
	ts := snap.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname: ts.Hostname,
		AuthKey:  ts.AuthKey,
		Dir:      config.ExpandHome(ts.StateDir),
	}

	ln, err := srv.Listen("tcp", ":443")
	if err != nil {
		slog.Warn("tailscale listener failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		slog.Info("tailscale listener started", "hostname", ts.Hostname)
		if err := httpSrv.Serve(ln); err != http.ErrServerClosed {
			slog.Warn("tailscale serve ended", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
