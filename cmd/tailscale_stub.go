//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/webbrain/internal/config"
)

// initTailscale is compiled out without -tags tsnet; configuring a hostname
// without the tag gets a hint instead of silence.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) func() {
	if cfg.Snapshot().Tailscale.Hostname != "" {
		slog.Warn("tailscale.hostname configured but binary built without -tags tsnet")
	}
	return nil
}
