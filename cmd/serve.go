package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/bridge"
	"github.com/nextlevelbuilder/webbrain/internal/cdp"
	"github.com/nextlevelbuilder/webbrain/internal/config"
	"github.com/nextlevelbuilder/webbrain/internal/contracts"
	"github.com/nextlevelbuilder/webbrain/internal/gateway"
	"github.com/nextlevelbuilder/webbrain/internal/kernel"
	"github.com/nextlevelbuilder/webbrain/internal/mcp"
	"github.com/nextlevelbuilder/webbrain/internal/providers"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
	pgstore "github.com/nextlevelbuilder/webbrain/internal/sessionstore/pg"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OTLP trace export (no-op when telemetry is disabled).
	otelShutdown := initOTel(ctx, cfg)
	defer otelShutdown()

	// Config hot reload.
	if err := config.Watch(ctx, cfgPath, cfg, nil); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	dataDir := os.Getenv("WEBBRAIN_DATA_DIR")
	if dataDir == "" {
		dataDir = config.ExpandHome("~/.webbrain/data")
	}
	os.MkdirAll(dataDir, 0o755)

	// Session store: sharded JSON pages by default, Postgres in managed mode.
	var store sessionstore.Store
	snap := cfg.Snapshot()
	if snap.Database.Mode == "managed" && snap.Database.PostgresDSN != "" {
		pg, err := pgstore.New(ctx, snap.Database.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres session store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		slog.Info("session store: postgres (managed mode)")
	} else {
		fs, err := sessionstore.NewFileStore(cfg.SessionsPath(), snap.Sessions.PageSize)
		if err != nil {
			slog.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		store = fs
		slog.Info("session store: file", "dir", cfg.SessionsPath())
	}

	// Provider/hook runtime.
	caps := registry.NewCapabilityRegistry()
	modes := registry.NewModeRegistry()
	hooks := registry.NewHookChain(slog.Default())
	policies := registry.NewPolicyRegistry()
	routes := registry.NewRouteTable()
	regMgr := registry.NewManager(caps, modes, hooks, policies, routes)

	contractsReg := contracts.NewRegistry()

	// Bridge lane: audit log, optional in-process tool server, client.
	auditPath := snap.Audit.Path
	if auditPath == "" {
		auditPath = filepath.Join(dataDir, "audit.db")
	}
	audit, err := bridge.NewSQLiteAudit(auditPath)
	if err != nil {
		slog.Warn("audit log unavailable", "path", auditPath, "error", err)
		audit = nil
	} else {
		defer audit.Close()
	}

	bridgeURL := snap.Bridge.URL
	if snap.Bridge.Listen {
		addr := snap.Bridge.ListenAddr
		if addr == "" {
			addr = "127.0.0.1:18891"
		}
		var auditLogger bridge.AuditLogger
		if audit != nil {
			auditLogger = audit
		}
		bridgeSrv := bridge.NewServer(slog.Default(), bridge.ServerConfig{
			MaxConcurrency: snap.Bridge.MaxConcurrency,
			Token:          snap.Bridge.Token,
		}, auditLogger)
		workspace := config.ExpandHome("~/.webbrain/workspace")
		os.MkdirAll(workspace, 0o755)
		bridge.RegisterLocalTools(bridgeSrv, workspace)

		mux := http.NewServeMux()
		mux.Handle("/bridge", bridgeSrv)
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			slog.Info("bridge server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error("bridge server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		if bridgeURL == "" {
			bridgeURL = "ws://" + addr + "/bridge"
		}
	}

	var bridgeClient *bridge.Client
	if bridgeURL != "" {
		var laneAudit bridge.AuditLogger
		if audit != nil {
			laneAudit = audit
		}
		bridgeClient = bridge.NewClient(slog.Default(), bridge.ClientConfig{
			URL:              bridgeURL,
			Token:            snap.Bridge.Token,
			ReconnectMaxSec:  snap.Bridge.ReconnectMaxSec,
			InvokeTimeoutSec: snap.Bridge.InvokeTimeoutSec,
		}, laneAudit)
		bridgeClient.RegisterProviders(caps)
		bridgeClient.Start(ctx)
		defer bridgeClient.Close()
	}

	// Browser facade.
	var cdpMgr *cdp.Manager
	if snap.Browser.Enabled {
		cdpMgr = cdp.New(cdp.Options{
			Log:        slog.Default(),
			ControlURL: snap.Browser.ControlURL,
			Headless:   snap.Browser.Headless,
			LeaseTTL:   time.Duration(snap.Browser.LeaseTTLSec) * time.Second,
		})
		cdpMgr.RegisterProviders(caps, modes)
		defer cdpMgr.Close()
		slog.Info("browser facade enabled", "headless", snap.Browser.Headless)
	}

	// Kernel.
	var aborter kernel.SessionAborter
	if bridgeClient != nil {
		aborter = bridgeClient
	}
	k := kernel.New(kernel.Options{
		Log:       slog.Default(),
		Config:    cfg,
		Store:     store,
		Registry:  regMgr,
		Contracts: contractsReg,
		Bridge:    aborter,
	})
	registerLLMProviders(k, cfg)
	k.StartIdleSweep(ctx)

	// Bridge status fans out to the event bus.
	if bridgeClient != nil {
		bridgeClient.OnStatus(func(event string, data map[string]any) {
			k.Bus().Emit("", event, data)
		})
	}

	// External MCP tool servers as plugin-backed capability providers.
	if len(snap.MCPServers) > 0 {
		mcpMgr := mcp.NewManager(slog.Default(), regMgr, snap.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp.startup_errors", "error", err)
		}
		defer mcpMgr.Stop()
	}

	// Gateway.
	server := gateway.NewServer(cfg, k)
	server.SetConfigPath(cfgPath)
	if cdpMgr != nil {
		server.SetCDP(cdpMgr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.BroadcastEvent(protocol.EventFrame{Type: "event", Event: protocol.EventShutdown})
		cancel()
	}()

	// Serve the same routes on Tailscale when configured (build with -tags tsnet).
	mux := server.BuildMux()
	if tsCleanup := initTailscale(ctx, cfg, mux); tsCleanup != nil {
		defer tsCleanup()
	}

	slog.Info("webbrain starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"profiles", len(snap.LLM.Profiles),
		"bridge", bridgeURL != "",
		"browser", snap.Browser.Enabled,
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	k.Wait()
}

// registerLLMProviders instantiates one provider client per distinct
// provider name referenced by the configured profiles. Providers are
// hand-rolled chat-completions-compatible HTTP clients; anthropic and
// dashscope get their native clients, everything else goes through the
// OpenAI-compatible client under its own name.
func registerLLMProviders(k *kernel.Kernel, cfg *config.Config) {
	snap := cfg.Snapshot()
	seen := map[string]bool{}
	for _, p := range snap.LLM.Profiles {
		if p.Provider == "" || seen[p.Provider] {
			continue
		}
		seen[p.Provider] = true

		switch p.Provider {
		case "anthropic":
			opts := []providers.AnthropicOption{}
			if p.LLMModel != "" {
				opts = append(opts, providers.WithAnthropicModel(p.LLMModel))
			}
			if p.LLMApiBase != "" {
				opts = append(opts, providers.WithAnthropicBaseURL(p.LLMApiBase))
			}
			k.RegisterLLMProvider("anthropic", providers.NewAnthropicProvider(p.LLMApiKey, opts...))
		case "dashscope":
			k.RegisterLLMProvider("dashscope", providers.NewDashScopeProvider(p.LLMApiKey, p.LLMApiBase, p.LLMModel))
		default:
			k.RegisterLLMProvider(p.Provider, providers.NewOpenAIProvider(p.Provider, p.LLMApiKey, p.LLMApiBase, p.LLMModel))
		}
		slog.Info("llm provider registered", "provider", p.Provider)
	}
}
