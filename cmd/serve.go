package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/gateway"
	"github.com/nextlevelbuilder/agentcore/internal/httpapi"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store/jsonl"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
)

// runServe wires every component of the runtime core and blocks until an
// interrupt signal or a fatal subsystem error. It is the single entry
// point for the "serve" (and bare) commands.
func runServe() error {
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
		return fmt.Errorf("load config: %w", err)
	}

	st, err := jsonl.Open(cfg.Storage.Path, 0)
	if err != nil {
		return fmt.Errorf("open session store at %s: %w", cfg.Storage.Path, err)
	}

	sessCfg := sessions.DefaultConfig()
	sm := sessions.NewManager(st, sessCfg)

	b := bus.New(256)

	providerRegistry := providers.NewRegistry()
	registerProviders(providerRegistry, cfg)
	defaultProvider, err := providerRegistry.Get("")
	if err != nil {
		return fmt.Errorf("no usable LLM provider configured: %w", err)
	}

	toolRegistry := tools.NewRegistry()
	executor := tools.NewExecutor()
	builtins := tools.NewBuiltinTools(cfg.Storage.Path, executor)
	for _, def := range builtins.Defs() {
		toolRegistry.Register(def)
	}
	invoker := tools.NewInvoker(toolRegistry, executor, builtins)

	var watcher *tools.Watcher
	if cfg.Skills.Enabled {
		for _, dir := range cfg.Skills.Directories {
			w, err := tools.NewWatcher(dir, toolRegistry)
			if err != nil {
				slog.Warn("skill watcher setup failed", "dir", dir, "error", err)
				continue
			}
			if err := w.LoadAll(); err != nil {
				slog.Warn("initial skill scan failed", "dir", dir, "error", err)
			}
			watcher = w
		}
	}

	loopCfg := agent.DefaultConfig()
	loopCfg.MaxRounds = cfg.Agent.MaxRounds
	loopCfg.SystemPrompt = cfg.Agent.SystemPrompt
	loopCfg.Model = defaultProvider.DefaultModel()
	if cfg.Agent.TimeoutSeconds > 0 {
		loopCfg.ToolTimeout = time.Duration(cfg.Agent.TimeoutSeconds) * time.Second
	}
	loop := agent.New(sm, b, defaultProvider, invoker, toolRegistry, loopCfg)
	runner := agent.NewRunner(b, loop)

	gwCfg := gateway.DefaultConfig()
	gwCfg.BindAddr = cfg.Gateway.Bind
	gwCfg.AuthToken = cfg.Gateway.AuthToken
	gwCfg.MaxConnections = cfg.Gateway.MaxConnections
	if cfg.Gateway.HeartbeatIntervalSecs > 0 {
		gwCfg.HeartbeatInterval = time.Duration(cfg.Gateway.HeartbeatIntervalSecs) * time.Second
	}
	gwServer := gateway.NewServer(gwCfg, b, sm)

	mux := gwServer.BuildMux()
	apiServer := httpapi.New(sm, b)
	apiServer.RegisterRoutes(mux)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("skill watcher stopped", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	defer sm.Stop()

	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sm.RunBackgroundSweeps(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("gateway listening", "addr", gwCfg.BindAddr)
		return gwServer.Start(gctx)
	})

	g.Go(func() error {
		slog.Info("http api listening", "addr", httpAddr)
		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
