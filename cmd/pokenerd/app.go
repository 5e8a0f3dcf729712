package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"pokenerd/internal/cache"
	"pokenerd/internal/config"
	"pokenerd/internal/fanout"
	"pokenerd/internal/intent"
	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
	"pokenerd/internal/metrics"
	"pokenerd/internal/pokemon"
	"pokenerd/internal/rpc"
	"pokenerd/internal/transport"

	"go.uber.org/zap"
)

// loadConfig reads --config and applies the command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if transportFlag != "" {
		cfg.Server.Transport = strings.ToLower(transportFlag)
	}
	if serverCmd != "" {
		cfg.Server.Command, cfg.Server.Args = transport.ParseCommandLine(serverCmd)
	}
	if baseURL != "" {
		cfg.Server.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.Server.Timeout = timeout.String()
	}
	if noCache {
		cfg.Cache.Backend = cache.BackendNone
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loggingOptions(cfg config.LoggingConfig) logging.Options {
	return logging.Options{
		DebugMode:  cfg.DebugMode,
		Level:      cfg.Level,
		JSONFormat: cfg.JSONFormat(),
		Dir:        cfg.Dir,
		Categories: cfg.Categories,
		Stderr:     verbose,
	}
}

// app holds the wired components for one run.
type app struct {
	cfg       *config.Config
	collector *metrics.Collector
	backing   cache.Backing
	caller    rpc.Caller
	client    *pokemon.Client
	kb        intent.Knowledge
	server    string

	closers []func() error
}

// openApp connects to the server and loads the classifier vocabulary.
func openApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if err := logging.Initialize(loggingOptions(cfg.Logging)); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a := &app{cfg: cfg, collector: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		metricsCtx, stop := context.WithCancel(context.Background())
		a.closers = append(a.closers, func() error { stop(); return nil })
		go func() {
			if err := a.collector.Serve(metricsCtx, cfg.Metrics.Addr); err != nil {
				logger.Warn("Metrics endpoint stopped", zap.Error(err))
			}
		}()
		logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	a.backing, err = cache.Open(ctx, cache.Options{
		Backend:   cfg.Cache.Backend,
		Path:      cfg.Cache.Path,
		RedisAddr: cfg.Cache.RedisAddr,
		RedisDB:   cfg.Cache.RedisDB,
		TTL:       cfg.GetCacheTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cache: %w", cfg.Cache.Backend, err)
	}
	a.closers = append(a.closers, a.backing.Close)

	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	orchestrator := fanout.New(a.caller,
		fanout.WithConcurrency(cfg.FanOut.Concurrency),
		fanout.WithObserver(a.collector),
	)
	a.client = pokemon.New(a.caller,
		pokemon.WithCache(a.backing),
		pokemon.WithToolNames(pokemon.ToolNames{
			Battle:            cfg.Server.Tools.Battle,
			TypeEffectiveness: cfg.Server.Tools.TypeEffectiveness,
			ListMoves:         cfg.Server.Tools.ListMoves,
		}),
		pokemon.WithFanOut(orchestrator, cfg.GetFanOutTimeout()),
	)

	if info, err := a.client.Initialize(ctx); err != nil {
		var remote *jsonrpc.RemoteError
		if !errors.As(err, &remote) {
			return nil, fmt.Errorf("handshake with %s failed: %w", a.server, err)
		}
		logger.Warn("Server rejected initialize, continuing", zap.Error(err))
	} else if info.ServerInfo.Name != "" {
		a.server = info.ServerInfo.Name + " " + info.ServerInfo.Version
	}

	a.kb, err = a.client.LoadKnowledge(ctx)
	if err != nil {
		logger.Warn("Pokémon names unavailable, classifying with types only", zap.Error(err))
		err = nil
	}
	return a, nil
}

// connect builds the caller for the configured transport.
func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Server.Transport {
	case string(transport.ProtocolHTTP):
		a.server = cfg.Server.BaseURL
		rt := transport.NewHTTPTransport(cfg.Server.BaseURL, cfg.GetServerTimeout())
		a.caller = rpc.NewHTTPCaller(rt, cfg.GetServerTimeout(), rpc.WithObserver(a.collector))
		logger.Debug("Using HTTP transport", zap.String("base_url", cfg.Server.BaseURL))
		return nil

	default:
		a.server = strings.Join(append([]string{cfg.Server.Command}, cfg.Server.Args...), " ")
		opts := []transport.StdioOption{
			transport.WithStderr(os.Stderr),
			transport.WithDir(cfg.Server.Dir),
			transport.WithEnv(cfg.Server.Env...),
		}
		if cfg.Server.ReadyLine != "" {
			opts = append(opts, transport.WithReadyLine(cfg.Server.ReadyLine, cfg.GetReadyTimeout()))
		}
		stdio := transport.NewStdioTransport(cfg.Server.Command, cfg.Server.Args, opts...)
		if err := stdio.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", a.server, err)
		}
		a.closers = append(a.closers, stdio.Close)

		correlator := rpc.New(stdio, stdio,
			rpc.WithDefaultTimeout(cfg.GetServerTimeout()),
			rpc.WithObserver(a.collector),
		)
		a.closers = append(a.closers, correlator.Close)
		a.caller = correlator
		logger.Debug("Using stdio transport", zap.String("command", a.server))
		return nil
	}
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	logging.CloseAll()
	return errors.Join(errs...)
}
