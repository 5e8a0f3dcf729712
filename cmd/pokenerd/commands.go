package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pokenerd/internal/cache"
	"pokenerd/internal/config"
	"pokenerd/internal/intent"
	"pokenerd/internal/pokemon"
	"pokenerd/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newSession(cmd *cobra.Command, a *app) *session.Session {
	return session.New(a.client, intent.NewKeywordClassifier(a.kb),
		session.WithHistory(a.backing),
		session.WithRenderer(session.NewRenderer(cmd.OutOrStdout())),
		session.WithServerName(a.server),
	)
}

// runChat starts the interactive session.
func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s := newSession(cmd, a)
	logger.Debug("Session started", zap.String("session", s.ID()), zap.String("server", a.server))

	err = s.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if cfg.Cache.Backend != cache.BackendNone {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s. Replay it with: pokenerd history %s\n", s.ID(), s.ID())
	}
	return err
}

// runAsk answers one question.
func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.Join(args, " ")
	fmt.Fprintln(cmd.OutOrStdout(), newSession(cmd, a).Handle(ctx, question))
	return nil
}

// runTools lists the server's tools.
func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tools, err := a.client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("tools.list failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), session.NewRenderer(cmd.OutOrStdout()).Tools(tools))
	return nil
}

// runTypes prints the type vocabulary without contacting the server.
func runTypes(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), session.NewRenderer(cmd.OutOrStdout()).Types(pokemon.Types))
	return nil
}

// runHistory prints a past session's questions from the history store.
func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Cache.Backend == cache.BackendNone {
		return fmt.Errorf("history is disabled: cache backend is %q", cfg.Cache.Backend)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := cache.Open(ctx, cache.Options{
		Backend:   cfg.Cache.Backend,
		Path:      cfg.Cache.Path,
		RedisAddr: cfg.Cache.RedisAddr,
		RedisDB:   cfg.Cache.RedisDB,
		TTL:       cfg.GetCacheTTL(),
	})
	if err != nil {
		return fmt.Errorf("failed to open %s cache: %w", cfg.Cache.Backend, err)
	}
	defer store.Close()

	entries, err := store.Recent(ctx, args[0], historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), session.NewRenderer(cmd.OutOrStdout()).History(entries))
	return nil
}

// historyLimit bounds the history command's output.
const historyLimit = 50

// runConfigShow prints the effective configuration after file, env and
// flag overrides.
func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// runConfigInit writes the defaults to --config. An existing file is kept.
func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.DefaultConfig().Save(configPath); err != nil {
		return fmt.Errorf("failed to write %s: %w", configPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.Name, cfg.Version)
	return nil
}
