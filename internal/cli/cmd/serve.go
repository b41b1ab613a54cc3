package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/berrythewa/abacus/internal/common"
	"github.com/berrythewa/abacus/internal/config"
	"github.com/berrythewa/abacus/internal/daemon"
	"github.com/berrythewa/abacus/internal/engine"
	"github.com/berrythewa/abacus/internal/history"
	"github.com/berrythewa/abacus/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveOptions struct {
	journal bool
	detach  bool
}

func runServer(cmd *cobra.Command, g *globals, opts *serveOptions) error {
	defer g.logger.Sync()

	if opts.detach && os.Getenv(daemon.DetachedEnv) == "" {
		pid, err := daemon.Detach(os.Args[1:], g.cfg.Log.File)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "abacusd started in the background with PID %d\n", pid)
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, g, opts)
}

// serve wires the daemon from the loaded configuration and runs it until ctx
// is cancelled.
func serve(ctx context.Context, g *globals, opts *serveOptions) error {
	cfg := g.cfg
	logger := g.logger

	dcfg := daemon.DispatcherConfig{
		Engine:      engine.NewExpr(engine.WithMaxNodes(cfg.Engine.MaxNodes)),
		History:     history.New(history.DefaultCapacity),
		EvalTimeout: cfg.Engine.EvalTimeout,
		Logger:      logger.Named("dispatcher"),
	}

	if opts.journal || cfg.Journal.Enabled {
		j, err := storage.OpenJournal(storage.JournalConfig{
			Path:       cfg.Journal.Path,
			MaxEntries: cfg.Journal.MaxEntries,
			Logger:     logger.Named("journal"),
		})
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		dcfg.Journal = j
		logger.Info("Journal enabled", zap.String("path", cfg.Journal.Path))
	}

	srv := daemon.NewServer(daemon.ServerConfig{
		SocketPath:   cfg.SocketPath,
		SocketMode:   cfg.Server.SocketMode,
		PollInterval: cfg.Server.PollInterval,
		IOTimeout:    cfg.Server.IOTimeout,
		PIDFile:      cfg.PIDFile,
	}, daemon.NewDispatcher(dcfg), logger.Named("server"))

	if path, err := g.configPath(); err == nil {
		go watchConfig(ctx, path, g)
	}

	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			logger.Error("Another abacusd is already serving this socket", zap.String("socket", cfg.SocketPath))
		}
		return err
	}
	return nil
}

// watchConfig applies log level changes from the config file while running.
// Other settings take effect on restart.
func watchConfig(ctx context.Context, path string, g *globals) {
	err := config.Watch(ctx, path, func(cfg *config.Config) {
		level := common.ParseLevel(cfg.Log.Level)
		if g.logLevel != "" || level == g.level.Level() {
			return
		}
		g.logger.Info("Log level changed", zap.Stringer("from", g.level.Level()), zap.Stringer("to", level))
		g.level.SetLevel(level)
	}, func(err error) {
		g.logger.Warn("Failed to reload config", zap.Error(err))
	})
	if err != nil {
		g.logger.Debug("Config watcher not running", zap.String("path", path), zap.Error(err))
	}
}
