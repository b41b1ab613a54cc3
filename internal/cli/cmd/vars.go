package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/berrythewa/abacus/internal/common"
	"github.com/berrythewa/abacus/internal/config"
	"go.uber.org/zap"
)

// Version information, set from main via SetVersionInfo.
var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "none"
)

// SetVersionInfo records build metadata shown by the version command.
func SetVersionInfo(v, bt, c string) {
	version = v
	buildTime = bt
	commit = c
}

// ExitError carries a process exit code. Its message, if any, has already
// been printed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// globals holds the flags and resources shared by one command tree.
type globals struct {
	configFile string
	socket     string
	logLevel   string
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
}

// load reads the configuration, applies flag overrides, and builds the logger.
func (g *globals) load() error {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if g.socket != "" {
		cfg.SocketPath = g.socket
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, level, err := common.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	g.cfg = cfg
	g.logger = logger
	g.level = level
	return nil
}

func (g *globals) configPath() (string, error) {
	if g.configFile != "" {
		return g.configFile, nil
	}
	return config.Path()
}
