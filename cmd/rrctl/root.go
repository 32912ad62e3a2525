package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"regexrailroad/internal/config"
	"regexrailroad/internal/dispatch"
	"regexrailroad/internal/logging"
	"regexrailroad/internal/preview"
	"regexrailroad/internal/session"
)

// cliKey anchors the single session and preview rrctl uses.
const cliKey = "rrctl"

var (
	flagConfig  string
	flagWorker  string
	flagPolicy  string
	flagFile    string
	flagTimeout time.Duration
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "rrctl",
	Short: "Render regular expressions as railroad diagrams in the terminal",
	Long: `rrctl starts the regex-railroad worker, sends it a pattern and prints
the result sized to the terminal the same way the editor preview is sized.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/regex-railroad/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagWorker, "worker", "", "worker executable (overrides worker.path)")
	rootCmd.PersistentFlags().StringVar(&flagPolicy, "policy", "", "placement policy: default or bordered (overrides preview.policy)")
	rootCmd.PersistentFlags().StringVarP(&flagFile, "file", "f", "", "filename passed to the worker to select the regex flavor")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 0, "request timeout (overrides worker.request_timeout)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log to stderr at DEBUG")
}

// env is everything one command needs. close releases the worker.
type env struct {
	cfg        *config.Config
	logger     *logging.Logger
	registry   *session.Registry
	previews   *preview.Manager
	dispatcher *dispatch.Dispatcher
	surface    *terminalSurface
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(flagConfig).Load()
	if err != nil {
		return nil, err
	}
	if flagWorker != "" {
		cfg.Worker.Path = flagWorker
	}
	if flagPolicy != "" {
		cfg.Preview.Policy = flagPolicy
	}
	if flagTimeout > 0 {
		cfg.Worker.RequestTimeout = flagTimeout
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs[0]
	}
	return cfg, nil
}

func newEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := logging.LevelError
	if flagVerbose {
		level = logging.LevelDebug
	}
	logger := logging.New(os.Stderr, level)

	registry := session.NewRegistry(session.Options{
		Resolver:         session.InstallingResolver(session.PathResolver(cfg.Worker.Path, config.DefaultExecutable), cfg.Worker.Installer),
		GracefulTimeout:  cfg.Worker.GracefulTimeout,
		HandshakeTimeout: cfg.Worker.HandshakeTimeout,
		StderrLines:      cfg.Worker.StderrLines,
		Logger:           logger,
	})

	surface := newTerminalSurface(os.Stdout)
	previews := preview.NewManager(surface, preview.Options{
		Policy: preview.ParsePolicy(cfg.Preview.Policy),
		Logger: logger,
	})

	return &env{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		previews:   previews,
		dispatcher: dispatch.New(dispatch.FromRegistry(registry), previews, cfg.Worker.RequestTimeout, logger),
		surface:    surface,
	}, nil
}

func (e *env) request(text string) dispatch.Request {
	return dispatch.Request{Key: cliKey, Filename: flagFile, Text: text}
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Worker.GracefulTimeout+time.Second)
	defer cancel()
	if err := e.registry.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker did not exit: %v\n", err)
	}
}
