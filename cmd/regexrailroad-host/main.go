// Command regexrailroad-host is the Neovim remote plugin host. It keeps
// one worker per buffer and shows railroad diagrams in floating windows.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"

	"regexrailroad/internal/config"
	"regexrailroad/internal/dispatch"
	"regexrailroad/internal/logging"
	"regexrailroad/internal/nvimhost"
	"regexrailroad/internal/preview"
	"regexrailroad/internal/realtime"
	"regexrailroad/internal/session"
	"regexrailroad/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	cfg    *config.Config
	loader *config.Loader
	logger *logging.Logger

	registry   *session.Registry
	previews   *preview.Manager
	dispatcher *dispatch.Dispatcher
	host       *nvimhost.Host
	binWatch   *watcher.Watcher
	mirror     *realtime.Server

	cancel context.CancelFunc
}

func main() {
	var a *app

	plugin.Main(func(p *plugin.Plugin) error {
		configPath := os.Getenv("REGEXRAILROAD_CONFIG")

		// With -manifest there is no editor; only the handler table is needed.
		if p.Nvim == nil {
			cfg, err := config.NewLoader(configPath).Load()
			if err != nil {
				cfg = config.Default()
			}
			nvimhost.New(nil, nil, nil, nil).Register(p, cfg.AutoClose.Events)
			return nil
		}

		var err error
		a, err = newApp(p.Nvim, configPath)
		if err != nil {
			return err
		}
		a.host.Register(p, a.cfg.AutoClose.Events)
		return nil
	})

	if a != nil {
		a.shutdown()
	}
}

func newApp(v *nvim.Nvim, configPath string) (*app, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &app{cfg: cfg, loader: loader, logger: logger, cancel: cancel}

	// The mirror is created last; hooks fire only once it exists.
	var mirror *realtime.Server

	a.registry = session.NewRegistry(session.Options{
		Resolver:         resolver(cfg),
		GracefulTimeout:  cfg.Worker.GracefulTimeout,
		HandshakeTimeout: cfg.Worker.HandshakeTimeout,
		StderrLines:      cfg.Worker.StderrLines,
		Logger:           logger,
		OnStateChange: func(info session.Info) {
			if mirror != nil {
				mirror.OnSessionChange(info)
			}
		},
		OnNotify: func(key, method string, args []any) {
			logger.WithKey(key).Debug("worker notification", "method", method, "args", len(args))
		},
	})

	a.previews = preview.NewManager(nvimhost.NewSurface(v), preview.Options{
		Policy:    preview.ParsePolicy(cfg.Preview.Policy),
		Focus:     cfg.Preview.Focus,
		AutoClose: autoClose(cfg),
		Logger:    logger,
		OnOpen: func(info preview.WindowInfo) {
			if mirror != nil {
				mirror.OnPreviewOpen(info)
			}
		},
		OnClose: func(info preview.WindowInfo) {
			if mirror != nil {
				mirror.OnPreviewClose(info)
			}
		},
	})

	a.dispatcher = dispatch.New(dispatch.FromRegistry(a.registry), a.previews, cfg.Worker.RequestTimeout, logger)
	a.host = nvimhost.New(v, a.dispatcher, a.previews, logger)

	if cfg.Mirror.Enabled {
		mirror = realtime.New(a.registry, a.previews, logger)
		a.mirror = mirror
		go func() {
			if err := mirror.ListenAndServe(ctx, cfg.Mirror.Addr); err != nil {
				logger.Error("preview mirror stopped", "addr", cfg.Mirror.Addr, "error", err)
			}
		}()
	}

	if cfg.Worker.WatchBinary {
		a.watchBinary(ctx)
	}

	loader.Watch(a.reload)

	logger.Info("host started",
		"policy", cfg.Preview.Policy,
		"request_timeout", cfg.Worker.RequestTimeout.String(),
		"mirror", cfg.Mirror.Enabled,
	)
	return a, nil
}

// resolver finds the worker, running the configured installer when it
// is missing.
func resolver(cfg *config.Config) session.Resolver {
	return session.InstallingResolver(session.PathResolver(cfg.Worker.Path, config.DefaultExecutable), cfg.Worker.Installer)
}

func autoClose(cfg *config.Config) preview.AutoClose {
	return preview.AutoClose{
		Events:       cfg.AutoClose.Events,
		ExemptOrigin: cfg.AutoClose.ExemptOrigin,
	}
}

// watchBinary detaches every session when the worker executable is
// replaced, so the next command starts the new build.
func (a *app) watchBinary(ctx context.Context) {
	resolve := session.PathResolver(a.cfg.Worker.Path, config.DefaultExecutable)
	path, err := resolve(ctx)
	if err != nil {
		if a.cfg.Worker.Path == "" {
			a.logger.Info("worker executable not on PATH, not watching", "error", err)
			return
		}
		path = a.cfg.Worker.Path
	}

	a.binWatch = watcher.New(0, a.logger, func(string) {
		if n := a.registry.DetachAll("binary replaced"); n > 0 {
			a.logger.Info("detached sessions after worker update", "count", n)
		}
	})
	if err := a.binWatch.Watch(path); err != nil {
		a.logger.Warn("cannot watch worker executable", "path", path, "error", err)
	}
}

// reload applies a changed config file. Policy, logging and mirror
// settings need a restart.
func (a *app) reload(cfg *config.Config, err error) {
	if err != nil {
		a.logger.Warn("config reload rejected", "error", err)
		return
	}

	a.dispatcher.SetTimeout(cfg.Worker.RequestTimeout)
	a.registry.SetGracefulTimeout(cfg.Worker.GracefulTimeout)
	a.registry.SetHandshakeTimeout(cfg.Worker.HandshakeTimeout)
	a.registry.SetResolver(resolver(cfg))
	a.previews.SetFocus(cfg.Preview.Focus)
	a.previews.SetAutoClose(autoClose(cfg))

	if cfg.Preview.Policy != a.cfg.Preview.Policy {
		a.logger.Info("preview policy change takes effect after restart", "policy", cfg.Preview.Policy)
	}
	a.cfg = cfg
	a.logger.Info("config reloaded")
}

func (a *app) shutdown() {
	a.logger.Info("shutting down")
	a.cancel()

	if a.binWatch != nil {
		a.binWatch.Shutdown()
	}
	a.host.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.registry.Shutdown(ctx); err != nil {
		a.logger.Warn("workers did not exit in time", "error", err)
	}

	if err := a.logger.Close(); err != nil {
		log.Printf("close log: %v", err)
	}
}
