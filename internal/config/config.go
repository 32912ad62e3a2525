// Package config loads the host configuration with viper: a YAML file,
// REGEXRAILROAD_* environment overrides and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"regexrailroad/internal/logging"
)

// Config is the complete host configuration.
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	AutoClose AutoCloseConfig `mapstructure:"autoclose"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
}

// WorkerConfig controls how the worker process is found and supervised.
type WorkerConfig struct {
	// Path to the worker executable. Empty means look up DefaultExecutable on PATH.
	Path string `mapstructure:"path"`
	// Installer is run once when the executable cannot be found. Empty
	// disables installation.
	Installer string `mapstructure:"installer"`
	// RequestTimeout bounds every request to the worker.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// GracefulTimeout is how long a detached worker may take to exit
	// after quit before it is killed.
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	// HandshakeTimeout is how long a new worker must stay alive before
	// it counts as attached.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// StderrLines is the number of worker stderr lines kept per session.
	StderrLines int `mapstructure:"stderr_lines"`
	// WatchBinary detaches all sessions when the executable is replaced.
	WatchBinary bool `mapstructure:"watch_binary"`
}

// PreviewConfig controls the floating preview.
type PreviewConfig struct {
	// Policy is "default" (lower-middle, 40%x90%) or "bordered"
	// (centered, 80%x80%, framed).
	Policy string `mapstructure:"policy"`
	// Focus moves the cursor into the preview when it opens.
	Focus bool `mapstructure:"focus"`
}

// AutoCloseConfig selects which editor events dismiss a preview.
type AutoCloseConfig struct {
	Events []string `mapstructure:"events"`
	// ExemptOrigin adds the window that spawned the preview to its allowlist.
	ExemptOrigin bool `mapstructure:"exempt_origin"`
}

// LoggingConfig controls the debug log.
type LoggingConfig struct {
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
}

// MirrorConfig controls the optional HTTP/websocket preview mirror.
type MirrorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultExecutable is the worker binary name looked up on PATH.
const DefaultExecutable = "regex-railroad"

// Preview policies.
const (
	PolicyDefault  = "default"
	PolicyBordered = "bordered"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			RequestTimeout:   5 * time.Second,
			GracefulTimeout:  2 * time.Second,
			HandshakeTimeout: 100 * time.Millisecond,
			StderrLines:      200,
			WatchBinary:      true,
		},
		Preview: PreviewConfig{
			Policy: PolicyDefault,
		},
		AutoClose: AutoCloseConfig{
			Events: []string{"CursorMoved", "CursorMovedI", "BufEnter", "WinEnter", "InsertEnter"},
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(stateHome(), "regex-railroad"),
			Level: logging.LevelInfo,
		},
		Mirror: MirrorConfig{
			Addr: "127.0.0.1:8421",
		},
	}
}

// Dir returns the directory searched for config.yaml.
func Dir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "regex-railroad")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "regex-railroad")
}

func stateHome() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, ".local", "state")
}

// Loader owns a viper instance. An explicit path overrides the search
// in Dir().
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader; nothing is read until Load.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := Dir(); dir != "" {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix("REGEXRAILROAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("worker.path", d.Worker.Path)
	v.SetDefault("worker.installer", d.Worker.Installer)
	v.SetDefault("worker.request_timeout", d.Worker.RequestTimeout)
	v.SetDefault("worker.graceful_timeout", d.Worker.GracefulTimeout)
	v.SetDefault("worker.handshake_timeout", d.Worker.HandshakeTimeout)
	v.SetDefault("worker.stderr_lines", d.Worker.StderrLines)
	v.SetDefault("worker.watch_binary", d.Worker.WatchBinary)

	v.SetDefault("preview.policy", d.Preview.Policy)
	v.SetDefault("preview.focus", d.Preview.Focus)

	v.SetDefault("autoclose.events", d.AutoClose.Events)
	v.SetDefault("autoclose.exempt_origin", d.AutoClose.ExemptOrigin)

	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("mirror.enabled", d.Mirror.Enabled)
	v.SetDefault("mirror.addr", d.Mirror.Addr)
}

// Load reads the config file (a missing file is not an error), applies
// environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// Watch re-reads the file whenever it changes and reports the new
// configuration (or the validation error) to fn.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		fn(l.decode())
	})
	l.v.WatchConfig()
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() []error {
	var errs []error

	if c.Worker.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker.request_timeout must be positive, got %s", c.Worker.RequestTimeout))
	}
	if c.Worker.GracefulTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker.graceful_timeout must not be negative, got %s", c.Worker.GracefulTimeout))
	}
	if c.Worker.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker.handshake_timeout must not be negative, got %s", c.Worker.HandshakeTimeout))
	}
	if c.Worker.StderrLines <= 0 {
		errs = append(errs, fmt.Errorf("worker.stderr_lines must be positive, got %d", c.Worker.StderrLines))
	}
	if c.Preview.Policy != PolicyDefault && c.Preview.Policy != PolicyBordered {
		errs = append(errs, fmt.Errorf("preview.policy must be %q or %q, got %q", PolicyDefault, PolicyBordered, c.Preview.Policy))
	}
	if len(c.AutoClose.Events) == 0 {
		errs = append(errs, errors.New("autoclose.events must name at least one event"))
	}
	if !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("logging.level must be one of %v, got %q", logging.ValidLevels(), c.Logging.Level))
	}
	if c.Mirror.Enabled && c.Mirror.Addr == "" {
		errs = append(errs, errors.New("mirror.addr is required when mirror.enabled is set"))
	}

	return errs
}
