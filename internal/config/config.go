// Package config loads ptyhost settings from PTYHOST_* environment
// variables and lets command-line flags override them.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

const envPrefix = "PTYHOST"

// Config holds all application configuration.
type Config struct {
	Host string `default:"127.0.0.1"`
	Port int    `default:"8800"`

	// DataDir holds the history database and the control socket.
	DataDir    string `split_words:"true"`
	SocketPath string `split_words:"true"`

	Shell       string
	Term        string `default:"xterm-256color"`
	Locale      string `default:"en_US.UTF-8"`
	DefaultRows uint16 `split_words:"true" default:"24"`
	DefaultCols uint16 `split_words:"true" default:"80"`

	ForegroundTimeout time.Duration `split_words:"true" default:"2s"`
	ReplaySize        int           `split_words:"true" default:"102400"`

	TunnelURL      string `split_words:"true"`
	TunnelSecret   string `split_words:"true"`
	TunnelInsecure bool   `split_words:"true"`

	// Per-client request rate for the HTTP API; zero disables limiting.
	RateLimitRPS   int `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int `split_words:"true" default:"100"`

	LogLevel string `split_words:"true" default:"info"`
	LogDev   bool   `split_words:"true"`
}

// Load reads the environment and fills in the data dir default.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.fillDataDir(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillDataDir() error {
	if c.DataDir != "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	c.DataDir = filepath.Join(home, ".ptyhost")
	return nil
}

// Finalize derives settings that depend on others. Call it after flags are
// parsed so the socket follows a --data-dir given on the command line.
func (c *Config) Finalize() {
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "control.sock")
	}
}

// BindFlags registers flags on fs that write straight into c, using the
// current values as defaults. Parsing fs after Load therefore lets flags
// override the environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "HTTP listen host")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "HTTP listen port")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for the history database")
	fs.StringVar(&c.SocketPath, "socket", c.SocketPath, "control socket path (default <data-dir>/control.sock)")
	fs.StringVar(&c.Shell, "shell", c.Shell, "shell to launch (default $SHELL, then /bin/sh)")
	fs.StringVar(&c.Locale, "locale", c.Locale, "LANG and LC_ALL for sessions")
	fs.Uint16Var(&c.DefaultRows, "rows", c.DefaultRows, "default terminal rows")
	fs.Uint16Var(&c.DefaultCols, "cols", c.DefaultCols, "default terminal columns")
	fs.DurationVar(&c.ForegroundTimeout, "foreground-timeout", c.ForegroundTimeout, "bound on foreground process lookups")
	fs.StringVar(&c.TunnelURL, "tunnel-url", c.TunnelURL, "gateway websocket URL for the reverse tunnel")
	fs.IntVar(&c.RateLimitRPS, "rate-limit", c.RateLimitRPS, "API requests per second per client, 0 to disable")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.BoolVar(&c.LogDev, "log-dev", c.LogDev, "human readable console logs")
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DefaultRows == 0 || c.DefaultCols == 0 {
		errs = append(errs, errors.New("default rows and cols must be positive"))
	}
	if c.ForegroundTimeout <= 0 {
		errs = append(errs, errors.New("foreground timeout must be positive"))
	}
	if c.ReplaySize <= 0 {
		errs = append(errs, errors.New("replay size must be positive"))
	}
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("rate limit needs a non-negative rate and a positive burst"))
	}
	if c.TunnelURL != "" && c.TunnelSecret == "" {
		errs = append(errs, errors.New("tunnel url set without a tunnel secret"))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
