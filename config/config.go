// Package config loads the server settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error Validate returns.
var ErrInvalid = errors.New("invalid config")

// Throttle backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds every server setting.
type Config struct {
	Listen          string        `yaml:"listen"`
	Backlog         int           `yaml:"backlog"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LevelFile       string        `yaml:"level_file"`
	MetricsAddr     string        `yaml:"metrics_addr"`

	Screen   Screen   `yaml:"screen"`
	Buffers  Buffers  `yaml:"buffers"`
	Log      Log      `yaml:"log"`
	Throttle Throttle `yaml:"throttle"`
}

// Screen is the terminal size every client is drawn for.
type Screen struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Buffers sizes per-connection buffers.
type Buffers struct {
	Write    int `yaml:"write"`
	Read     int `yaml:"read"`
	Headroom int `yaml:"headroom"`
}

// Log configures logging. An empty Dir logs to the console.
type Log struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Throttle limits how often one host may connect.
type Throttle struct {
	Enabled   bool          `yaml:"enabled"`
	Backend   string        `yaml:"backend"`
	Limit     int           `yaml:"limit"`
	Window    time.Duration `yaml:"window"`
	RedisAddr string        `yaml:"redis_addr"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Listen:          ":23",
		Backlog:         5,
		ShutdownTimeout: 10 * time.Second,
		Screen:          Screen{Width: 80, Height: 24},
		Buffers:         Buffers{Write: 1024, Read: 256, Headroom: 256},
		Log:             Log{Level: "info"},
		Throttle: Throttle{
			Backend:   BackendMemory,
			Limit:     10,
			Window:    time.Minute,
			RedisAddr: "localhost:6379",
		},
	}
}

// Load reads path over Default and validates the result.
//
// Parameters:
//   - path: The YAML file; empty means defaults only
//
// Returns:
//   - The configuration, or an error if the file is unreadable or invalid
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first setting the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	case c.Backlog < 0:
		return fmt.Errorf("%w: backlog %d is negative", ErrInvalid, c.Backlog)
	case c.MaxConnections < 0:
		return fmt.Errorf("%w: max_connections %d is negative", ErrInvalid, c.MaxConnections)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalid)
	case c.Screen.Width < 2 || c.Screen.Height < 2:
		return fmt.Errorf("%w: screen %dx%d is too small", ErrInvalid, c.Screen.Width, c.Screen.Height)
	case c.Buffers.Read <= 0:
		return fmt.Errorf("%w: read buffer must be positive", ErrInvalid)
	case c.Buffers.Headroom < 0:
		return fmt.Errorf("%w: headroom %d is negative", ErrInvalid, c.Buffers.Headroom)
	case c.Buffers.Write <= c.Buffers.Headroom:
		return fmt.Errorf("%w: write buffer %d must exceed headroom %d", ErrInvalid, c.Buffers.Write, c.Buffers.Headroom)
	}

	if !c.Throttle.Enabled {
		return nil
	}

	switch c.Throttle.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Throttle.RedisAddr == "" {
			return fmt.Errorf("%w: throttle.redis_addr is empty", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown throttle backend %q", ErrInvalid, c.Throttle.Backend)
	}

	if c.Throttle.Limit <= 0 || c.Throttle.Window <= 0 {
		return fmt.Errorf("%w: throttle limit and window must be positive", ErrInvalid)
	}

	return nil
}
