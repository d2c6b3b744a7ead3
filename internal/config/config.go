package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	BackendFile   = "file"
	BackendSqlite = "sqlite"
)

// Config is read from ~/.config/skyauth/config.yaml. Flags and SKYAUTH_* environment variables
// override it.
type Config struct {
	Service           string        `yaml:"service" default:"https://bsky.social" validate:"required,url"`
	PlcDirectory      string        `yaml:"plc_directory" default:"https://plc.directory" validate:"required,url"`
	ClientId          string        `yaml:"client_id" default:"http://localhost" validate:"required"`
	Scope             string        `yaml:"scope" default:"atproto transition:generic" validate:"required"`
	CallbackAddr      string        `yaml:"callback_addr" default:"127.0.0.1:0" validate:"required"`
	CallbackTimeout   time.Duration `yaml:"callback_timeout" default:"120s" validate:"gt=0"`
	SessionDir        string        `yaml:"session_dir"`
	SessionBackend    string        `yaml:"session_backend" default:"file" validate:"oneof=file sqlite"`
	DefaultHandle     string        `yaml:"default_handle"`
	PreferAppPassword bool          `yaml:"prefer_app_password"`
	LogLevel          string        `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`
}

func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "skyauth"), nil
}

func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load applies defaults and then the yaml file at path. A missing file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if cfg.SessionDir == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		cfg.SessionDir = dir
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, _, err := net.SplitHostPort(c.CallbackAddr); err != nil {
		return fmt.Errorf("invalid config: callback_addr: %w", err)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
