// Package config loads the trialforge YAML configuration.
//
//	server:
//	  addr: ":8080"
//	store:
//	  backend: fs          # fs | mysql
//	  data_dir: ./checkpoints
//	engine:
//	  strategy: bayes
//	  seed: 1
//	autosave:
//	  interval: 5m
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/store"
)

// Store backends.
const (
	BackendFS    = "fs"
	BackendMySQL = "mysql"
)

// EnvMySQLDSN overrides store.mysql.dsn when set.
const EnvMySQLDSN = "TRIALFORGE_MYSQL_DSN"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Autosave AutosaveConfig `yaml:"autosave"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"`
	DataDir string      `yaml:"data_dir"`
	MySQL   MySQLConfig `yaml:"mysql"`
}

// MySQLConfig is either a full DSN or its parts.
type MySQLConfig struct {
	DSN               string `yaml:"dsn"`
	store.MySQLConfig `yaml:",inline"`
}

// EngineConfig selects the default strategy and its tuning.
type EngineConfig struct {
	Strategy   string `yaml:"strategy"`
	opt.Config `yaml:",inline"`
}

type AutosaveConfig struct {
	// Interval between automatic checkpoints of every experiment; 0 disables.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendFS,
			DataDir: "./checkpoints",
			MySQL: MySQLConfig{MySQLConfig: store.MySQLConfig{
				Host:    "127.0.0.1",
				Port:    3306,
				Charset: "utf8mb4",
			}},
		},
		Engine: EngineConfig{
			Strategy: opt.DefaultStrategy,
			Config:   opt.DefaultConfig(),
		},
		LogLevel: "info",
	}
}

// DefaultFiles are searched in order when Load gets no path.
var DefaultFiles = []string{"trialforge.yaml", "trialforge.yml", "config/trialforge.yaml"}

// Load reads configuration from path. With an empty path the DefaultFiles
// are tried in order; if none exists the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		found := false
		for _, name := range DefaultFiles {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name
				found = true
				break
			}
		}
		if !found {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvMySQLDSN); dsn != "" {
		c.Store.MySQL.DSN = dsn
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFS:
		if c.Store.DataDir == "" {
			return errors.New("store.data_dir cannot be empty")
		}
	case BackendMySQL:
		if c.Store.MySQL.DSN == "" && c.Store.MySQL.DBName == "" {
			return errors.New("store.mysql needs a dsn or a dbname")
		}
	default:
		return fmt.Errorf("unknown store.backend %q (want %s or %s)", c.Store.Backend, BackendFS, BackendMySQL)
	}
	if c.Engine.Strategy != "" && !slices.Contains(opt.Strategies(), c.Engine.Strategy) {
		return fmt.Errorf("unknown engine.strategy %q (want one of %v)", c.Engine.Strategy, opt.Strategies())
	}
	if c.Autosave.Interval < 0 {
		return errors.New("autosave.interval cannot be negative")
	}
	return nil
}

// OpenStore opens the configured checkpoint backend.
func (c StoreConfig) OpenStore() (store.Store, error) {
	switch c.Backend {
	case BackendMySQL:
		dsn := c.MySQL.DSN
		if dsn == "" {
			dsn = c.MySQL.MySQLConfig.DSN()
		}
		return store.NewMySQLStore(dsn)
	default:
		return store.NewFSStore(c.DataDir)
	}
}
