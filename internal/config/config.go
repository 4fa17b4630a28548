package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by LoadMinimal.
const (
	EnvDataDir  = "USAGEVIEW_DATA_DIR"
	EnvDBPath   = "USAGEVIEW_DB"
	EnvSettings = "USAGEVIEW_SETTINGS"
	EnvHost     = "USAGEVIEW_HOST"
	EnvPort     = "USAGEVIEW_PORT"
)

// Config holds all application configuration.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	DataDir      string        `json:"-"`
	DBPath       string        `json:"db_path"`
	SettingsPath string        `json:"settings_path"`
	WriteTimeout time.Duration `json:"-"`
	// WatchDebounce is how long store changes settle before
	// clients are notified.
	WatchDebounce time.Duration `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	return withDataDir(filepath.Join(home, ".usageview")), nil
}

func withDataDir(dataDir string) Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          8090,
		DataDir:       dataDir,
		DBPath:        filepath.Join(dataDir, "usage.db"),
		SettingsPath:  filepath.Join(dataDir, "settings.json"),
		WriteTimeout:  30 * time.Second,
		WatchDebounce: 500 * time.Millisecond,
	}
}

// Load builds a Config by layering:
// defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, the config file and
// the environment, without parsing CLI flags. A .env file in the
// working directory, then one in the data directory, is loaded
// first; neither overrides variables already set.
func LoadMinimal() (Config, error) {
	loadDotEnv(".env")

	dataDir, err := ResolveDataDir()
	if err != nil {
		return Config{}, err
	}
	loadDotEnv(filepath.Join(dataDir, ".env"))

	cfg := withDataDir(dataDir)
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ResolveDataDir returns the effective data directory from the
// default and the environment, without reading any files.
func ResolveDataDir() (string, error) {
	if v := os.Getenv(EnvDataDir); v != "" {
		return v, nil
	}
	cfg, err := Default()
	if err != nil {
		return "", err
	}
	return cfg.DataDir, nil
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host          string `json:"host"`
		Port          int    `json:"port"`
		DBPath        string `json:"db_path"`
		SettingsPath  string `json:"settings_path"`
		WriteTimeout  string `json:"write_timeout"`
		WatchDebounce string `json:"watch_debounce"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.Host != "" {
		c.Host = file.Host
	}
	if file.Port > 0 {
		c.Port = file.Port
	}
	if file.DBPath != "" {
		c.DBPath = c.resolvePath(file.DBPath)
	}
	if file.SettingsPath != "" {
		c.SettingsPath = c.resolvePath(file.SettingsPath)
	}
	if file.WriteTimeout != "" {
		d, err := time.ParseDuration(file.WriteTimeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid write_timeout %q", file.WriteTimeout)
		}
		c.WriteTimeout = d
	}
	if file.WatchDebounce != "" {
		d, err := time.ParseDuration(file.WatchDebounce)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid watch_debounce %q", file.WatchDebounce)
		}
		c.WatchDebounce = d
	}
	return nil
}

// resolvePath makes relative config file paths relative to the
// data directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvSettings); v != "" {
		c.SettingsPath = v
	}
	if v := os.Getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvPort, v)
		}
		c.Port = port
	}
	return nil
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
	fs.String("db", "", "Path to the usage database")
	fs.String("settings", "", "Path to the settings file")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "db":
			cfg.DBPath = f.Value.String()
		case "settings":
			cfg.SettingsPath = f.Value.String()
		}
	})
}
