package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all cmdengine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	LogSink       string `json:"log_sink"`
	PoolSize      int    `json:"pool_size"` // 0 runs Parallel children unbounded
	Panel         bool   `json:"panel"`
	TraceExporter string `json:"trace_exporter"`
	SchedulerTick string `json:"scheduler_tick"`
	BlueprintDir  string `json:"blueprint_dir"`
	ShellTimeout  string `json:"shell_timeout"`
}

// Log sinks for messages emitted by the commands themselves.
const (
	sinkSlog    = "slog"
	sinkZerolog = "zerolog"
)

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(cmdengineDir(), "cmdengine.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		LogSink:       sinkSlog,
		PoolSize:      0,
		Panel:         true,
		TraceExporter: "none",
		SchedulerTick: "1s",
		BlueprintDir:  filepath.Join(cmdengineDir(), "blueprints"),
		ShellTimeout:  "30s",
	}
}

func cmdengineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cmdengine"
	}
	return filepath.Join(home, ".cmdengine")
}

func settingsPath() string {
	return filepath.Join(cmdengineDir(), "settings.json")
}

// loadConfig layers path (settings.json when empty) and the environment
// over the defaults. A missing settings file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = settingsPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	strs := map[string]*string{
		"CMDENGINE_LISTEN_ADDR":    &cfg.ListenAddr,
		"CMDENGINE_DB_PATH":        &cfg.DBPath,
		"CMDENGINE_LOG_LEVEL":      &cfg.LogLevel,
		"CMDENGINE_LOG_FORMAT":     &cfg.LogFormat,
		"CMDENGINE_LOG_SINK":       &cfg.LogSink,
		"CMDENGINE_TRACE_EXPORTER": &cfg.TraceExporter,
		"CMDENGINE_SCHEDULER_TICK": &cfg.SchedulerTick,
		"CMDENGINE_BLUEPRINT_DIR":  &cfg.BlueprintDir,
		"CMDENGINE_SHELL_TIMEOUT":  &cfg.ShellTimeout,
	}
	for key, field := range strs {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("CMDENGINE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CMDENGINE_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}
}

func (c Config) validate() error {
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative, got %d", c.PoolSize)
	}
	if c.LogSink != sinkSlog && c.LogSink != sinkZerolog {
		return fmt.Errorf("log_sink must be %q or %q, got %q", sinkSlog, sinkZerolog, c.LogSink)
	}
	if _, err := c.schedulerTick(); err != nil {
		return err
	}
	if _, err := c.shellTimeout(); err != nil {
		return err
	}
	return nil
}

func (c Config) schedulerTick() (time.Duration, error) {
	d, err := time.ParseDuration(c.SchedulerTick)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("scheduler_tick must be a positive duration, got %q", c.SchedulerTick)
	}
	return d, nil
}

func (c Config) shellTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.ShellTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("shell_timeout must be a positive duration, got %q", c.ShellTimeout)
	}
	return d, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.TraceExporter != new.TraceExporter {
		d.RestartNeeded = append(d.RestartNeeded, "trace_exporter")
	}
	if old.LogFormat != new.LogFormat || old.LogSink != new.LogSink {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	return d
}
