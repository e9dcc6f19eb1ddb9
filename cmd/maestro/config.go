package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vsavkov/maestro/internal/session"
)

// AppConfig is the serve-time configuration, loaded from YAML. Every
// field has a working default so `maestro serve` runs with no file.
type AppConfig struct {
	Addr     string `yaml:"addr"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogHuman bool   `yaml:"log_human"`

	Assistant struct {
		Command    string  `yaml:"command"`
		ModelName  string  `yaml:"model_name"`
		MaxTurns   int     `yaml:"max_turns"`
		TimeoutSec float64 `yaml:"timeout_seconds"`
	} `yaml:"assistant"`

	Freshness session.FreshnessConfig `yaml:"freshness"`
}

func (c *AppConfig) applyDefaults() {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8420"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "data"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.Assistant.Command) == "" {
		c.Assistant.Command = "claude"
	}
	if c.Assistant.MaxTurns <= 0 {
		c.Assistant.MaxTurns = 100
	}
	if c.Assistant.TimeoutSec <= 0 {
		c.Assistant.TimeoutSec = (30 * time.Minute).Seconds()
	}
}

// loadConfig reads the YAML config at path. A missing file yields the
// defaults; a present but malformed file is an error.
func loadConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}
