package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/drpcorg/kniga"
	"github.com/drpcorg/kniga/utils"
)

// Config is the YAML configuration of the tool; flags override it.
type Config struct {
	// Dir keeps the document in pebble; empty means memory only.
	Dir string `yaml:"dir"`
	// Peer is the hex peer id, random if empty.
	Peer       string `yaml:"peer"`
	LogLevel   string `yaml:"log_level"`
	History    string `yaml:"history"`
	Metrics    string `yaml:"metrics"`
	Timestamps bool   `yaml:"timestamps"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "warn",
		History:  ".kniga_history",
	}
}

// LoadConfig reads the file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (cfg *Config) Options() (opts kniga.Options, err error) {
	if cfg.Peer != "" {
		if opts.PeerID, err = strconv.ParseUint(cfg.Peer, 16, 64); err != nil {
			return opts, errors.Wrapf(err, "bad peer id %q", cfg.Peer)
		}
	}
	var level slog.Level
	if err = level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return opts, errors.Wrapf(err, "bad log level %q", cfg.LogLevel)
	}
	opts.Logger = utils.NewDefaultLogger(level)
	opts.Dir = cfg.Dir
	opts.RecordTimestamp = cfg.Timestamps
	return opts, nil
}
