package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// scenario describes one benchmark run: a set of bindings each watching its
// own key, and a stream of commits touching those keys round-robin.
type scenario struct {
	Name          string `yaml:"name"`
	Bindings      int    `yaml:"bindings"`
	Commits       int    `yaml:"commits"`
	KeysPerCommit int    `yaml:"keys_per_commit"`
	PayloadBytes  int    `yaml:"payload_bytes"`
}

type config struct {
	Scenarios []scenario `yaml:"scenarios"`
}

func defaultConfig() config {
	return config{
		Scenarios: []scenario{
			{Name: "narrow", Bindings: 10, Commits: 500, KeysPerCommit: 1, PayloadBytes: 64},
			{Name: "fanout", Bindings: 100, Commits: 300, KeysPerCommit: 10, PayloadBytes: 256},
			{Name: "wide", Bindings: 1000, Commits: 100, KeysPerCommit: 50, PayloadBytes: 64},
			{Name: "write heavy", Bindings: 50, Commits: 1000, KeysPerCommit: 25, PayloadBytes: 1024},
		},
	}
}

func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Scenarios) == 0 {
		return config{}, fmt.Errorf("config %s declares no scenarios", path)
	}
	for i, sc := range cfg.Scenarios {
		if err := sc.validate(); err != nil {
			return config{}, fmt.Errorf("scenario %d: %w", i, err)
		}
	}
	return cfg, nil
}

func (sc scenario) validate() error {
	if sc.Name == "" {
		return fmt.Errorf("missing name")
	}
	if sc.Bindings <= 0 {
		return fmt.Errorf("%s: bindings must be positive", sc.Name)
	}
	if sc.Commits <= 0 {
		return fmt.Errorf("%s: commits must be positive", sc.Name)
	}
	if sc.KeysPerCommit <= 0 {
		return fmt.Errorf("%s: keys_per_commit must be positive", sc.Name)
	}
	if sc.PayloadBytes < 0 {
		return fmt.Errorf("%s: payload_bytes must not be negative", sc.Name)
	}
	return nil
}
