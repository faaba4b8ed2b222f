// Package config loads and validates the node's JSON configuration file
// into typed structs. The loader rejects unknown top-level keys so a
// typo in the config file fails fast at startup instead of silently
// being ignored (SPEC_FULL.md §6, §9).
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// General holds process-wide settings that are not specific to any one
// component.
type General struct {
	WorkArea        string `json:"workArea"`
	MasterHeartBeat int    `json:"masterHeartBeat"`
	LogLevel        string `json:"logLevel"`
	MetricsPort     int    `json:"metricsPort"`
}

// NodeEntry is one entry of network.processingNodes: address, port and
// agent count for a named node.
type NodeEntry struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Agents  int    `json:"agents"`
}

// Network holds the static cluster topology.
type Network struct {
	Commander       string               `json:"commander"`
	ProcessingNodes map[string]NodeEntry `json:"processingNodes"`
}

// Rule is one orchestration rule: a set of accepted input product types
// mapped to a processor key.
type Rule struct {
	Name       string   `json:"name"`
	Inputs     []string `json:"inputs"`
	Processing string   `json:"processing"`
}

// Orchestration holds the rule table and the processor-key lookup.
type Orchestration struct {
	Rules      []Rule            `json:"rules"`
	Processors map[string]string `json:"processors"`
}

// DB holds the original relational connection parameters. The core's
// persistence engine is embedded (bbolt, §4.8), so these fields are
// validated for shape only and otherwise unused; Name does not select
// the database file, which is always qpfmk.db under the work-area root.
type DB struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name"`
	User string `json:"user"`
	Pwd  string `json:"pwd"`
}

// Config is the fully decoded configuration file.
type Config struct {
	General       General       `json:"general"`
	Network       Network       `json:"network"`
	Orchestration Orchestration `json:"orchestration"`
	DB            DB            `json:"db"`
}

// Load reads and strictly decodes the config file at path. Unknown
// top-level keys are a load error, matching the JSON schema contract
// in SPEC_FULL.md §6.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the cross-field invariants the loader itself cannot
// express structurally: a commander must be named, and it must appear
// among the processing nodes it is meant to command.
func (c *Config) Validate() error {
	if c.Network.Commander == "" {
		return fmt.Errorf("network.commander is required")
	}
	if _, ok := c.Network.ProcessingNodes[c.Network.Commander]; !ok {
		return fmt.Errorf("network.commander %q not present in network.processingNodes", c.Network.Commander)
	}
	for name, node := range c.Network.ProcessingNodes {
		if node.Agents <= 0 {
			return fmt.Errorf("network.processingNodes[%q].agents must be positive", name)
		}
	}
	return nil
}
