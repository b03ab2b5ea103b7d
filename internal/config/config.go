// Package config handles seologyd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/seology/config.yaml, /etc/seology/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "seology", "config.yaml"))
	}

	paths = append(paths, "/etc/seology/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all seologyd configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Chat      ChatConfig      `yaml:"chat"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AnalysisConfig defines the connection to the site-analysis backend.
// The backend performs the actual crawls and audits; seologyd only
// brokers tool invocations to it.
type AnalysisConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// TimeoutSec bounds a single tool invocation. A tool that exceeds
	// it is reported to the model as a failed invocation (default 25).
	TimeoutSec int `yaml:"timeout_sec"`
}

// ChatConfig tunes the conversational turn pipeline.
type ChatConfig struct {
	// MaxMessageChars rejects user messages longer than this (default 4000).
	MaxMessageChars int `yaml:"max_message_chars"`
	// HistoryWindow is how many prior turns are replayed to the model
	// (default 20). Older turns are dropped, newest kept.
	HistoryWindow int `yaml:"history_window"`
	// PhaseTimeoutSec bounds each model invocation phase (default 120).
	PhaseTimeoutSec int `yaml:"phase_timeout_sec"`
	// MinAnswerChars is the quality-gate floor for a final answer (default 40).
	MinAnswerChars int `yaml:"min_answer_chars"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Analysis: AnalysisConfig{
			TimeoutSec: 25,
		},
		Chat: ChatConfig{
			MaxMessageChars: 4000,
			HistoryWindow:   20,
			PhaseTimeoutSec: 120,
			MinAnswerChars:  40,
		},
		DataDir: "data",
	}
}
