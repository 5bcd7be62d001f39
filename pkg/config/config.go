// Package config loads, overlays, and atomically saves the gateway's
// channel-routing configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ktamas77/claudeway/pkg/claude"
)

// ResponseMode is the delivery strategy for a channel's responses. The
// enumeration is closed: batch, stream-update, stream-native.
type ResponseMode string

const (
	ResponseBatch        ResponseMode = "batch"
	ResponseStreamUpdate ResponseMode = "stream-update"
	ResponseStreamNative ResponseMode = "stream-native"
)

// ChannelConfig is one channel's entry in the routing table. Any field
// left at its zero value inherits the corresponding Defaults field when
// resolved (see Resolve).
type ChannelConfig struct {
	Name         string `yaml:"name" json:"name"`
	Folder       string `yaml:"folder" json:"folder"`
	Model        string `yaml:"model,omitempty" json:"model,omitempty"`
	SystemPrompt string `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`
	TimeoutMs    int    `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	ResponseMode string `yaml:"responseMode,omitempty" json:"responseMode,omitempty"`
	ProcessMode  string `yaml:"processMode,omitempty" json:"processMode,omitempty"`
}

// Defaults are the workspace-wide fallback values overlaid beneath every
// channel's own fields.
type Defaults struct {
	Model        string `yaml:"model,omitempty" json:"model,omitempty"`
	SystemPrompt string `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`
	TimeoutMs    int    `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	ResponseMode string `yaml:"responseMode,omitempty" json:"responseMode,omitempty"`
	ProcessMode  string `yaml:"processMode,omitempty" json:"processMode,omitempty"`
}

// Config is the full contents of config.yaml / config.json.
type Config struct {
	Channels      map[string]ChannelConfig `yaml:"channels" json:"channels"`
	Defaults      Defaults                 `yaml:"defaults" json:"defaults"`
	SystemChannel string                   `yaml:"systemChannel,omitempty" json:"systemChannel,omitempty"`

	path string // absolute path this Config was loaded from; not serialized
}

// ResolvedChannelConfig is the effective runtime parameters for one
// channel: per-channel fields overlaid on Defaults, field by field.
type ResolvedChannelConfig struct {
	ChannelID    string
	Name         string
	Folder       string
	Model        string
	SystemPrompt string
	TimeoutMs    int
	ResponseMode ResponseMode
	ProcessMode  claude.ProcessMode
}

// Load reads config.yaml (preferred) or config.json from dir.
func Load(dir string) (*Config, error) {
	yamlPath := filepath.Join(dir, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		cfg := &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		cfg.path = yamlPath
		return cfg, nil
	}

	jsonPath := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("no config.yaml or config.json found in %s", dir)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", jsonPath, err)
	}
	cfg.path = jsonPath
	return cfg, nil
}

// Path returns the absolute path this Config was loaded from (or will be
// saved to), used for CONFIG_PATH token expansion.
func (c *Config) Path() string {
	return c.path
}

// Save writes the config atomically: encode to <path>.tmp, parse it back
// to validate, then rename over <path>.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no path to save to")
	}

	data, err := c.marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := c.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}

	if err := c.validate(data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("validate written config: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s to %s: %w", tmpPath, c.path, err)
	}
	return nil
}

func (c *Config) marshal() ([]byte, error) {
	if strings.HasSuffix(c.path, ".json") {
		return json.MarshalIndent(c, "", "  ")
	}
	return yaml.Marshal(c)
}

func (c *Config) validate(data []byte) error {
	reparsed := &Config{}
	if strings.HasSuffix(c.path, ".json") {
		return json.Unmarshal(data, reparsed)
	}
	return yaml.Unmarshal(data, reparsed)
}

// Resolve overlays channelID's own fields onto Defaults to produce the
// channel's effective runtime parameters. CONFIG_PATH in systemPrompt is
// expanded to the absolute path this Config was loaded from.
func (c *Config) Resolve(channelID string) (ResolvedChannelConfig, error) {
	ch, ok := c.Channels[channelID]
	if !ok {
		return ResolvedChannelConfig{}, fmt.Errorf("channel %s is not configured", channelID)
	}

	model := ch.Model
	if model == "" {
		model = c.Defaults.Model
	}
	systemPrompt := ch.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = c.Defaults.SystemPrompt
	}
	systemPrompt = strings.ReplaceAll(systemPrompt, "CONFIG_PATH", c.path)

	timeoutMs := ch.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = c.Defaults.TimeoutMs
	}
	responseMode := ch.ResponseMode
	if responseMode == "" {
		responseMode = c.Defaults.ResponseMode
	}
	processMode := ch.ProcessMode
	if processMode == "" {
		processMode = c.Defaults.ProcessMode
	}

	return ResolvedChannelConfig{
		ChannelID:    channelID,
		Name:         ch.Name,
		Folder:       ch.Folder,
		Model:        model,
		SystemPrompt: systemPrompt,
		TimeoutMs:    timeoutMs,
		ResponseMode: ResponseMode(responseMode),
		ProcessMode:  claude.ProcessMode(processMode),
	}, nil
}
