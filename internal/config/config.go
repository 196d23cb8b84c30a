// Package config loads the agent's YAML configuration file (§6): the IaaS
// API key, fleet tag, timing knobs, bind port, and the declared groups.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mcastellin/fleetwarden/internal/cloud"
)

// GroupConfig is one declared group entry (§3, §6).
type GroupConfig struct {
	MatchTags       []string         `yaml:"matchTags"`
	DesiredSize     int              `yaml:"desiredSize"`
	FloatingAddress string           `yaml:"floatingAddress,omitempty"`
	Template        TemplateConfig   `yaml:"provisioningTemplate"`
}

// TemplateConfig mirrors cloud.Template's fields in their YAML form.
type TemplateConfig struct {
	Name              string   `yaml:"name"`
	Region            string   `yaml:"region"`
	Size              string   `yaml:"size"`
	Image             string   `yaml:"image"`
	SSHKeys           []string `yaml:"sshKeys,omitempty"`
	Backups           bool     `yaml:"backups,omitempty"`
	IPv6              bool     `yaml:"ipv6,omitempty"`
	PrivateNetworking bool     `yaml:"privateNetworking,omitempty"`
	Monitoring        bool     `yaml:"monitoring,omitempty"`
	UserData          string   `yaml:"userData,omitempty"`
	Volumes           []string `yaml:"volumes,omitempty"`
	Tags              []string `yaml:"tags,omitempty"`
}

// ToCloudTemplate converts the YAML-shaped template into a cloud.Template.
func (t TemplateConfig) ToCloudTemplate() cloud.Template {
	return cloud.Template{
		NameBase:          t.Name,
		Region:            t.Region,
		Size:              t.Size,
		Image:             t.Image,
		SSHKeys:           t.SSHKeys,
		Backups:           t.Backups,
		IPv6:              t.IPv6,
		PrivateNetworking: t.PrivateNetworking,
		Monitoring:        t.Monitoring,
		UserData:          t.UserData,
		Volumes:           t.Volumes,
		Tags:              t.Tags,
	}
}

// Default values applied by applyDefaults to fields that are zero after the
// YAML file is parsed. A field written explicitly as 0 is treated the same as
// an unset one, so a group's desiredSize of 0 in the file becomes
// DefaultDesiredSize; a group cannot be configured to size 0.
const (
	DefaultTimeout     = 60000
	DefaultInterval    = 10000
	DefaultPort        = 12345
	DefaultDesiredSize = 1
)

// Config is the agent's top-level configuration (§6).
type Config struct {
	Key      string        `yaml:"key"`
	Tag      string        `yaml:"tag"`
	Timeout  int           `yaml:"timeout"`
	Interval int           `yaml:"interval"`
	Port     int           `yaml:"port"`
	Groups   []GroupConfig `yaml:"groups"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyDefaults fills zero-valued fields with the spec's documented defaults,
// mirroring the teacher's own post-unmarshal defaulting
// (shurlinet-shurli/internal/config/loader.go defaults Version to 1 the same way).
func applyDefaults(cfg *Config) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	for i := range cfg.Groups {
		if cfg.Groups[i].DesiredSize == 0 {
			cfg.Groups[i].DesiredSize = DefaultDesiredSize
		}
	}
}

// Validate checks the minimum set of fields an agent needs to start.
func Validate(cfg *Config) error {
	if cfg.Key == "" {
		return fmt.Errorf("key is required")
	}
	if cfg.Tag == "" {
		return fmt.Errorf("tag is required")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if cfg.Interval >= cfg.Timeout {
		return fmt.Errorf("interval (%d) must be smaller than timeout (%d)", cfg.Interval, cfg.Timeout)
	}
	if cfg.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	for i, g := range cfg.Groups {
		if g.DesiredSize < 0 {
			return fmt.Errorf("groups[%d].desiredSize must be non-negative", i)
		}
	}
	return nil
}
