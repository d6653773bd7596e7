package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailrig/mailrig/driver"
)

// Config is the rigwatch YAML configuration.
type Config struct {
	Page    PageConfig          `yaml:"page"`
	Browser BrowserConfig       `yaml:"browser"`
	Anchors driver.StaticConfig `yaml:"anchors"`
	Driver  DriverConfig        `yaml:"driver"`
	Sinks   []SinkConfig        `yaml:"sinks"`
	Inspect InspectConfig       `yaml:"inspect"`
}

// PageConfig names the page to open and mirror.
type PageConfig struct {
	URL             string        `yaml:"url"`
	ID              string        `yaml:"id"`
	Stealth         string        `yaml:"stealth"` // auto | on | off
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
}

// BrowserConfig selects between attaching and launching.
type BrowserConfig struct {
	Remote string `yaml:"remote"`
}

// DriverConfig exposes the pipeline timeouts. Zero keeps the defaults.
type DriverConfig struct {
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	RecaptureDelay time.Duration `yaml:"recapture_delay"`
}

// SinkConfig defines one event output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook | sqlite
	URL  string `yaml:"url"`  // for webhook
	Path string `yaml:"path"` // for sqlite
}

// InspectConfig controls the debug HTTP surface. Empty addr disables it.
type InspectConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func defaultConfig(url string) *Config {
	cfg := &Config{}
	cfg.Page.URL = url
	cfg.Inspect.Addr = ":8087"
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Page.Stealth == "" {
		c.Page.Stealth = "auto"
	}
	if c.Page.NavigateTimeout <= 0 {
		c.Page.NavigateTimeout = 30 * time.Second
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
}
