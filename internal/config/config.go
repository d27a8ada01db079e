// Package config loads the viewer's YAML configuration file. Environment variables read in main take
// precedence over the building, parameter and telemetry settings found here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"facility_viewer/core-go/internal/alerts"
	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/telemetry/snmp"
)

// Telemetry source kinds.
const (
	SourceStatic   = "static"
	SourcePostgres = "postgres"
	SourceSNMP     = "snmp"
)

type Config struct {
	Building  string `yaml:"building"`
	Parameter string `yaml:"parameter"`
	// Ghost renders hidden elements translucently while a floor is isolated.
	Ghost bool `yaml:"ghost"`

	// Parameters retune the comfort band or unit of built-in parameters.
	Parameters []alerts.Parameter `yaml:"parameters"`
	// Styles override or add highlight styles.
	Styles []highlight.Style `yaml:"styles"`
	// Categories replaces the spatial element categories the resolver scans.
	Categories   []string `yaml:"categories"`
	ModelWorkers int      `yaml:"model_workers"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type TelemetryConfig struct {
	Source   string        `yaml:"source"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// StaticPath points at a facility.StaticFile used when Source is "static".
	StaticPath string `yaml:"static_path"`
	// Record stores every live snapshot in Postgres when a database is configured.
	Record bool       `yaml:"record"`
	SNMP   SNMPConfig `yaml:"snmp"`
}

type SNMPConfig struct {
	snmp.Config `yaml:",inline"`

	Sensors []snmp.Sensor `yaml:"sensors"`
}

func Default() *Config {
	return &Config{
		Parameter: alerts.ParamTemperature,
		Telemetry: TelemetryConfig{
			Source:   SourceStatic,
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a config document over the defaults and validates it. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail later, at the first recompute or poll.
func (c *Config) Validate() error {
	if c.Parameter != "" && !alerts.IsValidParameter(c.Parameter) {
		return fmt.Errorf("config: unknown parameter %q", c.Parameter)
	}
	if _, err := c.Taxonomy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, p := range c.Parameters {
		if p.Band != (alerts.Band{}) && p.Band.Max < p.Band.Min {
			return fmt.Errorf("config: parameter %q band max is below min", p.Name)
		}
	}
	for _, s := range c.Styles {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("config: style name is required")
		}
		if s.Opacity < 0 || s.Opacity > 1 {
			return fmt.Errorf("config: style %q opacity must be within [0,1]", s.Name)
		}
	}
	if c.ModelWorkers < 0 {
		return errors.New("config: model_workers must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Telemetry.Source)) {
	case SourceStatic, SourcePostgres:
	case SourceSNMP:
		if len(c.Telemetry.SNMP.Sensors) == 0 {
			return errors.New("config: snmp telemetry needs at least one sensor")
		}
	default:
		return fmt.Errorf("config: unknown telemetry source %q", c.Telemetry.Source)
	}
	if c.Telemetry.Interval < 0 || c.Telemetry.Timeout < 0 {
		return errors.New("config: telemetry interval and timeout must be >= 0")
	}
	return nil
}

// Taxonomy builds the parameter taxonomy with the configured overrides applied.
func (c *Config) Taxonomy() (*alerts.Taxonomy, error) {
	return alerts.NewTaxonomy(c.Parameters...)
}
