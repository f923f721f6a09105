// Package config loads the declarative schedule seed file. Schedules listed
// there are ensured in the ledger and reconciled to the crontab at startup.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedConfig is the top-level YAML seed file
type SeedConfig struct {
	Schedules []Seed `yaml:"schedules" json:"schedules" jsonschema:"required,description=Schedules to ensure at startup"`
}

// Seed declares one schedule to ensure. Either Spec or Sched must be set, not
// both.
type Seed struct {
	Name        string         `yaml:"name" json:"name" jsonschema:"required,description=Unique schedule name"`
	Script      string         `yaml:"script" json:"script" jsonschema:"required,description=Script path relative to the scripts root"`
	Spec        string         `yaml:"spec,omitempty" json:"spec,omitempty" jsonschema:"description=Full 5-field cron expression"`
	Sched       Sched          `yaml:"sched,omitempty" json:"sched,omitempty" jsonschema:"description=Per-field schedule, alternative to spec"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty" jsonschema:"description=Script parameters by name"`
	Enabled     *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"description=Schedule enabled state, default true"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
}

// Sched is the per-field schedule form, empty fields mean "*"
type Sched struct {
	Minute  string `yaml:"minute,omitempty" json:"minute,omitempty"`
	Hour    string `yaml:"hour,omitempty" json:"hour,omitempty"`
	Day     string `yaml:"day,omitempty" json:"day,omitempty"`
	Month   string `yaml:"month,omitempty" json:"month,omitempty"`
	Weekday string `yaml:"weekday,omitempty" json:"weekday,omitempty"`
}

func (s Sched) empty() bool {
	return s.Minute == "" && s.Hour == "" && s.Day == "" && s.Month == "" && s.Weekday == ""
}

// spec renders the per-field form as a 5-field cron expression
func (s Sched) spec() string {
	field := func(v string) string {
		if v == "" {
			return "*"
		}
		return v
	}
	return strings.Join([]string{field(s.Minute), field(s.Hour), field(s.Day), field(s.Month), field(s.Weekday)}, " ")
}

// CronSpec returns the effective 5-field cron expression of the seed
func (s Seed) CronSpec() string {
	if s.Spec != "" {
		return s.Spec
	}
	return s.Sched.spec()
}

// IsEnabled applies the enabled default
func (s Seed) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load reads and validates the seed file
func Load(path string) (*SeedConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read seed config %s: %w", path, err)
	}

	var cfg SeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse seed config %s: %w", path, err)
	}

	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
