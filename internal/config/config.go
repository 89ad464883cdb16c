package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultOrg keys the stored governance config when no multi-org setup exists.
const DefaultOrg = "default-org"

// Config models careline.yml: the governance options for one organization.
type Config struct {
	Org struct {
		ID       string `yaml:"id" json:"id"`
		TimeZone string `yaml:"time_zone" json:"time_zone"`
	} `yaml:"org" json:"org"`
	SLA struct {
		AcceptanceHours   int    `yaml:"acceptance_sla_hours" json:"acceptance_sla_hours"`
		NotificationHours int    `yaml:"notification_sla_hours" json:"notification_sla_hours"`
		OutreachHours     int    `yaml:"outreach_sla_hours" json:"outreach_sla_hours"`
		BusinessDayEnd    string `yaml:"business_day_end" json:"business_day_end"`
	} `yaml:"sla" json:"sla"`
	Reconciler struct {
		Enabled  bool   `yaml:"enabled" json:"enabled"`
		Schedule string `yaml:"schedule" json:"schedule"`
	} `yaml:"reconciler" json:"reconciler"`
	Nudge struct {
		MinMessageLen int `yaml:"min_message_len" json:"min_message_len"`
		MaxMessageLen int `yaml:"max_message_len" json:"max_message_len"`
	} `yaml:"nudge" json:"nudge"`
	Unassign struct {
		MaxReasonLen int      `yaml:"max_reason_len" json:"max_reason_len"`
		ReasonCodes  []string `yaml:"reason_codes" json:"reason_codes"`
	} `yaml:"unassign" json:"unassign"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound subscriber for governance events.
// Empty Actions means every action is delivered.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Actions        []string `yaml:"actions,omitempty" json:"actions,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if _, err := time.LoadLocation(c.Org.TimeZone); err != nil {
		return fmt.Errorf("config.org.time_zone %q: %w", c.Org.TimeZone, err)
	}
	if c.SLA.AcceptanceHours <= 0 {
		return fmt.Errorf("config.sla.acceptance_sla_hours must be positive")
	}
	if c.SLA.NotificationHours <= 0 {
		return fmt.Errorf("config.sla.notification_sla_hours must be positive")
	}
	if c.SLA.OutreachHours <= 0 {
		return fmt.Errorf("config.sla.outreach_sla_hours must be positive")
	}
	if _, _, err := ParseClock(c.SLA.BusinessDayEnd); err != nil {
		return fmt.Errorf("config.sla.business_day_end: %w", err)
	}
	if c.Reconciler.Enabled && c.Reconciler.Schedule == "" {
		return fmt.Errorf("config.reconciler.schedule required when reconciler enabled")
	}
	if c.Nudge.MinMessageLen <= 0 || c.Nudge.MaxMessageLen < c.Nudge.MinMessageLen {
		return fmt.Errorf("config.nudge message length bounds invalid")
	}
	if c.Unassign.MaxReasonLen <= 0 {
		return fmt.Errorf("config.unassign.max_reason_len must be positive")
	}
	if len(c.Unassign.ReasonCodes) == 0 {
		return fmt.Errorf("config.unassign.reason_codes is required")
	}
	hasOther := false
	for _, code := range c.Unassign.ReasonCodes {
		if code == "" {
			return fmt.Errorf("config.unassign.reason_codes contains empty code")
		}
		if code == "other" {
			hasOther = true
		}
	}
	if !hasOther {
		return fmt.Errorf("config.unassign.reason_codes must include other")
	}
	return nil
}

// Location resolves the org time zone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Org.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careline.yml")
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, orgID)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `org:
  id: %s
  time_zone: UTC

sla:
  acceptance_sla_hours: 8
  notification_sla_hours: 4
  outreach_sla_hours: 4
  business_day_end: "17:00"

reconciler:
  enabled: false
  schedule: "@every 10m"

nudge:
  min_message_len: 20
  max_message_len: 300

unassign:
  max_reason_len: 300
  reason_codes:
    - workload
    - availability
    - scope_change
    - rn_request
    - other
`
