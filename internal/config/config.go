package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultToken is the placeholder shipped in the generated config. Serving
// with it still in place triggers one-time token generation.
const DefaultToken = "change_me_for_security"

// Config models medtrack.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		Token string `yaml:"token"`
	} `yaml:"auth"`
	Timezone string `yaml:"timezone"`
	VAPID    struct {
		PublicKey  string `yaml:"public_key"`
		PrivateKey string `yaml:"private_key"`
		Subscriber string `yaml:"subscriber"`
	} `yaml:"vapid"`
	Reminder struct {
		TickSeconds         int    `yaml:"tick_seconds"`
		SnoozeMinutes       int    `yaml:"snooze_minutes"`
		MaxDeliveriesPerDay int    `yaml:"max_deliveries_per_day"`
		StockAlertTime      string `yaml:"stock_alert_time"`
	} `yaml:"reminder"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with medtrack config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// fall back to defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Auth.Token == "" {
		return fmt.Errorf("config.auth.token is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.timezone: %w", err)
	}
	if c.Reminder.TickSeconds <= 0 {
		return fmt.Errorf("config.reminder.tick_seconds must be positive")
	}
	if c.Reminder.SnoozeMinutes <= 0 {
		return fmt.Errorf("config.reminder.snooze_minutes must be positive")
	}
	if c.Reminder.MaxDeliveriesPerDay <= 0 {
		return fmt.Errorf("config.reminder.max_deliveries_per_day must be positive")
	}
	if _, err := time.Parse("15:04", c.Reminder.StockAlertTime); err != nil {
		return fmt.Errorf("config.reminder.stock_alert_time must be HH:MM: %w", err)
	}
	return nil
}

// Location resolves the configured timezone. "Local" or empty means the
// host timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// TickInterval returns the scheduler tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Reminder.TickSeconds) * time.Second
}

// SnoozeDuration returns how long a snoozed reminder waits.
func (c *Config) SnoozeDuration() time.Duration {
	return time.Duration(c.Reminder.SnoozeMinutes) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "medtrack.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
	if c.Auth.Token == "" {
		c.Auth.Token = DefaultToken
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.VAPID.Subscriber == "" {
		c.VAPID.Subscriber = "mailto:medtrack@localhost"
	}
	if c.Reminder.TickSeconds == 0 {
		c.Reminder.TickSeconds = 60
	}
	if c.Reminder.SnoozeMinutes == 0 {
		c.Reminder.SnoozeMinutes = 15
	}
	if c.Reminder.MaxDeliveriesPerDay == 0 {
		c.Reminder.MaxDeliveriesPerDay = 3
	}
	if c.Reminder.StockAlertTime == "" {
		c.Reminder.StockAlertTime = "08:00"
	}
}

// GenerateDefault returns default config YAML with the given token.
func GenerateDefault(token string) string {
	if token == "" {
		token = DefaultToken
	}
	return fmt.Sprintf(defaultTemplate, token)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: "/v1"

auth:
  token: "%s"

# IANA zone name used for day windows and schedule times; "Local" uses the
# host timezone.
timezone: "Local"

vapid:
  public_key: ""
  private_key: ""
  subscriber: "mailto:medtrack@localhost"

reminder:
  tick_seconds: 60
  snooze_minutes: 15
  max_deliveries_per_day: 3
  stock_alert_time: "08:00"
`
