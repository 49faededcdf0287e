package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models quorum.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Voting struct {
		LeaderboardTTL string `yaml:"leaderboard_ttl"`
		MinSample      int    `yaml:"min_sample"`
		StallTimeout   string `yaml:"stall_timeout"`
	} `yaml:"voting"`
	Rewards struct {
		Enabled  bool    `yaml:"enabled"`
		Amount   float64 `yaml:"amount"`
		Currency string  `yaml:"currency"`
		Treasury string  `yaml:"treasury"`
	} `yaml:"rewards"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with qm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Voting.MinSample < 0 {
		return fmt.Errorf("config.voting.min_sample must not be negative")
	}
	if c.Voting.LeaderboardTTL != "" {
		if _, err := time.ParseDuration(c.Voting.LeaderboardTTL); err != nil {
			return fmt.Errorf("config.voting.leaderboard_ttl: %w", err)
		}
	}
	if c.Voting.StallTimeout != "" {
		if _, err := time.ParseDuration(c.Voting.StallTimeout); err != nil {
			return fmt.Errorf("config.voting.stall_timeout: %w", err)
		}
	}
	if c.Rewards.Enabled {
		if c.Rewards.Amount <= 0 {
			return fmt.Errorf("config.rewards.amount must be positive when rewards are enabled")
		}
		if c.Rewards.Treasury == "" {
			return fmt.Errorf("config.rewards.treasury is required when rewards are enabled")
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// LeaderboardTTL returns the configured cache TTL or the 5 minute default.
func (c *Config) LeaderboardTTL() time.Duration {
	if c.Voting.LeaderboardTTL == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Voting.LeaderboardTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// MinSample returns the minimum accuracy sample for ranking, default 3.
func (c *Config) MinSample() int {
	if c.Voting.MinSample == 0 {
		return 3
	}
	return c.Voting.MinSample
}

// StallTimeout returns the phase stall timeout; zero disables the sweeper.
func (c *Config) StallTimeout() time.Duration {
	if c.Voting.StallTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Voting.StallTimeout)
	if err != nil {
		return 0
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "quorum.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s

voting:
  # Leaderboard snapshot lifetime before a full rebuild.
  leaderboard_ttl: 5m
  # Users with fewer accuracy records than this are unranked.
  min_sample: 3
  # A phase older than this is force-evaluated by the sweeper.
  # Empty disables the sweeper.
  stall_timeout: 24h

rewards:
  enabled: false
  amount: 0
  currency: USDC
  treasury: ""
`
