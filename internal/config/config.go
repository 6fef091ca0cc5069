package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration file.
type Config struct {
	ListenAddr           string           `yaml:"listen_addr"`
	PolicyPath           string           `yaml:"policy_path"`
	PolicyReloadInterval time.Duration    `yaml:"policy_reload_interval"`
	SweepInterval        time.Duration    `yaml:"sweep_interval"`
	DB                   DBConfig         `yaml:"db"`
	Ledger               LedgerConfig     `yaml:"ledger"`
	SigningKey           SigningKeyConfig `yaml:"signing_key"`
	Slack                SlackConfig      `yaml:"slack"`
	PubSub               PubSubConfig     `yaml:"pubsub"`
	Redis                RedisConfig      `yaml:"redis"`
	Auth                 AuthConfig       `yaml:"auth"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LedgerConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	QueueSize     int           `yaml:"queue_size"`
	FallbackPath  string        `yaml:"fallback_path"`
}

type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type SlackConfig struct {
	Enabled         bool          `yaml:"enabled"`
	WebhookURL      string        `yaml:"webhook_url"`
	ApprovalChannel string        `yaml:"approval_channel"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type AuthConfig struct {
	AdminToken string        `yaml:"admin_token"`
	Tenants    []TenantToken `yaml:"tenants"`
}

type TenantToken struct {
	TenantID string `yaml:"tenant_id"`
	Subject  string `yaml:"subject"`
	Token    string `yaml:"token"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}

	switch c.DB.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if c.DB.Driver != "" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is set")
	}

	if c.Ledger.BatchSize < 0 || c.Ledger.QueueSize < 0 {
		return fmt.Errorf("ledger batch_size and queue_size must not be negative")
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack.enabled=true")
	}

	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set together")
	}

	seen := map[string]bool{}
	for i, tt := range c.Auth.Tenants {
		if tt.TenantID == "" || tt.Token == "" {
			return fmt.Errorf("auth.tenants[%d] needs tenant_id and token", i)
		}
		if seen[tt.Token] || tt.Token == c.Auth.AdminToken {
			return fmt.Errorf("auth.tenants[%d] reuses a token", i)
		}
		seen[tt.Token] = true
	}

	return nil
}
