// Package cfg holds the static process configuration of the automerge
// service, loaded from a TOML file and overridable via environment
// variables.
package cfg

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// Config is the top-level process configuration.
type Config struct {
	HTTPListenAddr      string `toml:"http_server_listen_addr"`
	HTTPSListenAddr     string `toml:"https_server_listen_addr"`
	HTTPSCertFile       string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile        string `toml:"https_ssl_key_file"`
	WebhookEndpoint     string `toml:"github_webhook_endpoint"`
	GithubWebhookSecret string `toml:"github_webhook_secret"`

	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`

	GithubApp GithubApp `toml:"github_app"`
	Redis     Redis     `toml:"redis"`
	Scheduler Scheduler `toml:"scheduler"`
}

// GithubApp holds the GitHub App credentials used to mint per-installation
// access tokens, and a fallback personal access token for local testing
// without a registered App.
type GithubApp struct {
	AppID          int64  `toml:"app_id"`
	InstallationID int64  `toml:"installation_id"`
	PrivateKeyFile string `toml:"private_key_file"`
	APIToken       string `toml:"api_token"`
}

// Redis holds the connection settings for the Durable Queue Store.
type Redis struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	Namespace string `toml:"namespace" default:"automerge"`
}

// Scheduler holds the tunables of the worker pool and the merge pipeline.
type Scheduler struct {
	WorkerCount             int           `toml:"worker_count"`
	LeaseTTL                time.Duration `toml:"lease_ttl"`
	LeaseHeartbeatInterval  time.Duration `toml:"lease_heartbeat_interval"`
	MaxItemWindow           time.Duration `toml:"max_item_window"`
	MaxRetries              int           `toml:"max_retries"`
	RetryTimeout            time.Duration `toml:"retry_timeout"`
	BackoffInitialInterval  time.Duration `toml:"backoff_initial_interval"`
	RateLimitMinRemaining   int           `toml:"rate_limit_min_remaining"`
	RateLimitCooldown       time.Duration `toml:"rate_limit_cooldown"`
	ThrottleCooldownJitter  time.Duration `toml:"throttle_cooldown_jitter"`
	ThrottleCooldownMax     time.Duration `toml:"throttle_cooldown_max"`
	PeriodicTriggerInterval time.Duration `toml:"periodic_trigger_interval"`
}

func defaults() Config {
	return Config{
		HTTPListenAddr:  ":8080",
		WebhookEndpoint: "/webhook",
		LogFormat:       "logfmt",
		LogTimeKey:      "ts",
		LogLevel:        "info",
		Redis: Redis{
			Addr:      "127.0.0.1:6379",
			Namespace: "automerge",
		},
		Scheduler: Scheduler{
			WorkerCount:             4,
			LeaseTTL:                2 * time.Minute,
			LeaseHeartbeatInterval:  30 * time.Second,
			MaxItemWindow:           30 * time.Minute,
			MaxRetries:              5,
			RetryTimeout:            2 * time.Hour,
			BackoffInitialInterval:  5 * time.Second,
			RateLimitMinRemaining:   100,
			RateLimitCooldown:       time.Minute,
			ThrottleCooldownJitter:  10 * time.Second,
			ThrottleCooldownMax:     5 * time.Minute,
			PeriodicTriggerInterval: 5 * time.Minute,
		},
	}
}

// Load parses a TOML configuration file and applies environment variable
// overrides for the installation credentials, mirroring the override
// pattern of deployments that inject secrets via the environment instead of
// a config file on disk.
func Load(reader io.Reader) (*Config, error) {
	result := defaults()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	applyEnvOverrides(&result)

	return &result, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOMERGE_GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GithubWebhookSecret = v
	}

	if v := os.Getenv("AUTOMERGE_GITHUB_API_TOKEN"); v != "" {
		cfg.GithubApp.APIToken = v
	}

	if v := os.Getenv("AUTOMERGE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	if v := os.Getenv("AUTOMERGE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

// Validate checks that the configuration is complete enough to start the
// service.
func (c *Config) Validate() error {
	if c.GithubWebhookSecret == "" {
		return fmt.Errorf("github_webhook_secret must not be empty")
	}

	if c.GithubApp.APIToken == "" {
		if c.GithubApp.AppID == 0 || c.GithubApp.PrivateKeyFile == "" || c.GithubApp.InstallationID == 0 {
			return fmt.Errorf("either github_app.api_token or github_app.app_id, github_app.installation_id and github_app.private_key_file must be set")
		}
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}

	if c.Scheduler.WorkerCount <= 0 {
		return fmt.Errorf("scheduler.worker_count must be > 0")
	}

	return nil
}
