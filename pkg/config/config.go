package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the provisioner server configuration
type Config struct {
	ListenAddr          string        `yaml:"listenAddr"`
	DataDir             string        `yaml:"dataDir"`
	ProvisionerID       string        `yaml:"provisionerId"`
	ProvisionerBaseURL  string        `yaml:"provisionerBaseUrl"`
	KeyPrefix           string        `yaml:"keyPrefix"`
	MaxUpdateRetries    int           `yaml:"maxUpdateRetries"`
	UpdateRetryInterval time.Duration `yaml:"updateRetryInterval"`
	SecretSweepInterval time.Duration `yaml:"secretSweepInterval"`
	EncryptionKey       string        `yaml:"encryptionKey"`

	Log         LogConfig         `yaml:"log"`
	Auth        AuthConfig        `yaml:"auth"`
	Credentials CredentialsConfig `yaml:"credentials"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
}

// LogConfig selects log level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig controls scope enforcement
type AuthConfig struct {
	Disabled bool `yaml:"disabled"`
}

// CredentialsConfig is the permanent client temporary credentials are
// issued from
type CredentialsConfig struct {
	ClientID    string `yaml:"clientId"`
	AccessToken string `yaml:"accessToken"`
}

// RateLimitConfig limits the routes booting instances call, per address
type RateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		ListenAddr:          "127.0.0.1:5556",
		DataDir:             "./provisioner-data",
		ProvisionerID:       "aws-provisioner-v1",
		KeyPrefix:           "aws-provisioner-v1-managed:",
		MaxUpdateRetries:    10,
		UpdateRetryInterval: 25 * time.Millisecond,
		SecretSweepInterval: 10 * time.Minute,
		Log:                 LogConfig{Level: "info"},
		RateLimit:           RateLimitConfig{PerSecond: 5, Burst: 10},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file
// keep their default value.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listenAddr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	if c.ProvisionerID == "" {
		errs = append(errs, errors.New("provisionerId is required"))
	}
	if c.MaxUpdateRetries < 1 {
		errs = append(errs, fmt.Errorf("maxUpdateRetries must be at least 1, got %d", c.MaxUpdateRetries))
	}
	if c.SecretSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("secretSweepInterval must be positive, got %s", c.SecretSweepInterval))
	}
	if c.Credentials.ClientID == "" || c.Credentials.AccessToken == "" {
		errs = append(errs, errors.New("credentials.clientId and credentials.accessToken are required"))
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, errors.New("rateLimit.perSecond must not be negative"))
	}
	return errors.Join(errs...)
}
