package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAgentStorePath    = "projectx-agent.db"
	defaultSyncInterval      = 10 * time.Minute
	defaultSyncRetryBase     = time.Minute
	defaultSyncRetryMax      = 5 * time.Hour
	defaultCommandPoll       = 30 * time.Second
	defaultAgentHTTPTimeout  = 30 * time.Second
	defaultAgentDeviceName   = "projectx-agent"
	minimumAgentSyncInterval = time.Minute
)

// AgentConfig captures runtime configuration for the capture agent.
type AgentConfig struct {
	ServerURL           string
	APIKey              string
	DeviceID            string
	DeviceName          string
	StorePath           string
	SyncInterval        time.Duration
	RetryBase           time.Duration
	RetryMax            time.Duration
	CommandPollInterval time.Duration
	HTTPTimeout         time.Duration
	LogLevel            string
}

// NewAgentViper returns a viper instance with agent defaults and env bindings configured.
func NewAgentViper() *viper.Viper {
	configViper := viper.New()
	ApplyAgentDefaults(configViper)
	return configViper
}

// ApplyAgentDefaults configures agent defaults and env bindings on the provided viper instance.
func ApplyAgentDefaults(configViper *viper.Viper) {
	bindEnv(configViper)

	configViper.SetDefault("device.name", defaultDeviceName())
	configViper.SetDefault("store.path", defaultAgentStorePath)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.retry_base", defaultSyncRetryBase)
	configViper.SetDefault("sync.retry_max", defaultSyncRetryMax)
	configViper.SetDefault("commands.poll_interval", defaultCommandPoll)
	configViper.SetDefault("http.timeout", defaultAgentHTTPTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadAgent parses agent configuration from viper. The server URL and API key may be
// empty; the agent then records skipped runs instead of failing to start.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:           strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		APIKey:              strings.TrimSpace(configViper.GetString("server.api_key")),
		DeviceID:            strings.TrimSpace(configViper.GetString("device.id")),
		DeviceName:          strings.TrimSpace(configViper.GetString("device.name")),
		StorePath:           strings.TrimSpace(configViper.GetString("store.path")),
		SyncInterval:        configViper.GetDuration("sync.interval"),
		RetryBase:           configViper.GetDuration("sync.retry_base"),
		RetryMax:            configViper.GetDuration("sync.retry_max"),
		CommandPollInterval: configViper.GetDuration("commands.poll_interval"),
		HTTPTimeout:         configViper.GetDuration("http.timeout"),
		LogLevel:            configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// LockPath returns the single-instance lock file that sits next to the capture store.
func (c AgentConfig) LockPath() string {
	return filepath.Join(filepath.Dir(c.StorePath), "projectx-agent.lock")
}

func (c AgentConfig) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.SyncInterval < minimumAgentSyncInterval {
		return fmt.Errorf("sync.interval must be at least %s", minimumAgentSyncInterval)
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("sync.retry_base must be positive and not exceed sync.retry_max")
	}
	if c.CommandPollInterval <= 0 {
		return fmt.Errorf("commands.poll_interval must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	return nil
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return defaultAgentDeviceName
	}
	return host
}
