package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PROJECTX"
	defaultHTTPAddress        = "0.0.0.0:8000"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "projectx.db"
	defaultLogLevel           = "info"
	defaultTokenTTLMinutes    = 60 * 24 * 30
	defaultLLMMode            = "direct"
	defaultLLMModel           = "openai/gpt-4o-mini"
	defaultLLMTimeoutSeconds  = 20
	defaultRulesRefresh       = time.Minute
	defaultCommandTTL         = 24 * time.Hour
	defaultRateLimitWindow    = time.Minute
	defaultNATSSubject        = "projectx.alerts"
	defaultSMSClaimTTL        = 2 * time.Minute
	defaultCommandWaitCeiling = 30 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	APIKey        string
	SigningSecret string
	TokenTTL      time.Duration

	LLMAPIKey         string
	LLMBaseURL        string
	LLMModel          string
	LLMMode           string
	LLMTimeoutSeconds int

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	AlertPhoneNumber string
	SMSClaimTTL      time.Duration

	RulesRefreshInterval time.Duration
	CommandTTL           time.Duration
	CommandWaitCeiling   time.Duration

	RedisAddr         string
	RedisPassword     string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	NATSURL     string
	NATSSubject string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	bindEnv(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("llm.mode", defaultLLMMode)
	configViper.SetDefault("llm.model", defaultLLMModel)
	configViper.SetDefault("llm.timeout_seconds", defaultLLMTimeoutSeconds)
	configViper.SetDefault("twilio.claim_ttl", defaultSMSClaimTTL)
	configViper.SetDefault("rules.refresh_interval", defaultRulesRefresh)
	configViper.SetDefault("commands.ttl", defaultCommandTTL)
	configViper.SetDefault("commands.wait_ceiling", defaultCommandWaitCeiling)
	configViper.SetDefault("ratelimit.requests", 0)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
	configViper.SetDefault("nats.subject", defaultNATSSubject)
}

func bindEnv(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		LogLevel:             configViper.GetString("log.level"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		APIKey:               strings.TrimSpace(configViper.GetString("auth.api_key")),
		SigningSecret:        strings.TrimSpace(configViper.GetString("auth.signing_secret")),
		TokenTTL:             time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LLMAPIKey:            strings.TrimSpace(configViper.GetString("llm.api_key")),
		LLMBaseURL:           strings.TrimSpace(configViper.GetString("llm.base_url")),
		LLMModel:             strings.TrimSpace(configViper.GetString("llm.model")),
		LLMMode:              strings.ToLower(strings.TrimSpace(configViper.GetString("llm.mode"))),
		LLMTimeoutSeconds:    configViper.GetInt("llm.timeout_seconds"),
		TwilioAccountSID:     strings.TrimSpace(configViper.GetString("twilio.account_sid")),
		TwilioAuthToken:      strings.TrimSpace(configViper.GetString("twilio.auth_token")),
		TwilioFromNumber:     strings.TrimSpace(configViper.GetString("twilio.from_number")),
		AlertPhoneNumber:     strings.TrimSpace(configViper.GetString("alert.phone_number")),
		SMSClaimTTL:          configViper.GetDuration("twilio.claim_ttl"),
		RulesRefreshInterval: configViper.GetDuration("rules.refresh_interval"),
		CommandTTL:           configViper.GetDuration("commands.ttl"),
		CommandWaitCeiling:   configViper.GetDuration("commands.wait_ceiling"),
		RedisAddr:            strings.TrimSpace(configViper.GetString("redis.addr")),
		RedisPassword:        configViper.GetString("redis.password"),
		RateLimitRequests:    configViper.GetInt("ratelimit.requests"),
		RateLimitWindow:      configViper.GetDuration("ratelimit.window"),
		NATSURL:              strings.TrimSpace(configViper.GetString("nats.url")),
		NATSSubject:          strings.TrimSpace(configViper.GetString("nats.subject")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// TwilioConfigured reports whether every Twilio credential is present.
func (c AppConfig) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// RateLimitEnabled reports whether the ingestion limiter should be installed.
func (c AppConfig) RateLimitEnabled() bool {
	return c.RedisAddr != "" && c.RateLimitRequests > 0
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.LLMMode {
	case "direct", "orchestrated":
	default:
		return fmt.Errorf("llm.mode %q is not supported", c.LLMMode)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.RulesRefreshInterval <= 0 {
		return fmt.Errorf("rules.refresh_interval must be positive")
	}
	if c.CommandTTL <= 0 {
		return fmt.Errorf("commands.ttl must be positive")
	}
	if c.TwilioConfigured() && c.AlertPhoneNumber == "" {
		return fmt.Errorf("alert.phone_number is required when twilio is configured")
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	return nil
}
