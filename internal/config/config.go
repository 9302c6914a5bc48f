package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "DISPATCH"

	defaultAgentDatabasePath = "dispatch-agent.db"
	defaultSyncInterval      = 30 * time.Second
	defaultDebounceQuiet     = 2 * time.Second
	defaultPullPageLimit     = 100
	defaultPushBatchLimit    = 50
	defaultRetryCeiling      = 5
	defaultRequestTimeout    = 15 * time.Second

	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultAuthorityDatabasePath = "dispatch-authority.db"

	defaultLogLevel = "info"
)

// AgentConfig captures runtime configuration for the replication agent.
type AgentConfig struct {
	ServerURL      string
	AuthToken      string
	TenantID       string
	DatabasePath   string
	LogLevel       string
	LogFile        string
	SyncInterval   time.Duration
	DebounceQuiet  time.Duration
	PullPageLimit  int
	PushBatchLimit int
	RetryCeiling   int
	RequestTimeout time.Duration
}

// AuthorityConfig captures runtime configuration for the reference server.
type AuthorityConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	LogLevel      string
}

// NewAgentViper returns a viper instance with agent defaults and env
// bindings configured.
func NewAgentViper() *viper.Viper {
	configViper := viper.New()
	ApplyAgentDefaults(configViper)
	return configViper
}

// ApplyAgentDefaults configures agent defaults and env bindings on the
// provided viper instance.
func ApplyAgentDefaults(configViper *viper.Viper) {
	applyEnvBindings(configViper)

	configViper.SetDefault("server.url", "")
	configViper.SetDefault("server.token", "")
	configViper.SetDefault("tenant.id", "")
	configViper.SetDefault("database.path", defaultAgentDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.debounce_quiet", defaultDebounceQuiet)
	configViper.SetDefault("sync.pull_page_limit", defaultPullPageLimit)
	configViper.SetDefault("sync.push_batch_limit", defaultPushBatchLimit)
	configViper.SetDefault("sync.retry_ceiling", defaultRetryCeiling)
	configViper.SetDefault("sync.request_timeout", defaultRequestTimeout)
}

// NewAuthorityViper returns a viper instance with authority defaults and env
// bindings configured.
func NewAuthorityViper() *viper.Viper {
	configViper := viper.New()
	ApplyAuthorityDefaults(configViper)
	return configViper
}

// ApplyAuthorityDefaults configures authority defaults and env bindings on
// the provided viper instance.
func ApplyAuthorityDefaults(configViper *viper.Viper) {
	applyEnvBindings(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultAuthorityDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
}

func applyEnvBindings(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// LoadAgent parses agent runtime configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:      configViper.GetString("server.url"),
		AuthToken:      configViper.GetString("server.token"),
		TenantID:       configViper.GetString("tenant.id"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        configViper.GetString("log.file"),
		SyncInterval:   configViper.GetDuration("sync.interval"),
		DebounceQuiet:  configViper.GetDuration("sync.debounce_quiet"),
		PullPageLimit:  configViper.GetInt("sync.pull_page_limit"),
		PushBatchLimit: configViper.GetInt("sync.push_batch_limit"),
		RetryCeiling:   configViper.GetInt("sync.retry_ceiling"),
		RequestTimeout: configViper.GetDuration("sync.request_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("server.token is required")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("tenant.id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// LoadAuthority parses authority runtime configuration from viper.
func LoadAuthority(configViper *viper.Viper) (AuthorityConfig, error) {
	cfg := AuthorityConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AuthorityConfig{}, err
	}
	return cfg, nil
}

func (c AuthorityConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
