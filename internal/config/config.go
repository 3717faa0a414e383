package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Gmail      GmailConfig      `yaml:"gmail" mapstructure:"gmail"`
	Slack      SlackConfig      `yaml:"slack" mapstructure:"slack"`
	Gong       GongConfig       `yaml:"gong" mapstructure:"gong"`
	GTMAgent   GTMAgentConfig   `yaml:"gtm_agent" mapstructure:"gtm_agent"`
	Secrets    SecretsConfig    `yaml:"secrets" mapstructure:"secrets"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Signals    SignalsConfig    `yaml:"signals" mapstructure:"signals"`
	Quality    QualityConfig    `yaml:"quality" mapstructure:"quality"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the reasoning-model provider settings used by the
// extraction and quality engines.
type AnthropicConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	ExtractionModel string `yaml:"extraction_model" mapstructure:"extraction_model"`
	QualityModel    string `yaml:"quality_model" mapstructure:"quality_model"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SalesforceConfig holds Salesforce JWT auth settings and the custom object
// the TAS state lives on.
type SalesforceConfig struct {
	ClientID     string  `yaml:"client_id" mapstructure:"client_id"`
	Username     string  `yaml:"username" mapstructure:"username"`
	KeyPath      string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL     string  `yaml:"login_url" mapstructure:"login_url"`
	TasObject    string  `yaml:"tas_object" mapstructure:"tas_object"`
	FieldMapPath string  `yaml:"field_map_path" mapstructure:"field_map_path"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// GmailConfig holds mail signal provider credentials.
type GmailConfig struct {
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
}

// SlackConfig holds chat signal provider credentials. ChannelID, when set,
// restricts event intake to one channel. EventsUser is the local user whose
// deal book inbound events are matched against.
type SlackConfig struct {
	UserToken     string `yaml:"user_token" mapstructure:"user_token"`
	BotToken      string `yaml:"bot_token" mapstructure:"bot_token"`
	SigningSecret string `yaml:"signing_secret" mapstructure:"signing_secret"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	ChannelID     string `yaml:"channel_id" mapstructure:"channel_id"`
	EventsUser    string `yaml:"events_user" mapstructure:"events_user"`
}

// GongConfig holds call-recording signal provider credentials.
type GongConfig struct {
	AccessKey       string `yaml:"access_key" mapstructure:"access_key"`
	AccessKeySecret string `yaml:"access_key_secret" mapstructure:"access_key_secret"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	SignalEndpoint  string `yaml:"signal_endpoint" mapstructure:"signal_endpoint"`
}

// GTMAgentConfig holds the generic GTM agent signal provider settings.
type GTMAgentConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// SecretsConfig configures encryption-at-rest for raw ingestion context.
type SecretsConfig struct {
	// EncryptionKey is a base64-encoded 32-byte AES key.
	EncryptionKey string `yaml:"encryption_key" mapstructure:"encryption_key"`
}

// IngestConfig tunes the ingestion-to-review pipeline.
type IngestConfig struct {
	ConfidenceFloor  float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	MaxDeltasPerRun  int     `yaml:"max_deltas_per_run" mapstructure:"max_deltas_per_run"`
	MinContextLength int     `yaml:"min_context_length" mapstructure:"min_context_length"`
}

// SignalsConfig tunes the signal aggregation layer.
type SignalsConfig struct {
	CacheTTLSecs     int    `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	FetchTimeoutSecs int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	AuthMode         string `yaml:"auth_mode" mapstructure:"auth_mode"`
}

// QualityConfig tunes the TAS quality engine.
type QualityConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEALDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.extraction_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.quality_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.timeout_secs", 90)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.tas_object", "TAS_State__c")
	v.SetDefault("salesforce.rate_limit_rps", 5)
	v.SetDefault("gmail.base_url", "https://gmail.googleapis.com")
	v.SetDefault("slack.base_url", "https://slack.com/api")
	v.SetDefault("slack.events_user", "local")
	v.SetDefault("gong.base_url", "https://api.gong.io")
	v.SetDefault("ingest.confidence_floor", 0.65)
	v.SetDefault("ingest.max_deltas_per_run", 12)
	v.SetDefault("ingest.min_context_length", 20)
	v.SetDefault("signals.cache_ttl_secs", 300)
	v.SetDefault("signals.fetch_timeout_secs", 12)
	v.SetDefault("signals.auth_mode", "workspace")
	v.SetDefault("quality.cache_ttl_secs", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
