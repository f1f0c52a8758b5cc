// Package config loads wardwatch configuration from defaults, an optional
// YAML file, .env files and WARDWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/logging"
	"github.com/kamilpajak/wardwatch/internal/orchestrator"
	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/internal/stream"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WARDWATCH"

// Config is the full process configuration.
type Config struct {
	Server       ServerConfig                          `mapstructure:"server"`
	Budget       budget.Config                         `mapstructure:"budget"`
	Breaker      breaker.Config                        `mapstructure:"breaker"`
	Orchestrator orchestrator.Config                   `mapstructure:"orchestrator"`
	Stream       stream.Config                         `mapstructure:"stream"`
	Analyzer     query.TierCuts                        `mapstructure:"analyzer"`
	Confidence   ConfidenceConfig                      `mapstructure:"confidence"`
	Providers    map[models.ProviderID]provider.Config `mapstructure:"providers"`
	Routing      RoutingConfig                         `mapstructure:"routing"`
	Database     DatabaseConfig                        `mapstructure:"database"`
	Log          LogConfig                             `mapstructure:"log"`

	// MissingKeys lists enabled remote providers that were switched off
	// because no API key was configured.
	MissingKeys []models.ProviderID `mapstructure:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigin   string        `mapstructure:"allowed_origin"`
}

// ConfidenceConfig holds the scoring defaults used when a request does not
// set its own.
type ConfidenceConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	Consensus bool    `mapstructure:"consensus"`
}

// RoutingConfig points at an optional routing policy table.
type RoutingConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// DatabaseConfig holds the spend journal connection.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// conventionalKeys maps a backend to the API key variable its SDK reads.
var conventionalKeys = map[string]string{
	provider.BackendOpenAI:    "OPENAI_API_KEY",
	provider.BackendAnthropic: "ANTHROPIC_API_KEY",
	provider.BackendRealtime:  "PERPLEXITY_API_KEY",
	provider.BackendGemini:    "GOOGLE_API_KEY",
}

var providerDefaults = map[models.ProviderID]provider.Config{
	models.ProviderGeneral: {
		Enabled: true, Backend: provider.BackendOpenAI, Model: "gpt-4o-mini",
		InputPer1K: 0.00015, OutputPer1K: 0.0006, MaxTokens: 2048,
	},
	models.ProviderRealtime: {
		Enabled: true, Backend: provider.BackendRealtime, Model: "sonar",
		InputPer1K: 0.001, OutputPer1K: 0.001, MaxTokens: 2048,
	},
	models.ProviderReasoning: {
		Enabled: true, Backend: provider.BackendAnthropic, Model: "claude-sonnet-4-20250514",
		InputPer1K: 0.003, OutputPer1K: 0.015, MaxTokens: 4096,
	},
	models.ProviderLocal: {
		Enabled: true, Backend: provider.BackendOllama, Model: "llama3.1:8b",
		BaseURL: "http://localhost:11434", MaxTokens: 2048,
	},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origin", "*")

	b := budget.DefaultConfig()
	v.SetDefault("budget.period", string(b.Period))
	v.SetDefault("budget.limit_usd", b.LimitUSD)
	v.SetDefault("budget.warning_pct", b.WarningPct)
	v.SetDefault("budget.critical_pct", b.CriticalPct)
	v.SetDefault("budget.emergency_pct", b.EmergencyPct)
	v.SetDefault("budget.reservation_slack", b.ReservationSlack)

	br := breaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", br.FailureThreshold)
	v.SetDefault("breaker.success_threshold", br.SuccessThreshold)
	v.SetDefault("breaker.recovery_timeout", br.RecoveryTimeout)

	v.SetDefault("orchestrator.call_timeout", orchestrator.DefaultConfig().CallTimeout)

	s := stream.DefaultConfig()
	v.SetDefault("stream.heartbeat_interval", s.HeartbeatInterval)
	v.SetDefault("stream.buffer_size", s.BufferSize)
	v.SetDefault("stream.history_size", s.HistorySize)
	v.SetDefault("stream.topic_idle_timeout", s.TopicIdleTimeout)
	v.SetDefault("stream.max_topics", s.MaxTopics)

	cuts := query.DefaultTierCuts()
	v.SetDefault("analyzer.simple", cuts.Simple)
	v.SetDefault("analyzer.moderate", cuts.Moderate)
	v.SetDefault("analyzer.complex", cuts.Complex)
	v.SetDefault("analyzer.urgent_promotion", cuts.UrgentPromotion)

	v.SetDefault("confidence.threshold", 0.7)
	v.SetDefault("confidence.consensus", false)

	for id, p := range providerDefaults {
		key := "providers." + string(id) + "."
		v.SetDefault(key+"enabled", p.Enabled)
		v.SetDefault(key+"backend", p.Backend)
		v.SetDefault(key+"api_key", "")
		v.SetDefault(key+"base_url", p.BaseURL)
		v.SetDefault(key+"model", p.Model)
		v.SetDefault(key+"input_per_1k", p.InputPer1K)
		v.SetDefault(key+"output_per_1k", p.OutputPer1K)
		v.SetDefault(key+"requests_per_minute", p.RequestsPerMinute)
		v.SetDefault(key+"max_tokens", p.MaxTokens)
	}

	v.SetDefault("routing.policy_file", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatJSON)
}

// Load reads configuration. An empty file searches wardwatch.yaml in ./,
// ./config and $HOME/.wardwatch; a missing file is not an error. A named
// file must exist.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("wardwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.wardwatch")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolveProviders()
	return &cfg, nil
}

// resolveProviders fills API keys from the conventional variables and
// switches off remote providers that still have none.
func (c *Config) resolveProviders() {
	c.MissingKeys = nil
	for _, id := range models.AllProviders {
		p, ok := c.Providers[id]
		if !ok {
			continue
		}
		if p.APIKey == "" {
			if env, ok := conventionalKeys[p.Backend]; ok {
				p.APIKey = os.Getenv(env)
			}
		}
		if p.Enabled && p.APIKey == "" && p.Backend != provider.BackendOllama {
			p.Enabled = false
			c.MissingKeys = append(c.MissingKeys, id)
		}
		c.Providers[id] = p
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 || c.Breaker.RecoveryTimeout <= 0 {
		return errors.New("breaker thresholds and recovery_timeout must be positive")
	}
	if c.Orchestrator.CallTimeout <= 0 {
		return errors.New("orchestrator.call_timeout must be positive")
	}
	if c.Orchestrator.CallTimeout >= c.Server.RequestTimeout {
		return fmt.Errorf("orchestrator.call_timeout %s must be shorter than server.request_timeout %s",
			c.Orchestrator.CallTimeout, c.Server.RequestTimeout)
	}
	if c.Stream.BufferSize <= 0 || c.Stream.HeartbeatInterval <= 0 || c.Stream.HistorySize < 0 {
		return errors.New("stream buffer_size and heartbeat_interval must be positive")
	}
	if c.Stream.TopicIdleTimeout <= 0 || c.Stream.MaxTopics <= 0 {
		return errors.New("stream topic_idle_timeout and max_topics must be positive")
	}
	cuts := c.Analyzer
	if !(0 < cuts.Simple && cuts.Simple < cuts.Moderate && cuts.Moderate < cuts.Complex && cuts.Complex <= 1) {
		return errors.New("analyzer cut points must satisfy 0 < simple < moderate < complex <= 1")
	}
	if c.Confidence.Threshold < 0 || c.Confidence.Threshold > 1 {
		return fmt.Errorf("confidence.threshold %.2f outside [0,1]", c.Confidence.Threshold)
	}

	enabled := 0
	for id, p := range c.Providers {
		if _, err := models.ParseProviderID(string(id)); err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		if p.InputPer1K < 0 || p.OutputPer1K < 0 || p.RequestsPerMinute < 0 {
			return fmt.Errorf("providers.%s: pricing and rate limit must not be negative", id)
		}
		if id.IsFree() && (p.InputPer1K > 0 || p.OutputPer1K > 0) {
			return fmt.Errorf("providers.%s: the local provider cannot be priced", id)
		}
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("no providers enabled")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}
