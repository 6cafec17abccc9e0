package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tagline service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabasesConfig groups backing-store connection settings
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// ProvidersConfig contains external model provider settings
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the text-generation capability
type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// PipelineConfig holds every tunable of the aggregation pipeline.
type PipelineConfig struct {
	QuietWindow      time.Duration `mapstructure:"quiet_window"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	MinSampleCount   int           `mapstructure:"min_sample_count"`
	IssueLimit       int           `mapstructure:"issue_limit"`
	TagLimit         int           `mapstructure:"tag_limit"`
	ExampleLimit     int           `mapstructure:"example_limit"`
	MergeQuietWindow time.Duration `mapstructure:"merge_quiet_window"`
	MergeMaxWait     time.Duration `mapstructure:"merge_max_wait"`
	MergeMinLabels   int           `mapstructure:"merge_min_labels"`
	MergeMaxLabels   int           `mapstructure:"merge_max_labels"`
	AbilityMinTags   int           `mapstructure:"ability_min_tags"`
	AbilityTagLimit  int           `mapstructure:"ability_tag_limit"`
	SweepCron        string        `mapstructure:"sweep_cron"`
	HintCacheTTL     time.Duration `mapstructure:"hint_cache_ttl"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.QuietWindow <= 0 {
		p.QuietWindow = 5 * time.Minute
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 30 * time.Minute
	}
	if p.MinSampleCount <= 0 {
		p.MinSampleCount = 5
	}
	if p.IssueLimit <= 0 {
		p.IssueLimit = 50
	}
	if p.TagLimit <= 0 {
		p.TagLimit = 8
	}
	if p.ExampleLimit <= 0 {
		p.ExampleLimit = 2
	}
	if p.MergeQuietWindow <= 0 {
		p.MergeQuietWindow = 10 * time.Minute
	}
	if p.MergeMaxWait <= 0 {
		p.MergeMaxWait = time.Hour
	}
	if p.MergeMinLabels <= 0 {
		p.MergeMinLabels = 4
	}
	if p.MergeMaxLabels <= 0 {
		p.MergeMaxLabels = 120
	}
	if p.AbilityMinTags <= 0 {
		p.AbilityMinTags = 4
	}
	if p.AbilityTagLimit <= 0 {
		p.AbilityTagLimit = 60
	}
	if p.SweepCron == "" {
		p.SweepCron = "*/5 * * * *"
	}
	if p.HintCacheTTL <= 0 {
		p.HintCacheTTL = 5 * time.Minute
	}
	if p.LockTTL <= 0 {
		p.LockTTL = 2 * time.Minute
	}
	return p
}

// Validate ensures pipeline settings are coherent.
func (p PipelineConfig) Validate() error {
	if p.MaxWait < p.QuietWindow {
		return fmt.Errorf("pipeline.max_wait must be >= pipeline.quiet_window")
	}
	if p.MergeMaxLabels < p.MergeMinLabels {
		return fmt.Errorf("pipeline.merge_max_labels must be >= pipeline.merge_min_labels")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port must be >= 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig reads configuration from file and environment (TAGLINE_*).
// A missing config file is tolerated; env and defaults still apply.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("TAGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Pipeline = config.Pipeline.Normalize()

	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
