package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	APIURL        string `mapstructure:"api_url"`
	SignalURL     string `mapstructure:"signal_url"`
	AnalysisURL   string `mapstructure:"analysis_url"`
	SessionCookie string `mapstructure:"session_cookie"`
	SessionToken  string `mapstructure:"session_token"`

	ICEServers []string `mapstructure:"ice_servers"`

	PingPeriod          time.Duration `mapstructure:"ping_period"`
	AnalysisInterval    time.Duration `mapstructure:"analysis_interval"`
	InsightPingInterval time.Duration `mapstructure:"insight_ping_interval"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PollMaxInterval     time.Duration `mapstructure:"poll_max_interval"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	UploadTimeout       time.Duration `mapstructure:"upload_timeout"`
	ChunkInterval       time.Duration `mapstructure:"chunk_interval"`

	Driver    string `mapstructure:"driver"`
	VideoFile string `mapstructure:"video_file"`
	FFmpeg    string `mapstructure:"ffmpeg"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	Relay RelayConfig `mapstructure:"relay"`
}

// RelayConfig configures the signaling relay and analysis hub.
type RelayConfig struct {
	Addr       string        `mapstructure:"addr"`
	Mode       string        `mapstructure:"mode"`
	Secret     string        `mapstructure:"secret"`
	RedisURL   string        `mapstructure:"redis_url"`
	InsightTTL time.Duration `mapstructure:"insight_ttl"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_url", "https://localhost:8443/auth")
	v.SetDefault("signal_url", "wss://localhost:8443")
	v.SetDefault("analysis_url", "")
	v.SetDefault("session_cookie", "session_token")
	v.SetDefault("session_token", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ping_period", "25s")
	v.SetDefault("analysis_interval", "7s")
	v.SetDefault("insight_ping_interval", "30s")
	v.SetDefault("poll_interval", "3s")
	v.SetDefault("poll_max_interval", "10s")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("upload_timeout", "60s")
	v.SetDefault("chunk_interval", "1s")
	v.SetDefault("driver", "ffmpeg")
	v.SetDefault("video_file", "")
	v.SetDefault("ffmpeg", "ffmpeg")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", true)

	v.SetDefault("relay.addr", ":8443")
	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.secret", "")
	v.SetDefault("relay.redis_url", "")
	v.SetDefault("relay.insight_ttl", "2h")
	v.SetDefault("relay.read_limit", 8<<20)
}

// Load reads configuration from a .env file (if present), an optional
// sense.yaml and SENSE_* environment variables. Environment variables take
// precedence over file values.
func Load(file string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("sense")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.AnalysisURL == "" {
		cfg.AnalysisURL = cfg.SignalURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values every command depends on.
func (c *Config) Validate() error {
	if c.SignalURL == "" {
		return fmt.Errorf("signal_url is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.AnalysisInterval <= 0 || c.PollInterval <= 0 || c.ChunkInterval <= 0 {
		return fmt.Errorf("analysis_interval, poll_interval and chunk_interval must be positive")
	}
	if c.PollMaxInterval < c.PollInterval {
		c.PollMaxInterval = c.PollInterval
	}
	return nil
}
