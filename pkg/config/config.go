// Package config loads voxtalk settings from a YAML file and VOXTALK_* environment
// variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/voxtalk/pkg/backend"
	"github.com/go-go-golems/voxtalk/pkg/eventbus"
	"github.com/go-go-golems/voxtalk/pkg/memory"
	"github.com/go-go-golems/voxtalk/pkg/rtc"
	"github.com/go-go-golems/voxtalk/pkg/tokenbroker"
)

const (
	EnvPrefix = "VOXTALK"
	AppName   = "voxtalk"
)

type Config struct {
	LogLevel string            `mapstructure:"log_level" yaml:"log_level"`
	Backend  BackendConfig     `mapstructure:"backend" yaml:"backend"`
	Realtime RealtimeConfig    `mapstructure:"realtime" yaml:"realtime"`
	Memory   MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	EventBus eventbus.Settings `mapstructure:"eventbus" yaml:"eventbus"`
	Server   ServerConfig      `mapstructure:"server" yaml:"server"`
}

// BackendConfig is where the token broker finds the application backend.
type BackendConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	PrimaryPath  string `mapstructure:"primary_path" yaml:"primary_path"`
	FallbackPath string `mapstructure:"fallback_path" yaml:"fallback_path"`
	HealthPath   string `mapstructure:"health_path" yaml:"health_path"`
	Voice        string `mapstructure:"voice" yaml:"voice"`
}

type RealtimeConfig struct {
	BaseURL            string        `mapstructure:"base_url" yaml:"base_url"`
	Model              string        `mapstructure:"model" yaml:"model"`
	TranscriptionModel string        `mapstructure:"transcription_model" yaml:"transcription_model"`
	VADMode            string        `mapstructure:"vad_mode" yaml:"vad_mode"`
	DataChannelLabel   string        `mapstructure:"data_channel_label" yaml:"data_channel_label"`
	ICEServers         []string      `mapstructure:"ice_servers" yaml:"ice_servers"`
	MicrophoneTimeout  time.Duration `mapstructure:"microphone_timeout" yaml:"microphone_timeout"`
	ICEGatherTimeout   time.Duration `mapstructure:"ice_gather_timeout" yaml:"ice_gather_timeout"`
	ChannelOpenTimeout time.Duration `mapstructure:"channel_open_timeout" yaml:"channel_open_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MaxRetries         uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

type MemoryConfig struct {
	Store      string        `mapstructure:"store" yaml:"store"`
	DSN        string        `mapstructure:"dsn" yaml:"dsn"`
	RedisAddr  string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Window     int           `mapstructure:"window" yaml:"window"`
	SessionKey string        `mapstructure:"session_key" yaml:"session_key"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr" yaml:"addr"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url" yaml:"openai_base_url"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.primary_path", tokenbroker.DefaultPrimaryPath)
	v.SetDefault("backend.fallback_path", tokenbroker.DefaultFallbackPath)
	v.SetDefault("backend.health_path", tokenbroker.DefaultHealthPath)
	v.SetDefault("backend.voice", tokenbroker.DefaultVoice)

	v.SetDefault("realtime.base_url", rtc.DefaultBaseURL)
	v.SetDefault("realtime.model", rtc.DefaultModel)
	v.SetDefault("realtime.transcription_model", rtc.DefaultTranscriptionModel)
	v.SetDefault("realtime.vad_mode", rtc.DefaultVADMode)
	v.SetDefault("realtime.data_channel_label", rtc.DefaultDataChannelLabel)
	v.SetDefault("realtime.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("realtime.microphone_timeout", rtc.DefaultMicrophoneTimeout)
	v.SetDefault("realtime.ice_gather_timeout", rtc.DefaultICEGatherTimeout)
	v.SetDefault("realtime.channel_open_timeout", rtc.DefaultChannelOpenTimeout)
	v.SetDefault("realtime.connect_timeout", rtc.DefaultConnectTimeout)
	v.SetDefault("realtime.max_retries", 2)
	v.SetDefault("realtime.retry_backoff", time.Second)

	v.SetDefault("memory.store", memory.StoreKindMemory)
	v.SetDefault("memory.dsn", "")
	v.SetDefault("memory.redis_addr", "localhost:6379")
	v.SetDefault("memory.ttl", memory.DefaultRedisTTL)
	v.SetDefault("memory.window", memory.DefaultWindow)
	v.SetDefault("memory.session_key", "")

	bus := eventbus.DefaultSettings()
	v.SetDefault("eventbus.redis_enabled", bus.RedisEnabled)
	v.SetDefault("eventbus.redis_addr", bus.Addr)
	v.SetDefault("eventbus.redis_group", bus.Group)
	v.SetDefault("eventbus.redis_consumer", bus.Consumer)
	v.SetDefault("eventbus.buffer", bus.Buffer)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.openai_api_key", "")
	v.SetDefault("server.openai_base_url", backend.DefaultOpenAIBaseURL)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
}

// Load reads path, or the first voxtalk.yaml found in the working directory and
// $HOME/.voxtalk when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+AppName))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}

func (c *Config) BrokerOptions() tokenbroker.Options {
	return tokenbroker.Options{
		BaseURL:      c.Backend.BaseURL,
		PrimaryPath:  c.Backend.PrimaryPath,
		FallbackPath: c.Backend.FallbackPath,
		HealthPath:   c.Backend.HealthPath,
		Voice:        c.Backend.Voice,
	}
}

// SessionOptions is the template for realtime sessions; devices and callbacks are left
// to the caller.
func (c *Config) SessionOptions() rtc.Options {
	return rtc.Options{
		BaseURL:            c.Realtime.BaseURL,
		Model:              c.Realtime.Model,
		TranscriptionModel: c.Realtime.TranscriptionModel,
		VADMode:            c.Realtime.VADMode,
		DataChannelLabel:   c.Realtime.DataChannelLabel,
		ICEServers:         append([]string(nil), c.Realtime.ICEServers...),
		MicrophoneTimeout:  c.Realtime.MicrophoneTimeout,
		ICEGatherTimeout:   c.Realtime.ICEGatherTimeout,
		ChannelOpenTimeout: c.Realtime.ChannelOpenTimeout,
		ConnectTimeout:     c.Realtime.ConnectTimeout,
	}
}

func (c *Config) StoreSettings() memory.StoreSettings {
	return memory.StoreSettings{
		Kind:      c.Memory.Store,
		DSN:       c.Memory.DSN,
		RedisAddr: c.Memory.RedisAddr,
		TTL:       c.Memory.TTL,
	}
}

func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		OpenAIBaseURL:      c.Server.OpenAIBaseURL,
		APIKey:             c.Server.OpenAIAPIKey,
		Model:              c.Realtime.Model,
		TranscriptionModel: c.Realtime.TranscriptionModel,
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Server.OpenAIAPIKey != "" {
		c.Server.OpenAIAPIKey = "***"
	}
	c.Realtime.ICEServers = append([]string(nil), c.Realtime.ICEServers...)
	return c
}
