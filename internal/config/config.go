package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	CredentialSourceFile    = "file"
	CredentialSourceKeyring = "keyring"
	CredentialSourceStatic  = "static"
)

type CredentialConfig struct {
	Source         string `mapstructure:"source"`
	Path           string `mapstructure:"path"`
	Token          string `mapstructure:"token"`
	KeyringService string `mapstructure:"keyring_service"`
	KeyringKey     string `mapstructure:"keyring_key"`
}

type ChannelConfig struct {
	URL                string        `mapstructure:"url"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	TransportRetryBase time.Duration `mapstructure:"transport_retry_base"`
	ServerRetryBase    time.Duration `mapstructure:"server_retry_base"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
	Randomization      float64       `mapstructure:"randomization"`
}

type StoreConfig struct {
	MaxRecords int `mapstructure:"max_records"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type NoticesConfig struct {
	PerMinute int `mapstructure:"per_minute"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Config struct {
	ServerPort string           `mapstructure:"server_port"`
	LogLevel   string           `mapstructure:"log_level"`
	JWTSecret  string           `mapstructure:"jwt_secret"`
	APIBaseURL string           `mapstructure:"api_base_url"`
	Credential CredentialConfig `mapstructure:"credential"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Notices    NoticesConfig    `mapstructure:"notices"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

// Load reads the configuration from path, or from config.yaml in . and
// ./config when path is empty. A missing default file is not an error;
// every key can come from INBOX_* environment variables instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.Credential.Source == "" {
		config.Credential.Source = CredentialSourceFile
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("credential.source", CredentialSourceFile)
	v.SetDefault("credential.path", "./.inbox/credential")
	v.SetDefault("credential.keyring_service", "admin-inbox")
	v.SetDefault("credential.keyring_key", "auth_token")
	v.SetDefault("channel.handshake_timeout", 10*time.Second)
	v.SetDefault("channel.ping_interval", 30*time.Second)
	v.SetDefault("channel.transport_retry_base", 2*time.Second)
	v.SetDefault("channel.server_retry_base", time.Second)
	v.SetDefault("channel.max_retry_delay", 30*time.Second)
	v.SetDefault("channel.randomization", 0.5)
	v.SetDefault("store.max_records", 1000)
	v.SetDefault("notices.per_minute", 6)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})

	// Bound explicitly so AutomaticEnv sees keys without a default.
	_ = v.BindEnv("jwt_secret")
	_ = v.BindEnv("api_base_url")
	_ = v.BindEnv("credential.token")
	_ = v.BindEnv("channel.url")
	_ = v.BindEnv("database.url")
}

// RequireChannel reports whether the settings needed to dial the notification
// service are present. Only commands that connect need them.
func (c *Config) RequireChannel() error {
	if c.Channel.URL == "" {
		return errors.New("channel.url must be set")
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Credential.Source {
	case CredentialSourceFile:
		if c.Credential.Path == "" {
			return errors.New("credential.path must be set for the file credential source")
		}
	case CredentialSourceKeyring:
		if c.Credential.KeyringService == "" || c.Credential.KeyringKey == "" {
			return errors.New("credential.keyring_service and credential.keyring_key must be set for the keyring credential source")
		}
	case CredentialSourceStatic:
	default:
		return errors.Errorf("unknown credential source %q", c.Credential.Source)
	}
	if c.Store.MaxRecords < 0 {
		return errors.New("store.max_records must not be negative")
	}
	return nil
}
