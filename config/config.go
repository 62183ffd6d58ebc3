package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/usermgmt/apiserver/types"
)

type Config struct {
	Env        string `envconfig:"ENV" default:"production"`
	ServerPort int    `envconfig:"SERVER_PORT" default:"8080"`

	Log      LogConfig      `envconfig:"LOG"`
	Database DatabaseConfig `envconfig:"DB"`
	Auth     AuthConfig     `envconfig:"AUTH"`
	HTTP     HTTPConfig     `envconfig:"HTTP"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Events   EventsConfig   `envconfig:"EVENTS"`
	Storage  StorageConfig  `envconfig:"STORAGE"`
}

type LogConfig struct {
	Level  string `split_words:"true" default:"info"`
	Format string `split_words:"true" default:"json"`
}

type DatabaseConfig struct {
	Host     string `split_words:"true" default:"localhost"`
	Port     int    `split_words:"true" default:"5432"`
	User     string `split_words:"true" default:"usermgmt"`
	Password string `split_words:"true" default:"password"`
	Name     string `split_words:"true" default:"usermgmt_db"`
	UseSSL   bool   `split_words:"true" default:"false"`
}

// AuthConfig holds the token secrets and the account policy knobs.
// Access and refresh tokens must be signed with different secrets.
type AuthConfig struct {
	AccessTokenSecret  string        `split_words:"true" required:"true"`
	AccessTokenTTL     time.Duration `split_words:"true" default:"15m"`
	RefreshTokenSecret string        `split_words:"true" required:"true"`
	RefreshTokenTTL    time.Duration `split_words:"true" default:"240h"`
	Issuer             string        `split_words:"true" default:"usermgmt"`
	BcryptCost         int           `split_words:"true" default:"12"`
	SignupUserTypes    []string      `split_words:"true" default:"user"`
	SignupStatuses     []string      `split_words:"true" default:"pending,enabled,disabled"`

	// Parsed from SignupUserTypes and SignupStatuses by Validate.
	AllowedSignupUserTypes []types.UserType `ignored:"true"`
	AllowedSignupStatuses  []types.Status   `ignored:"true"`
}

type HTTPConfig struct {
	AllowedOrigins []string      `split_words:"true" default:"http://localhost:3000"`
	RequestTimeout time.Duration `split_words:"true" default:"60s"`
	// AuthRateLimit is the number of signin/signup requests allowed per IP per minute.
	AuthRateLimit int `split_words:"true" default:"20"`
}

// RedisConfig enables the identity cache when Addr is set.
type RedisConfig struct {
	Addr        string        `split_words:"true"`
	Password    string        `split_words:"true"`
	DB          int           `split_words:"true" default:"0"`
	IdentityTTL time.Duration `split_words:"true" default:"30s"`
}

// EventsConfig selects the user lifecycle event backend: none, rabbitmq or pubsub.
type EventsConfig struct {
	Backend  string         `split_words:"true" default:"none"`
	Channel  string         `split_words:"true" default:"user-events"`
	RabbitMQ RabbitMQConfig `envconfig:"RABBITMQ"`
	PubSub   PubSubConfig   `envconfig:"PUBSUB"`
}

type RabbitMQConfig struct {
	URL          string `split_words:"true"`
	QueueDurable bool   `split_words:"true" default:"true"`
}

type PubSubConfig struct {
	ProjectID       string `split_words:"true"`
	CredentialsFile string `split_words:"true"`
}

// StorageConfig selects the avatar storage backend: none, minio or gcs.
type StorageConfig struct {
	Backend string      `split_words:"true" default:"none"`
	Minio   MinioConfig `envconfig:"MINIO"`
	GCS     GCSConfig   `envconfig:"GCS"`
}

type MinioConfig struct {
	Endpoint  string `split_words:"true"`
	AccessKey string `split_words:"true"`
	SecretKey string `split_words:"true"`
	Bucket    string `split_words:"true" default:"avatars"`
	UseSSL    bool   `split_words:"true" default:"false"`
}

type GCSConfig struct {
	Bucket          string `split_words:"true"`
	ProjectID       string `split_words:"true"`
	CredentialsFile string `split_words:"true"`
}

// LoadConfig reads the configuration from the environment. In dev mode a
// local .env file is loaded first.
func LoadConfig() (Config, error) {
	if os.Getenv("ENV") == "dev" {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabaseConfig reads only the DB_* group. Commands that never touch
// tokens use it so they do not need the auth secrets.
func LoadDatabaseConfig() (DatabaseConfig, error) {
	if os.Getenv("ENV") == "dev" {
		_ = godotenv.Load()
	}

	var cfg DatabaseConfig
	if err := envconfig.Process("DB", &cfg); err != nil {
		return DatabaseConfig{}, fmt.Errorf("load database config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field rules and parses the signup sets.
func (c *Config) Validate() error {
	a := &c.Auth
	if strings.TrimSpace(a.AccessTokenSecret) == "" || strings.TrimSpace(a.RefreshTokenSecret) == "" {
		return errors.New("AUTH_ACCESS_TOKEN_SECRET and AUTH_REFRESH_TOKEN_SECRET are required")
	}
	if a.AccessTokenSecret == a.RefreshTokenSecret {
		return errors.New("access and refresh token secrets must differ")
	}
	if a.AccessTokenTTL <= 0 || a.RefreshTokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}

	a.AllowedSignupUserTypes = nil
	for _, raw := range a.SignupUserTypes {
		userType, ok := types.ParseUserType(raw)
		if !ok {
			return fmt.Errorf("unknown signup user type %q", raw)
		}
		if userType.IsPrivileged() {
			return fmt.Errorf("%s accounts can only be created by a super-admin", userType)
		}
		a.AllowedSignupUserTypes = append(a.AllowedSignupUserTypes, userType)
	}
	if len(a.AllowedSignupUserTypes) == 0 {
		return errors.New("at least one signup user type is required")
	}

	a.AllowedSignupStatuses = nil
	for _, raw := range a.SignupStatuses {
		status, ok := types.ParseStatus(raw)
		if !ok {
			return fmt.Errorf("unknown signup status %q", raw)
		}
		a.AllowedSignupStatuses = append(a.AllowedSignupStatuses, status)
	}
	return nil
}

// IsDev reports whether the server runs in local development mode.
func (c Config) IsDev() bool {
	return c.Env == "dev"
}
