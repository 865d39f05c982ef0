package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	ServerPort string          `mapstructure:"SERVER_PORT"`
	GinMode    string          `mapstructure:"GIN_MODE"`
	Database   DatabaseConfig  `mapstructure:"DATABASE"`
	OpenAI     OpenAIConfig    `mapstructure:"OPENAI"`
	Uploads    UploadsConfig   `mapstructure:"UPLOADS"`
	S3         S3Config        `mapstructure:"S3"`
	Admin      AdminConfig     `mapstructure:"ADMIN"`
	Reference  ReferenceConfig `mapstructure:"REFERENCE"`
	CORS       CORSConfig      `mapstructure:"CORS"`
}

// DatabaseConfig selects the store. DRIVER is "sqlite", "postgres" or "memory".
type DatabaseConfig struct {
	Driver string `mapstructure:"DRIVER"`
	URL    string `mapstructure:"URL"`
}

// OpenAIConfig configures the model gateway. The API key itself is per user and lives in the store.
type OpenAIConfig struct {
	Model              string        `mapstructure:"MODEL"`
	TranscriptionModel string        `mapstructure:"TRANSCRIPTION_MODEL"`
	BaseURL            string        `mapstructure:"BASE_URL"`
	Timeout            time.Duration `mapstructure:"TIMEOUT"`
}

// UploadsConfig controls where audio answers go.
type UploadsConfig struct {
	Backend  string `mapstructure:"BACKEND"` // "local" or "s3"
	Dir      string `mapstructure:"DIR"`
	MaxBytes int64  `mapstructure:"MAX_BYTES"`
}

// S3Config is only read when UPLOADS.BACKEND is "s3".
type S3Config struct {
	Endpoint  string `mapstructure:"ENDPOINT"`
	AccessKey string `mapstructure:"ACCESS_KEY"`
	SecretKey string `mapstructure:"SECRET_KEY"`
	Bucket    string `mapstructure:"BUCKET"`
	UseSSL    bool   `mapstructure:"USE_SSL"`
}

// AdminConfig holds the JWT settings for the admin routes
type AdminConfig struct {
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	Issuer        string `mapstructure:"ISSUER"`
}

type ReferenceConfig struct {
	File         string        `mapstructure:"FILE"`
	SyncInterval time.Duration `mapstructure:"SYNC_INTERVAL"`
}

type CORSConfig struct {
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`
}

// LoadConfig loads configuration from .env, environment variables and config.yaml
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env not found, skipping")
	}

	v := viper.New()
	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("config.yaml not found, using environment variables and defaults")
		} else {
			return nil, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	// Override with environment variables (e.g., LANGTEST_SERVER_PORT, LANGTEST_DATABASE_URL)
	v.SetEnvPrefix("LANGTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", ":5000")
	v.SetDefault("GIN_MODE", "debug") // gin.DebugMode, gin.ReleaseMode, gin.TestMode
	v.SetDefault("DATABASE.DRIVER", "sqlite")
	v.SetDefault("DATABASE.URL", "language_test.db")
	v.SetDefault("OPENAI.MODEL", "gpt-4.1-mini")
	v.SetDefault("OPENAI.TRANSCRIPTION_MODEL", "whisper-1")
	v.SetDefault("OPENAI.BASE_URL", "")
	v.SetDefault("OPENAI.TIMEOUT", "60s")
	v.SetDefault("UPLOADS.BACKEND", "local")
	v.SetDefault("UPLOADS.DIR", "uploads")
	v.SetDefault("UPLOADS.MAX_BYTES", 10<<20)
	v.SetDefault("S3.ENDPOINT", "localhost:9000")
	v.SetDefault("S3.ACCESS_KEY", "")
	v.SetDefault("S3.SECRET_KEY", "")
	v.SetDefault("S3.BUCKET", "langtest-audio")
	v.SetDefault("S3.USE_SSL", false)
	v.SetDefault("ADMIN.JWT_SIGNING_KEY", "change-me-admin-signing-key") // IMPORTANT: Change this in production
	v.SetDefault("ADMIN.ISSUER", "langtest-server")
	v.SetDefault("REFERENCE.FILE", "reference_data.yaml")
	v.SetDefault("REFERENCE.SYNC_INTERVAL", "1h")
	v.SetDefault("CORS.ALLOWED_ORIGIN", "*")
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q (want sqlite, postgres or memory)", c.Database.Driver)
	}
	if c.Database.URL == "" && c.Database.Driver != "memory" {
		return errors.New("DATABASE.URL must be set")
	}
	switch c.Uploads.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unsupported upload backend %q (want local or s3)", c.Uploads.Backend)
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("UPLOADS.MAX_BYTES must be positive, got %d", c.Uploads.MaxBytes)
	}
	if c.Uploads.Backend == "s3" && c.S3.Bucket == "" {
		return errors.New("S3.BUCKET must be set when UPLOADS.BACKEND is s3")
	}
	return nil
}
