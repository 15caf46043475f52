package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageSQLite   = "sqlite"
	StorageDynamoDB = "dynamodb"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	SecretSourceEnv = "env"
	SecretSourceSSM = "ssm"
)

type Config struct {
	AppPort         int           `mapstructure:"APP_PORT"`
	DatabasePath    string        `mapstructure:"DATABASE_PATH"`
	StorageBackend  string        `mapstructure:"STORAGE_BACKEND"`
	DynamoDBTable   string        `mapstructure:"DYNAMODB_TABLE"`
	LLMProvider     string        `mapstructure:"LLM_PROVIDER"`
	ModelAPIURL     string        `mapstructure:"MODEL_API_URL"`
	ModelAPIKey     string        `mapstructure:"MODEL_API_KEY"`
	SecretSource    string        `mapstructure:"SECRET_SOURCE"`
	ParamPrefix     string        `mapstructure:"PARAM_PREFIX"`
	ChatModel       string        `mapstructure:"CHAT_MODEL"`
	SupportModel    string        `mapstructure:"SUPPORT_MODEL"`
	ImageModel      string        `mapstructure:"IMAGE_MODEL"`
	TurnTimeout     time.Duration `mapstructure:"TURN_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	StaticDir       string        `mapstructure:"STATIC_DIR"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`

	InitialSystemPrompt string `mapstructure:"INITIAL_SYSTEM_PROMPT"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("APP_PORT", 8000)
	viper.SetDefault("DATABASE_PATH", "/data/relaychat.db")
	viper.SetDefault("STORAGE_BACKEND", StorageSQLite)
	viper.SetDefault("DYNAMODB_TABLE", "")
	viper.SetDefault("LLM_PROVIDER", ProviderOpenAI)
	viper.SetDefault("MODEL_API_URL", "")
	viper.SetDefault("MODEL_API_KEY", "")
	viper.SetDefault("SECRET_SOURCE", SecretSourceEnv)
	viper.SetDefault("PARAM_PREFIX", "/relaychat")
	viper.SetDefault("CHAT_MODEL", "gemini-2.0-flash")
	viper.SetDefault("SUPPORT_MODEL", "gemini-2.0-flash")
	viper.SetDefault("IMAGE_MODEL", "gemini-2.0-flash-exp")
	viper.SetDefault("INITIAL_SYSTEM_PROMPT", "You are a helpful AI assistant. Provide clear, accurate, and helpful responses.")
	viper.SetDefault("TURN_TIMEOUT", "2m")
	viper.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	viper.SetDefault("STATIC_DIR", "")
	viper.SetDefault("LOG_LEVEL", "INFO")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./backend")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	c.SecretSource = strings.ToLower(strings.TrimSpace(c.SecretSource))
	c.ModelAPIURL = strings.TrimRight(strings.TrimSpace(c.ModelAPIURL), "/")
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.AppPort <= 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT %d is out of range", c.AppPort))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}

	switch c.StorageBackend {
	case StorageSQLite:
	case StorageDynamoDB:
		if strings.TrimSpace(c.DynamoDBTable) == "" {
			errs = append(errs, errors.New("DYNAMODB_TABLE is required when STORAGE_BACKEND is dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.LLMProvider {
	case ProviderOpenAI:
	case ProviderOllama:
		if c.ModelAPIURL == "" {
			errs = append(errs, errors.New("MODEL_API_URL is required when LLM_PROVIDER is ollama"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.SecretSource {
	case SecretSourceEnv:
		if c.LLMProvider == ProviderOpenAI && strings.TrimSpace(c.ModelAPIKey) == "" {
			errs = append(errs, errors.New("MODEL_API_KEY is required when SECRET_SOURCE is env"))
		}
	case SecretSourceSSM:
		if strings.TrimSpace(c.ParamPrefix) == "" {
			errs = append(errs, errors.New("PARAM_PREFIX is required when SECRET_SOURCE is ssm"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SECRET_SOURCE %q", c.SecretSource))
	}

	if strings.TrimSpace(c.ChatModel) == "" {
		errs = append(errs, errors.New("CHAT_MODEL is required"))
	}
	if c.TurnTimeout <= 0 {
		errs = append(errs, errors.New("TURN_TIMEOUT must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
