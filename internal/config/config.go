/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EscrowEventQueue     string `mapstructure:"ESCROW_EVENT_QUEUE"`

	CircleAPIBaseURL             string `mapstructure:"CIRCLE_API_BASE_URL"`
	CircleAPIKey                 string `mapstructure:"CIRCLE_API_KEY"`
	CircleEntitySecretCiphertext string `mapstructure:"CIRCLE_ENTITY_SECRET_CIPHERTEXT"`
	CircleContractTemplateID     string `mapstructure:"CIRCLE_CONTRACT_TEMPLATE_ID"`
	CircleBlockchain             string `mapstructure:"CIRCLE_BLOCKCHAIN"`
	USDCTokenAddress             string `mapstructure:"USDC_TOKEN_ADDRESS"`

	OpenAIAPIBaseURL string `mapstructure:"OPENAI_API_BASE_URL"`
	OpenAIAPIKey     string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel      string `mapstructure:"OPENAI_MODEL"`

	StorageAPIBaseURL string `mapstructure:"STORAGE_API_BASE_URL"`
	StorageAPIKey     string `mapstructure:"STORAGE_API_KEY"`
	StorageBucket     string `mapstructure:"STORAGE_BUCKET"`

	AuthJWKSURL string `mapstructure:"AUTH_JWKS_URL"`
}

// requiredKeys are the settings the service cannot start without.
var requiredKeys = []struct {
	env   string
	value func(Config) string
}{
	{"DATABASE_URL", func(c Config) string { return c.DatabaseURL }},
	{"CIRCLE_API_KEY", func(c Config) string { return c.CircleAPIKey }},
	{"CIRCLE_ENTITY_SECRET_CIPHERTEXT", func(c Config) string { return c.CircleEntitySecretCiphertext }},
	{"CIRCLE_CONTRACT_TEMPLATE_ID", func(c Config) string { return c.CircleContractTemplateID }},
	{"USDC_TOKEN_ADDRESS", func(c Config) string { return c.USDCTokenAddress }},
	{"OPENAI_API_KEY", func(c Config) string { return c.OpenAIAPIKey }},
	{"AUTH_JWKS_URL", func(c Config) string { return c.AuthJWKSURL }},
}

// Validate reports the first required setting that is missing.
func (c Config) Validate() error {
	for _, key := range requiredKeys {
		if strings.TrimSpace(key.value(c)) == "" {
			return fmt.Errorf("required configuration %s is not set", key.env)
		}
	}
	return nil
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ESCROW_EVENT_QUEUE", "escrow-service.listener")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow:rate_limit")
	viper.SetDefault("CIRCLE_API_BASE_URL", "https://api.circle.com")
	viper.SetDefault("CIRCLE_BLOCKCHAIN", "MATIC-AMOY")
	viper.SetDefault("OPENAI_API_BASE_URL", "https://api.openai.com")
	viper.SetDefault("OPENAI_MODEL", "gpt-4o")
	viper.SetDefault("STORAGE_BUCKET", "escrow-agreements")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ESCROW_EVENT_QUEUE")
	_ = viper.BindEnv("CIRCLE_API_BASE_URL")
	_ = viper.BindEnv("CIRCLE_API_KEY")
	_ = viper.BindEnv("CIRCLE_ENTITY_SECRET_CIPHERTEXT")
	_ = viper.BindEnv("CIRCLE_CONTRACT_TEMPLATE_ID")
	_ = viper.BindEnv("CIRCLE_BLOCKCHAIN")
	_ = viper.BindEnv("USDC_TOKEN_ADDRESS")
	_ = viper.BindEnv("OPENAI_API_BASE_URL")
	_ = viper.BindEnv("OPENAI_API_KEY")
	_ = viper.BindEnv("OPENAI_MODEL")
	_ = viper.BindEnv("STORAGE_API_BASE_URL")
	_ = viper.BindEnv("STORAGE_API_KEY")
	_ = viper.BindEnv("STORAGE_BUCKET")
	_ = viper.BindEnv("AUTH_JWKS_URL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}

	return config, nil
}
