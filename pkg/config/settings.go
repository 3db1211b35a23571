package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings        `mapstructure:"database"`
	Broker        BrokerSettings    `mapstructure:"broker"`
	Channels      []ChannelSettings `mapstructure:"channels" validate:"required,min=1,dive"`
	PollInterval  time.Duration     `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize     int               `mapstructure:"batch_size" validate:"gt=0"`
	Log           LogSettings       `mapstructure:"log"`
	Observability Observability     `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads relay.yaml from filePath (or the working directory),
// merges relay.<ENVIRONMENT>.yaml over it when present, then applies RELAY_*
// environment variables and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("relay")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(filePath, "relay."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like RELAY_DATABASE_TYPE

	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.database",
		"database.table",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.projectID",
		"broker.pool_size",
		"broker.brokers",
		"poll_interval",
		"batch_size",
		"log.level",
		"log.development",
		"observability.service_name",
		"observability.tracing_url",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
