package dbbus

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type Config struct {
	// Base configuration.
	Brokers  []string `envconfig:"KAFKA_BROKERS" required:"true"`
	Version  string   `envconfig:"KAFKA_VERSION" default:"3.6.0"`
	GroupID  string   `envconfig:"KAFKA_GROUP_ID" default:"dbbus"`
	ClientID string   `envconfig:"KAFKA_CLIENT_ID" default:"dbbus-consumer"`

	// Security configuration.
	Username string `envconfig:"KAFKA_USERNAME"`
	Password string `envconfig:"KAFKA_PASSWORD"`
	CACert   string `envconfig:"KAFKA_CA_CERT"`

	// Consumer configuration.
	AutoCommitInterval time.Duration `envconfig:"KAFKA_AUTOCOMMIT_INTERVAL" default:"1s"`
	MaxProcessingTime  uint16        `envconfig:"KAFKA_MAX_PROCESSING_TIME_MS" default:"100"`

	// Dispatch retry configuration.
	MaxRetries int           `envconfig:"DISPATCH_MAX_RETRIES" default:"3"`
	RetryDelay time.Duration `envconfig:"DISPATCH_RETRY_DELAY" default:"1s"`

	// Storage configuration.
	StorePath string `envconfig:"STORE_PATH" default:"dbbus.db"`
}

// NewConfig loads configuration from the environment.
func NewConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to load config")
	}

	return cfg, nil
}
