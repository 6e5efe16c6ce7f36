// Package config loads client configuration, either from environment
// variables (flat, for process-managed deployments) or from a YAML file
// (nested, for checked-in environment profiles). Neither loader is consulted
// by pkg/client itself — the caller picks one, builds a client.Config from
// it, and passes that to client.New. cmd/verifactu-cli does exactly this: a
// -profile flag selects LoadFile over Load.
package config

import (
	"os"
	"strconv"
	"time"
)

// ClientConfig holds the settings a caller needs to build a client.Config, in
// a flat, env-var friendly shape: certificate paths rather than loaded
// credentials, and the retry policy spread over the Retry* fields.
type ClientConfig struct {
	Environment        string // "production" or "sandbox"
	CertificatePath    string
	CertificateKeyPath string

	ProviderTaxID      string
	ProviderName       string
	SoftwareName       string
	SoftwareID         string
	SoftwareVersion    string
	InstallationNumber string

	RequestTimeout time.Duration
	QueueTimeout   time.Duration
	MaxConcurrency int

	RetryMaxRetries        int
	RetryInitialDelay      time.Duration
	RetryMaxDelay          time.Duration
	RetryBackoffMultiplier float64
	RetryJitterFactor      float64
}

// Load reads a ClientConfig from environment variables, applying the
// documented defaults for anything unset.
func Load() *ClientConfig {
	return &ClientConfig{
		Environment:        getEnv("VERIFACTU_ENVIRONMENT", "sandbox"),
		CertificatePath:    getEnv("VERIFACTU_CERT_PATH", ""),
		CertificateKeyPath: getEnv("VERIFACTU_CERT_KEY_PATH", ""),

		ProviderTaxID:      getEnv("VERIFACTU_PROVIDER_TAX_ID", ""),
		ProviderName:       getEnv("VERIFACTU_PROVIDER_NAME", ""),
		SoftwareName:       getEnv("VERIFACTU_SOFTWARE_NAME", ""),
		SoftwareID:         getEnv("VERIFACTU_SOFTWARE_ID", ""),
		SoftwareVersion:    getEnv("VERIFACTU_SOFTWARE_VERSION", ""),
		InstallationNumber: getEnv("VERIFACTU_INSTALLATION_NUMBER", ""),

		RequestTimeout: getEnvDuration("VERIFACTU_REQUEST_TIMEOUT", 30*time.Second),
		QueueTimeout:   getEnvDuration("VERIFACTU_QUEUE_TIMEOUT", 30*time.Second),
		MaxConcurrency: getEnvInt("VERIFACTU_MAX_CONCURRENCY", 4),

		RetryMaxRetries:        getEnvInt("VERIFACTU_RETRY_MAX_RETRIES", 3),
		RetryInitialDelay:      getEnvDuration("VERIFACTU_RETRY_INITIAL_DELAY", time.Second),
		RetryMaxDelay:          getEnvDuration("VERIFACTU_RETRY_MAX_DELAY", 30*time.Second),
		RetryBackoffMultiplier: getEnvFloat("VERIFACTU_RETRY_BACKOFF_MULTIPLIER", 2),
		RetryJitterFactor:      getEnvFloat("VERIFACTU_RETRY_JITTER_FACTOR", 0.1),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
