package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML profiles can write "30s" instead of a
// raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// FileConfig is the nested YAML shape of a checked-in environment profile —
// one file per environment (sandbox.yaml, production.yaml), as opposed to
// ClientConfig's flat env-var shape.
type FileConfig struct {
	Environment string              `yaml:"environment"`
	Transport   TransportSettings   `yaml:"transport"`
	Software    SoftwareSettings    `yaml:"software"`
	Concurrency ConcurrencySettings `yaml:"concurrency"`
	Retry       RetrySettings       `yaml:"retry"`
}

// TransportSettings holds the mTLS credential paths and request timeout.
type TransportSettings struct {
	CertificatePath    string   `yaml:"certificate_path"`
	CertificateKeyPath string   `yaml:"certificate_key_path"`
	RequestTimeout     Duration `yaml:"request_timeout"`
}

// SoftwareSettings mirrors record.SoftwareDescriptor for YAML profiles.
type SoftwareSettings struct {
	ProviderTaxID      string `yaml:"provider_tax_id"`
	ProviderName       string `yaml:"provider_name"`
	SoftwareName       string `yaml:"software_name"`
	SoftwareID         string `yaml:"software_id"`
	SoftwareVersion    string `yaml:"software_version"`
	InstallationNumber string `yaml:"installation_number"`
}

// ConcurrencySettings configures the limiter.
type ConcurrencySettings struct {
	MaxConcurrency int      `yaml:"max_concurrency"`
	QueueTimeout   Duration `yaml:"queue_timeout"`
}

// RetrySettings configures the retry policy.
type RetrySettings struct {
	MaxRetries        int      `yaml:"max_retries"`
	InitialDelay      Duration `yaml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	JitterFactor      float64  `yaml:"jitter_factor"`
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadFile loads a FileConfig from a YAML profile at path, substituting
// ${VAR_NAME} (or ${VAR_NAME:-default}) references against the process
// environment before parsing.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}
