// Package config holds the run configuration: an optional yaml file plus
// credentials resolved once from the environment. Nothing else in the repo
// reads environment variables.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// EnvAPIKey is the required OpenRouter credential.
	EnvAPIKey = "OPENROUTER_API_KEY"
	// EnvFallbackAPIKey is an optional direct-provider credential, used when
	// the routing-service key is not set.
	EnvFallbackAPIKey = "OPENAI_API_KEY"
)

// ErrConfiguration is fatal: the process exits before any question is
// processed.
var ErrConfiguration = errors.New("configuration error")

// Duration parses yaml values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.WithStack(err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.WithMessagef(ErrConfiguration, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// TimeDuration returns the value as time.Duration.
func (d Duration) TimeDuration() time.Duration {
	return time.Duration(d)
}

// Config is the run configuration. Zero values fall back to package defaults
// downstream.
type Config struct {
	// Model is the routing-service model id.
	Model string `json:"model" yaml:"model"`
	// Mask is the tool bitmask, one '0'/'1' per registry entry.
	Mask string `json:"mask,omitempty" yaml:"mask,omitempty"`
	// MaxTurns is the model-turn budget per question.
	MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty" validate:"gte=0,lte=100"`
	// Concurrency bounds parallel question processing; 0 or 1 is sequential.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty" validate:"gte=0,lte=64"`
	// OutDir is the root of the output tree.
	OutDir string `json:"out_dir,omitempty" yaml:"out_dir,omitempty"`

	OpenRouter OpenRouterConfig `json:"openrouter" yaml:"openrouter"`
	NCBI       NCBIConfig       `json:"ncbi" yaml:"ncbi"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
}

// OpenRouterConfig specifies the LLM routing-service options.
type OpenRouterConfig struct {
	BaseURL   string   `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	CallDelay Duration `json:"call_delay,omitempty" yaml:"call_delay,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"gte=0"`
}

// NCBIConfig specifies the reference-database endpoints.
type NCBIConfig struct {
	EutilsBaseURL string   `json:"eutils_base_url,omitempty" yaml:"eutils_base_url,omitempty" validate:"omitempty,url"`
	BlastBaseURL  string   `json:"blast_base_url,omitempty" yaml:"blast_base_url,omitempty" validate:"omitempty,url"`
	CallDelay     Duration `json:"call_delay,omitempty" yaml:"call_delay,omitempty"`
	BlastWait     Duration `json:"blast_wait,omitempty" yaml:"blast_wait,omitempty"`
}

// RedisConfig enables the shared tool-response cache when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// Credentials is constructed once at startup and passed by reference; no
// ambient lookups past this point.
type Credentials struct {
	// APIKey is the routing-service key.
	APIKey string `validate:"required"`
	// FallbackAPIKey is the optional direct-provider key.
	FallbackAPIKey string
}

// Load reads a yaml config file. An empty path returns an empty config.
func Load(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WithMessagef(ErrConfiguration, "failed to read config: %s", err.Error())
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithMessagef(ErrConfiguration, "failed to parse config %q: %s", file, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WithMessagef(ErrConfiguration, "invalid config: %s", err.Error())
	}
	return nil
}

// LoadCredentials resolves API keys from the environment. A missing required
// key is a fatal configuration error at startup, not a per-request error.
func LoadCredentials() (*Credentials, error) {
	creds := &Credentials{
		APIKey:         os.Getenv(EnvAPIKey),
		FallbackAPIKey: os.Getenv(EnvFallbackAPIKey),
	}
	if creds.APIKey == "" {
		creds.APIKey = creds.FallbackAPIKey
	}
	if creds.APIKey == "" {
		return nil, errors.WithMessagef(ErrConfiguration, "%s is not set", EnvAPIKey)
	}
	return creds, nil
}
