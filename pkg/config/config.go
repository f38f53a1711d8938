package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	// Webhook buckets are keyed by client address: the vendor endpoint is
	// unauthenticated by boundary contract.
	Webhook  RateLimitBucketConfig `yaml:"webhook"`
	Producer RateLimitBucketConfig `yaml:"producer"`
}

type AuthProviderConfig struct {
	Type string `yaml:"type"`
	// Static provider: token/subject/scopes. JWKS provider: jwksUrl,
	// issuer, audience. Serialized to JSON for the validator registry.
	Config map[string]any `yaml:"config"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type Config struct {
	Port          int    `yaml:"port"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// PersistenceProvider selects the registered store backend.
	PersistenceProvider string `yaml:"persistenceProvider"`

	Timezone  string `yaml:"timezone"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	Env       string `yaml:"env"`

	// SupportedCarriers is the closed set accepted at the webhook boundary.
	SupportedCarriers []string `yaml:"supportedCarriers"`

	// Poller settings, also served to CLI consumers.
	PollIntervalSeconds    int    `yaml:"pollIntervalSeconds"`
	PollBackoffPolicy      string `yaml:"pollBackoffPolicy"`
	PollBackoffBaseSeconds int    `yaml:"pollBackoffBaseSeconds"`
	PollBackoffMaxSeconds  int    `yaml:"pollBackoffMaxSeconds"`

	// AllowedClockSkewSeconds is the exp/nbf tolerance applied when
	// validating producer tokens.
	AllowedClockSkewSeconds int `yaml:"allowedClockSkewSeconds"`

	ProducerAuth AuthProviderConfig `yaml:"producerAuth"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	Tracing TracingConfig `yaml:"tracing"`
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates an empty path,
// returning an env/default-only configuration.
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) == "" {
		var c Config
		c.applyEnv()
		c.applyDefaults()
		return &c, nil
	}
	return LoadConfig(filePath)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("PERSISTENCE_PROVIDER"); v != "" {
		c.PersistenceProvider = v
	}
	if v := os.Getenv("SUPPORTED_CARRIERS"); v != "" {
		parts := strings.Split(v, ",")
		carriers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				carriers = append(carriers, strings.ToLower(p))
			}
		}
		if len(carriers) > 0 {
			c.SupportedCarriers = carriers
		}
	}
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("POLL_BACKOFF_POLICY"); v != "" {
		c.PollBackoffPolicy = v
	}
	if v := os.Getenv("POLL_BACKOFF_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollBackoffBaseSeconds = n
		}
	}
	if v := os.Getenv("POLL_BACKOFF_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollBackoffMaxSeconds = n
		}
	}
	if v := os.Getenv("ALLOWED_CLOCK_SKEW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AllowedClockSkewSeconds = n
		}
	}
	if v := os.Getenv("PRODUCER_AUTH_PROVIDER"); v != "" {
		c.ProducerAuth.Type = v
	}
	if v := os.Getenv("PRODUCER_AUTH_TOKEN"); v != "" {
		if c.ProducerAuth.Config == nil {
			c.ProducerAuth.Config = map[string]any{}
		}
		c.ProducerAuth.Config["token"] = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.PersistenceProvider == "" {
		c.PersistenceProvider = "redis"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if len(c.SupportedCarriers) == 0 {
		c.SupportedCarriers = []string{"encova", "guard", "amtrust"}
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 5
	}
	if c.PollBackoffPolicy == "" {
		c.PollBackoffPolicy = "exponential"
	}
	if c.PollBackoffBaseSeconds <= 0 {
		c.PollBackoffBaseSeconds = 5
	}
	if c.PollBackoffMaxSeconds <= 0 {
		c.PollBackoffMaxSeconds = 60
	}
	if c.AllowedClockSkewSeconds <= 0 {
		c.AllowedClockSkewSeconds = 60
	}
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	switch c.PersistenceProvider {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown persistenceProvider %q", c.PersistenceProvider))
	}
	if c.PersistenceProvider == "memory" && !dev {
		errs = append(errs, "memory persistence is dev-only")
	}

	if len(c.SupportedCarriers) == 0 {
		errs = append(errs, "supportedCarriers must not be empty")
	}
	seen := map[string]bool{}
	for _, carrier := range c.SupportedCarriers {
		name := strings.ToLower(strings.TrimSpace(carrier))
		if name == "" {
			errs = append(errs, "supportedCarriers contains an empty entry")
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("supportedCarriers lists %q twice", name))
		}
		seen[name] = true
	}

	if c.ProducerAuth.Type == "" && !dev {
		errs = append(errs, "producerAuth.type is required in non-dev")
	}

	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, "pollIntervalSeconds must be positive")
	}
	if c.PollBackoffMaxSeconds < c.PollBackoffBaseSeconds {
		errs = append(errs, "pollBackoffMaxSeconds must be >= pollBackoffBaseSeconds")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
