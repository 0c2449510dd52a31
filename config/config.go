package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"tripkit/events"
	"tripkit/logger"
)

// Defaults substituted during Resolve for every absent optional field.
const (
	DefaultRedisHost   = "127.0.0.1"
	DefaultRedisPort   = 6379
	DefaultHTTPTimeout = 10 * time.Second
	DefaultLogLevel    = "info"
	DefaultQueueSize   = 1000
	DefaultMaxRetries  = 5
)

// RedisConfig holds transport connection parameters. The explicit timeout and
// pool fields replace an open-ended pass-through options bag so the contract
// stays type-safe.
type RedisConfig struct {
	Host          string `yaml:"host" envconfig:"TRIPKIT_REDIS_HOST"`
	Port          int    `yaml:"port" envconfig:"TRIPKIT_REDIS_PORT"`
	DB            int    `yaml:"db" envconfig:"TRIPKIT_REDIS_DB"`
	Username      string `yaml:"username,omitempty" envconfig:"TRIPKIT_REDIS_USERNAME"`
	Password      string `yaml:"password,omitempty" envconfig:"TRIPKIT_REDIS_PASSWORD"`
	ChannelPrefix string `yaml:"channel_prefix" envconfig:"TRIPKIT_CHANNEL_PREFIX"`

	DialTimeout  Duration `yaml:"dial_timeout,omitempty" envconfig:"TRIPKIT_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  Duration `yaml:"read_timeout,omitempty" envconfig:"TRIPKIT_REDIS_READ_TIMEOUT"`
	WriteTimeout Duration `yaml:"write_timeout,omitempty" envconfig:"TRIPKIT_REDIS_WRITE_TIMEOUT"`
	PoolSize     int      `yaml:"pool_size,omitempty" envconfig:"TRIPKIT_REDIS_POOL_SIZE"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds REST gateway parameters. The whole section is optional;
// HTTP-dependent operations fail at point of use when it is absent.
type HTTPConfig struct {
	BaseURL string            `yaml:"base_url" envconfig:"TRIPKIT_HTTP_BASE_URL"`
	Timeout Duration          `yaml:"timeout,omitempty" envconfig:"TRIPKIT_HTTP_TIMEOUT"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// QueueConfig controls offline queueing of events that failed to publish.
type QueueConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"TRIPKIT_QUEUE_ENABLED"`
	MaxSize     int    `yaml:"max_size,omitempty" envconfig:"TRIPKIT_QUEUE_MAX_SIZE"`
	PersistPath string `yaml:"persist_path,omitempty" envconfig:"TRIPKIT_QUEUE_PERSIST_PATH"`
}

// Config is the full SDK configuration. Zero values for optional fields are
// replaced by defaults during Resolve; the facade copies the resolved config
// and never mutates it afterwards.
type Config struct {
	Redis RedisConfig `yaml:"redis"`
	HTTP  *HTTPConfig `yaml:"http,omitempty"`
	Queue QueueConfig `yaml:"queue,omitempty"`

	RetryOnError bool   `yaml:"retry_on_error" envconfig:"TRIPKIT_RETRY_ON_ERROR"`
	ThrowOnError bool   `yaml:"throw_on_error" envconfig:"TRIPKIT_THROW_ON_ERROR"`
	MaxRetries   int    `yaml:"max_retries,omitempty" envconfig:"TRIPKIT_MAX_RETRIES"`
	LogLevel     string `yaml:"log_level,omitempty" envconfig:"TRIPKIT_LOG_LEVEL"`

	// Logger overrides the default logrus logger. Not serializable.
	Logger logger.Logger `yaml:"-"`
}

// Resolve validates the configuration and fills in defaults for every absent
// optional field. It returns a copy; the receiver is not modified.
func (c Config) Resolve() (Config, error) {
	var problems []string

	if c.Redis.Host == "" {
		c.Redis.Host = DefaultRedisHost
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Redis.Port < 0 || c.Redis.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid redis port: %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		problems = append(problems, fmt.Sprintf("invalid redis db: %d", c.Redis.DB))
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = events.DefaultChannelPrefix
	}

	if c.HTTP != nil {
		// Detach from the caller's section so filling defaults stays a pure
		// transformation and the resolved config cannot be mutated from outside.
		h := *c.HTTP
		if h.Headers != nil {
			headers := make(map[string]string, len(h.Headers))
			for k, v := range h.Headers {
				headers[k] = v
			}
			h.Headers = headers
		}
		c.HTTP = &h

		if c.HTTP.BaseURL == "" {
			problems = append(problems, "http section present but base_url is empty")
		}
		if c.HTTP.Timeout <= 0 {
			c.HTTP.Timeout = Duration(DefaultHTTPTimeout)
		}
	}

	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = DefaultQueueSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Logger == nil {
		c.Logger = logger.New(c.LogLevel)
	}

	if len(problems) > 0 {
		return c, fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return c, nil
}

// Load reads a YAML config file and resolves it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return c.Resolve()
}

// FromEnv builds a configuration from TRIPKIT_* environment variables and
// resolves it. The HTTP section is attached only when a base URL is set.
func FromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	// envconfig allocates nested struct pointers even when nothing was set;
	// an HTTP section without a base URL means no HTTP section at all.
	if c.HTTP != nil && c.HTTP.BaseURL == "" {
		c.HTTP = nil
	}
	return c.Resolve()
}
