package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Storage      StorageConfig      `mapstructure:"storage"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Lock         LockConfig         `mapstructure:"lock"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Log          LogConfig          `mapstructure:"log"`
}

type TelegramConfig struct {
	Token              string  `mapstructure:"token"`
	Admins             []int64 `mapstructure:"admins"`
	DefaultAssistantID string  `mapstructure:"default_assistant_id"`
}

type StorageConfig struct {
	// Driver is one of memory, postgres, sqlite, dynamodb.
	Driver   string         `mapstructure:"driver"`
	Database DatabaseConfig `mapstructure:"database"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DynamoDBConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	TablePrefix     string `mapstructure:"table_prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type OrchestratorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
	PollRetries  int           `mapstructure:"poll_retries"`
	// BusyPolicy is wait or reject.
	BusyPolicy  string `mapstructure:"busy_policy"`
	VerifyUsers bool   `mapstructure:"verify_users"`
}

type RegistryConfig struct {
	// Cache is memory or redis.
	Cache     string        `mapstructure:"cache"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
	// CreateTimeout bounds one remote thread creation, shared by every
	// caller waiting on it.
	CreateTimeout time.Duration `mapstructure:"create_timeout"`
}

type LockConfig struct {
	// Backend is local or redis.
	Backend string        `mapstructure:"backend"`
	Expiry  time.Duration `mapstructure:"expiry"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.user", "postgres")
	v.SetDefault("storage.database.sslmode", "disable")
	v.SetDefault("storage.sqlite.path", "data/hub.db")
	v.SetDefault("storage.dynamodb.region", "us-east-1")
	v.SetDefault("orchestrator.poll_interval", 100*time.Millisecond)
	v.SetDefault("orchestrator.run_timeout", 60*time.Second)
	v.SetDefault("orchestrator.poll_retries", 3)
	v.SetDefault("orchestrator.busy_policy", "wait")
	v.SetDefault("orchestrator.verify_users", false)
	v.SetDefault("registry.cache", "memory")
	v.SetDefault("registry.cache_ttl", 30*time.Minute)
	v.SetDefault("registry.cache_size", 4096)
	v.SetDefault("registry.create_timeout", 30*time.Second)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.expiry", 2*time.Minute)
	v.SetDefault("log.development", false)
}

// LoadConfig reads the YAML file at path. An empty path skips the file and
// uses defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Storage.Database = dbConfig
	}
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}
	if region := v.GetString("AWS_REGION"); region != "" {
		config.Storage.DynamoDB.Region = region
	}
	if key := v.GetString("AWS_ACCESS_KEY_ID"); key != "" {
		config.Storage.DynamoDB.AccessKeyID = key
	}
	if secret := v.GetString("AWS_SECRET_ACCESS_KEY"); secret != "" {
		config.Storage.DynamoDB.SecretAccessKey = secret
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory", "postgres", "sqlite", "dynamodb":
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Orchestrator.BusyPolicy {
	case "wait", "reject":
	default:
		errs = append(errs, fmt.Errorf("unknown busy policy %q", c.Orchestrator.BusyPolicy))
	}
	switch c.Registry.Cache {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown registry cache %q", c.Registry.Cache))
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown lock backend %q", c.Lock.Backend))
	}

	o := c.Orchestrator
	if o.PollInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.poll_interval must be positive"))
	}
	if o.RunTimeout <= o.PollInterval {
		errs = append(errs, errors.New("orchestrator.run_timeout must exceed poll_interval"))
	}
	if o.PollRetries < 1 {
		errs = append(errs, errors.New("orchestrator.poll_retries must be at least 1"))
	}
	if (c.Registry.Cache == "redis" || c.Lock.Backend == "redis") && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required for the redis cache or lock"))
	}
	if c.Lock.Backend == "redis" && c.Lock.Expiry <= o.RunTimeout {
		errs = append(errs, errors.New("lock.expiry must exceed orchestrator.run_timeout"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
