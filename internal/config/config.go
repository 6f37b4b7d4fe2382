package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/validation"
	"github.com/kjstillabower/coverage-verifier/internal/verifier"
)

// Config holds service and CLI configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort     string
	RequestTimeout time.Duration
	MaxReportBytes int64

	// Rules carry the shared exclusions already merged into each rule's Excludes.
	Rules      []models.Rule
	Exclusions []string

	CacheBackend    string // "in_memory", "memcached" or "redis"
	CacheTTL        time.Duration
	CacheMaxEntries int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	RedisTimeout  time.Duration

	NATSEnabled bool
	NATSURL     string
	NATSSubject string

	SourceAllowFiles bool
	SourceFileRoot   string
	SourceHeaders    map[string]string
	SourceTimeout    time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeout      time.Duration

	S3Enabled         bool
	S3Region          string
	S3Endpoint        string
	S3UsePathStyle    bool
	S3AccessKeyID     string
	S3SecretAccessKey string

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration
	CoalesceTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port           string `yaml:"port"`
		RequestTimeout string `yaml:"request_timeout"`
		MaxReportBytes int64  `yaml:"max_report_bytes"`
	} `yaml:"server"`

	Verification struct {
		Exclusions      []string      `yaml:"exclusions"`
		Rules           []models.Rule `yaml:"rules"`
		CoalesceTimeout string        `yaml:"coalesce_timeout"`
	} `yaml:"verification"`

	Cache struct {
		Backend    string `yaml:"backend"`
		TTL        string `yaml:"ttl"`
		MaxEntries int    `yaml:"max_entries"`
		Memcached  struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Source struct {
		AllowFiles bool              `yaml:"allow_files"`
		FileRoot   string            `yaml:"file_root"`
		Timeout    string            `yaml:"timeout"`
		Headers    map[string]string `yaml:"headers"`
		Breaker    struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			OpenTimeout      string `yaml:"open_timeout"`
		} `yaml:"circuit_breaker"`
		S3 struct {
			Enabled      bool   `yaml:"enabled"`
			Region       string `yaml:"region"`
			Endpoint     string `yaml:"endpoint"`
			UsePathStyle bool   `yaml:"use_path_style"`
		} `yaml:"s3"`
	} `yaml:"source"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev). Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "config", env+".yaml"))
}

// LoadFile reads configuration from path. A .env file in the working directory, if
// present, seeds the environment first; variables already set win.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = envOr("SERVER_PORT", fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 30*time.Second)
	cfg.MaxReportBytes = fc.Server.MaxReportBytes
	if cfg.MaxReportBytes <= 0 {
		cfg.MaxReportBytes = 32 << 20
	}

	cfg.Exclusions, err = trimPatterns(fc.Verification.Exclusions)
	if err != nil {
		return nil, fmt.Errorf("verification.exclusions: %w", err)
	}
	cfg.Rules = mergeExclusions(fc.Verification.Rules, cfg.Exclusions)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Verification.CoalesceTimeout, 10*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend)))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheMaxEntries = fc.Cache.MaxEntries
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 1000
	}

	cfg.MemcachedAddrs = strings.TrimSpace(envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RedisAddr = strings.TrimSpace(envOr("REDIS_ADDR", fc.Cache.Redis.Addr))
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisPoolSize = fc.Cache.Redis.PoolSize
	if cfg.RedisPoolSize <= 0 {
		cfg.RedisPoolSize = 10
	}
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.NATSURL = strings.TrimSpace(envOr("NATS_URL", fc.NATS.URL))
	cfg.NATSEnabled = fc.NATS.Enabled || os.Getenv("NATS_URL") != ""
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://localhost:4222"
	}
	cfg.NATSSubject = strings.TrimSpace(fc.NATS.Subject)
	if cfg.NATSSubject == "" {
		cfg.NATSSubject = "coverage.verification.completed"
	}

	cfg.SourceAllowFiles = fc.Source.AllowFiles
	cfg.SourceFileRoot = fc.Source.FileRoot
	cfg.SourceHeaders = fc.Source.Headers
	if token := os.Getenv("SOURCE_AUTH_TOKEN"); token != "" {
		if cfg.SourceHeaders == nil {
			cfg.SourceHeaders = make(map[string]string)
		}
		cfg.SourceHeaders["Authorization"] = "Bearer " + token
	}
	cfg.SourceTimeout = parseDuration(fc.Source.Timeout, 10*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 50
	}

	cfg.BreakerFailureThreshold = fc.Source.Breaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.Source.Breaker.SuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerOpenTimeout = parseDuration(fc.Source.Breaker.OpenTimeout, 30*time.Second)

	cfg.S3Enabled = fc.Source.S3.Enabled
	cfg.S3Region = envOr("AWS_REGION", fc.Source.S3.Region)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", fc.Source.S3.Endpoint)
	cfg.S3UsePathStyle = fc.Source.S3.UsePathStyle
	cfg.S3AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	cfg.S3SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOr returns the trimmed env var if set, else fallback.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func trimPatterns(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		trimmed, err := validation.ValidatePattern(p)
		if err != nil {
			return nil, err
		}
		out = append(out, trimmed)
	}
	return out, nil
}

// mergeExclusions returns copies of rules with the shared exclusions appended to each
// rule's own excludes. The shared slice is never aliased by a rule.
func mergeExclusions(rules []models.Rule, exclusions []string) []models.Rule {
	out := make([]models.Rule, len(rules))
	for i, r := range rules {
		excludes := make([]string, 0, len(r.Excludes)+len(exclusions))
		excludes = append(excludes, r.Excludes...)
		excludes = append(excludes, exclusions...)
		r.Excludes = excludes
		if len(r.Includes) > 0 {
			r.Includes = append([]string(nil), r.Includes...)
		}
		out[i] = r
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is; a zero coalesce timeout disables coalescing.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. Rules are compiled so a bad rule set fails
// at load with a *verifier.ConfigurationError.
func validate(cfg *Config) error {
	if len(cfg.Rules) == 0 {
		return fmt.Errorf("verification.rules must declare at least one rule")
	}
	if _, err := verifier.CompileRules(cfg.Rules); err != nil {
		return fmt.Errorf("verification.rules: %w", err)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	if _, err := strconv.Atoi(cfg.ServerPort); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", cfg.ServerPort)
	}
	if cfg.CoalesceTimeout < 0 {
		cfg.CoalesceTimeout = 0
	}
	if cfg.OverloadThresholdPct > 100 || cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health thresholds must be percentages in 1..100")
	}
	if cfg.RequestTimeout <= cfg.SourceTimeout {
		cfg.RequestTimeout = cfg.SourceTimeout + time.Second
	}
	return nil
}
