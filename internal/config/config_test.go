package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/verifier"
)

const minimalEnvYAML = `
server:
  port: "8080"
verification:
  exclusions:
    - tech.ixirsii.rocket.container.RocketContainerApplication
  rules:
    - {name: class-coverage, counter: CLASS, element: CLASS, minimum: 1.0}
    - {name: line-coverage, counter: LINE, element: CLASS, minimum: 0.70, excludes: ["*Generated*"]}
`

// clearEnv unsets every override Load consults so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_PORT", "CACHE_BACKEND", "MEMCACHED_ADDRS", "REDIS_ADDR", "REDIS_PASSWORD",
		"NATS_URL", "SOURCE_AUTH_TOKEN", "AWS_REGION", "S3_ENDPOINT",
		"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	} {
		t.Setenv(key, "")
	}
}

// TestLoad_EnvFileNotFound verifies a missing env file is reported.
func TestLoad_EnvFileNotFound(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "nonexistent")
	chdir(t, findProjectRoot(t))

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

// TestLoad_DevConfig verifies the shipped dev config loads with the default rule set.
func TestLoad_DevConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "")
	chdir(t, findProjectRoot(t))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []struct {
		name    string
		counter models.CounterKind
		minimum float64
	}{
		{"class-coverage", models.CounterClass, 1.0},
		{"method-coverage", models.CounterMethod, 1.0},
		{"line-coverage", models.CounterLine, 0.70},
	}
	if len(cfg.Rules) != len(want) {
		t.Fatalf("len(Rules) = %d, want %d", len(cfg.Rules), len(want))
	}
	for i, w := range want {
		r := cfg.Rules[i]
		if r.Name != w.name || r.Counter != w.counter || r.Minimum != w.minimum {
			t.Errorf("Rules[%d] = %+v, want %s %s %.2f", i, r, w.name, w.counter, w.minimum)
		}
		if len(r.Excludes) != 1 || r.Excludes[0] != "tech.ixirsii.rocket.container.RocketContainerApplication" {
			t.Errorf("Rules[%d].Excludes = %v, want shared exclusion", i, r.Excludes)
		}
	}
	if cfg.CacheBackend != "in_memory" || cfg.NATSEnabled {
		t.Errorf("CacheBackend = %q, NATSEnabled = %v; want in_memory, false", cfg.CacheBackend, cfg.NATSEnabled)
	}
}

// TestLoadFile_MergesExclusionsPerRule verifies shared exclusions are appended to each
// rule's own excludes without aliasing.
func TestLoadFile_MergesExclusionsPerRule(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFile(writeConfig(t, minimalEnvYAML))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if got := cfg.Rules[0].Excludes; len(got) != 1 {
		t.Errorf("Rules[0].Excludes = %v, want only the shared exclusion", got)
	}
	got := cfg.Rules[1].Excludes
	if len(got) != 2 || got[0] != "*Generated*" || got[1] != "tech.ixirsii.rocket.container.RocketContainerApplication" {
		t.Errorf("Rules[1].Excludes = %v, want own pattern then shared exclusion", got)
	}
	cfg.Rules[0].Excludes[0] = "mutated"
	if cfg.Exclusions[0] == "mutated" || cfg.Rules[1].Excludes[1] == "mutated" {
		t.Error("rules share the exclusions backing array")
	}
}

// TestLoadFile_Defaults verifies unset sections fall back to defaults.
func TestLoadFile_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFile(writeConfig(t, minimalEnvYAML))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"CacheBackend", cfg.CacheBackend, "in_memory"},
		{"CacheTTL", cfg.CacheTTL, time.Hour},
		{"CacheMaxEntries", cfg.CacheMaxEntries, 1000},
		{"MemcachedAddrs", cfg.MemcachedAddrs, "localhost:11211"},
		{"RedisAddr", cfg.RedisAddr, "localhost:6379"},
		{"NATSSubject", cfg.NATSSubject, "coverage.verification.completed"},
		{"CoalesceTimeout", cfg.CoalesceTimeout, 10 * time.Second},
		{"RetryAttempts", cfg.RetryAttempts, 3},
		{"BreakerFailureThreshold", cfg.BreakerFailureThreshold, 5},
		{"BreakerOpenTimeout", cfg.BreakerOpenTimeout, 30 * time.Second},
		{"RateLimitRPS", cfg.RateLimitRPS, 20},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
		{"OverloadThresholdPct", cfg.OverloadThresholdPct, 80},
		{"DegradedErrorPct", cfg.DegradedErrorPct, 5},
		{"MaxReportBytes", cfg.MaxReportBytes, int64(32 << 20)},
		{"TestingMode", cfg.TestingMode, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

// TestLoadFile_EnvOverrides verifies env vars take precedence over the file.
func TestLoadFile_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CACHE_BACKEND", " Redis ")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("SOURCE_AUTH_TOKEN", "abc")

	cfg, err := LoadFile(writeConfig(t, minimalEnvYAML))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q, want 9090", cfg.ServerPort)
	}
	if cfg.CacheBackend != "redis" || cfg.RedisAddr != "redis:6379" {
		t.Errorf("cache = %q at %q, want redis at redis:6379", cfg.CacheBackend, cfg.RedisAddr)
	}
	if !cfg.NATSEnabled || cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("NATS enabled=%v url=%q, want enabled by NATS_URL", cfg.NATSEnabled, cfg.NATSURL)
	}
	if cfg.SourceHeaders["Authorization"] != "Bearer abc" {
		t.Errorf("Authorization header = %q", cfg.SourceHeaders["Authorization"])
	}
}

// TestLoadFile_InvalidDurationFallsBackToDefault verifies bad durations use defaults.
func TestLoadFile_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFile(writeConfig(t, minimalEnvYAML+`
cache:
  ttl: "forever"
shutdown:
  timeout: "-5s"
`))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %v, want 1h", cfg.CacheTTL)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}
}

// TestLoadFile_ZeroCoalesceTimeoutDisables verifies "0s" is kept rather than defaulted.
func TestLoadFile_ZeroCoalesceTimeoutDisables(t *testing.T) {
	clearEnv(t)
	yaml := strings.Replace(minimalEnvYAML, "verification:\n", "verification:\n  coalesce_timeout: \"0s\"\n", 1)
	cfg, err := LoadFile(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.CoalesceTimeout != 0 {
		t.Errorf("CoalesceTimeout = %v, want 0", cfg.CoalesceTimeout)
	}
}

// TestLoadFile_ValidationErrors verifies invalid configurations are rejected.
func TestLoadFile_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no rules",
			yaml:    "server:\n  port: \"8080\"\n",
			wantErr: "at least one rule",
		},
		{
			name: "minimum out of range",
			yaml: `
verification:
  rules:
    - {counter: LINE, element: CLASS, minimum: 1.5}
`,
			wantErr: "verification.rules",
		},
		{
			name: "unknown counter",
			yaml: `
verification:
  rules:
    - {counter: STATEMENT, minimum: 0.5}
`,
			wantErr: "unknown counter",
		},
		{
			name: "bad exclusion",
			yaml: `
verification:
  exclusions: ["com.example.[Bad]"]
  rules:
    - {counter: LINE, minimum: 0.5}
`,
			wantErr: "verification.exclusions",
		},
		{
			name:    "bad cache backend",
			yaml:    minimalEnvYAML + "cache:\n  backend: dynamo\n",
			wantErr: "cache.backend",
		},
		{
			name:    "non-numeric port",
			yaml:    strings.Replace(minimalEnvYAML, `port: "8080"`, `port: "http"`, 1),
			wantErr: "server.port",
		},
		{
			name:    "invalid yaml",
			yaml:    "server: [unclosed",
			wantErr: "parse config file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := LoadFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("LoadFile() error = nil, cfg = %+v", cfg)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFile() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoadFile_RuleErrorIsConfigurationError verifies rule problems keep their type.
func TestLoadFile_RuleErrorIsConfigurationError(t *testing.T) {
	clearEnv(t)
	_, err := LoadFile(writeConfig(t, "verification:\n  rules:\n    - {counter: LINE, element: METHOD, minimum: 0.5}\n"))
	var cfgErr *verifier.ConfigurationError
	if !errors.As(err, &cfgErr) || !errors.Is(err, verifier.ErrUnknownElement) {
		t.Errorf("LoadFile() error = %v, want ConfigurationError wrapping ErrUnknownElement", err)
	}
}

// TestLoadFile_TestingModeTrue verifies testing_mode is read.
func TestLoadFile_TestingModeTrue(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFile(writeConfig(t, minimalEnvYAML+"\ntesting_mode: true\n"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if !cfg.TestingMode {
		t.Error("TestingMode = false, want true")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
