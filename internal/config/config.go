package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the budgetd configuration.
type Config struct {
	Principal    PrincipalConfig    `yaml:"principal"`
	HTTP         HTTPConfig         `yaml:"http"`
	Database     DatabaseConfig     `yaml:"database"`
	Budget       BudgetConfig       `yaml:"budget"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Cache        CacheConfig        `yaml:"cache"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// PrincipalConfig identifies this process and its peer.
type PrincipalConfig struct {
	Name string `yaml:"name"`
	Peer string `yaml:"peer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds the shared primary store and local fallback settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	FallbackDir      string   `yaml:"fallback_dir"`
	OpTimeoutSec     int      `yaml:"op_timeout_sec"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	KeyPrefix        string   `yaml:"key_prefix"`
}

// BudgetConfig holds daily token budget settings.
type BudgetConfig struct {
	DailyLimit         int64   `yaml:"daily_limit"`
	WarningThreshold   float64 `yaml:"warning_threshold"`
	EmergencyThreshold float64 `yaml:"emergency_threshold"`
	MaxSingleOperation int64   `yaml:"max_single_operation"`
	Timezone           string  `yaml:"timezone"` // reference timezone for the budget day
}

// CoordinationConfig holds inter-principal coordination settings.
type CoordinationConfig struct {
	StalenessWindowHours   int     `yaml:"staleness_window_hours"`
	PollIntervalSec        int     `yaml:"poll_interval_sec"`
	CombinedUsageThreshold float64 `yaml:"combined_usage_threshold"`
	HealthFloor            float64 `yaml:"health_floor"`
	MessageTTLHours        int     `yaml:"message_ttl_hours"`
}

// CacheConfig holds memoization cache settings.
type CacheConfig struct {
	Dir              string `yaml:"dir"`
	MemoryCapacity   int    `yaml:"memory_capacity"`
	MemoryTTLSec     int    `yaml:"memory_ttl_sec"`
	DiskTTLSec       int    `yaml:"disk_ttl_sec"`
	MaxDiskBytes     int64  `yaml:"max_disk_bytes"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.OpTimeoutSec <= 0 {
		c.Database.OpTimeoutSec = 5
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.FallbackDir == "" {
		c.Database.FallbackDir = "local_ledger"
	}
	if c.Database.KeyPrefix == "" {
		c.Database.KeyPrefix = "budgetd:"
	}
	if c.Budget.DailyLimit <= 0 {
		c.Budget.DailyLimit = 300000
	}
	if c.Budget.WarningThreshold <= 0 {
		c.Budget.WarningThreshold = 0.8
	}
	if c.Budget.EmergencyThreshold <= 0 {
		c.Budget.EmergencyThreshold = 0.95
	}
	if c.Budget.MaxSingleOperation <= 0 {
		c.Budget.MaxSingleOperation = 50000
	}
	if c.Budget.Timezone == "" {
		c.Budget.Timezone = "UTC"
	}
	if c.Coordination.StalenessWindowHours <= 0 {
		c.Coordination.StalenessWindowHours = 1
	}
	if c.Coordination.PollIntervalSec <= 0 {
		c.Coordination.PollIntervalSec = 300
	}
	if c.Coordination.CombinedUsageThreshold <= 0 {
		c.Coordination.CombinedUsageThreshold = 0.8
	}
	if c.Coordination.HealthFloor <= 0 {
		c.Coordination.HealthFloor = 0.6
	}
	if c.Coordination.MessageTTLHours <= 0 {
		c.Coordination.MessageTTLHours = 24
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "cache"
	}
	if c.Cache.MemoryCapacity <= 0 {
		c.Cache.MemoryCapacity = 1000
	}
	if c.Cache.MemoryTTLSec <= 0 {
		c.Cache.MemoryTTLSec = 300
	}
	if c.Cache.DiskTTLSec <= 0 {
		c.Cache.DiskTTLSec = 86400
	}
	if c.Cache.MaxDiskBytes <= 0 {
		c.Cache.MaxDiskBytes = 100 * 1024 * 1024
	}
	if c.Cache.SweepIntervalSec <= 0 {
		c.Cache.SweepIntervalSec = 3600
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Principal.Name == "" {
		return fmt.Errorf("principal.name is required")
	}
	if c.Principal.Peer == "" {
		return fmt.Errorf("principal.peer is required")
	}
	if c.Principal.Name == c.Principal.Peer {
		return fmt.Errorf("principal.name and principal.peer must differ, both are %q", c.Principal.Name)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Budget.DailyLimit <= 0 {
		return fmt.Errorf("budget.daily_limit must be positive, got %d", c.Budget.DailyLimit)
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold > 1 {
		return fmt.Errorf("budget.warning_threshold must be in (0,1], got %g", c.Budget.WarningThreshold)
	}
	if c.Budget.EmergencyThreshold <= 0 || c.Budget.EmergencyThreshold > 1 {
		return fmt.Errorf("budget.emergency_threshold must be in (0,1], got %g", c.Budget.EmergencyThreshold)
	}
	if c.Budget.WarningThreshold >= c.Budget.EmergencyThreshold {
		return fmt.Errorf("budget.warning_threshold (%g) must be less than emergency_threshold (%g)",
			c.Budget.WarningThreshold, c.Budget.EmergencyThreshold)
	}
	if c.Budget.MaxSingleOperation <= 0 {
		return fmt.Errorf("budget.max_single_operation must be positive, got %d", c.Budget.MaxSingleOperation)
	}
	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		return fmt.Errorf("budget.timezone %q is not a valid location: %w", c.Budget.Timezone, err)
	}
	if c.Coordination.CombinedUsageThreshold > 1 {
		return fmt.Errorf("coordination.combined_usage_threshold must be in (0,1], got %g",
			c.Coordination.CombinedUsageThreshold)
	}
	if c.Coordination.HealthFloor > 1 {
		return fmt.Errorf("coordination.health_floor must be in (0,1], got %g", c.Coordination.HealthFloor)
	}
	return nil
}

// BudgetDayLocation returns the reference timezone for budget-day boundaries.
// Validate guarantees the name parses, so errors here cannot happen in a
// loaded config.
func (c *Config) BudgetDayLocation() *time.Location {
	loc, err := time.LoadLocation(c.Budget.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
