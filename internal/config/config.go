package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Remoting bridge configuration, with environment overrides
// =============================================================================

type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Session    SessionConfig    `yaml:"session"`
	Binaries   BinariesConfig   `yaml:"binaries"`
	Integrator IntegratorConfig `yaml:"integrator"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type TransportConfig struct {
	Env              string `yaml:"env"`
	BackingDir       string `yaml:"backing_dir"`
	LivenessPollSec  int    `yaml:"liveness_poll_sec"`
	SpawnTimeoutSec  int    `yaml:"spawn_timeout_sec"`
	TeardownGraceSec int    `yaml:"teardown_grace_sec"`
}

type SessionConfig struct {
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
	MaxReals              int `yaml:"max_reals"`
	MaxIntegers           int `yaml:"max_integers"`
	MaxBooleans           int `yaml:"max_booleans"`
}

type BinariesConfig struct {
	ModuleDir     string `yaml:"module_dir"`
	RemotedSuffix string `yaml:"remoted_suffix"`
}

// IntegratorConfig tunes the model-exchange BDF integrator.
type IntegratorConfig struct {
	RelativeTolerance   float64 `yaml:"relative_tolerance"`
	MinStep             float64 `yaml:"min_step"`
	MaxOrder            int     `yaml:"max_order"`
	MaxNewtonIters      int     `yaml:"max_newton_iters"`
	EventBisectionIters int     `yaml:"event_bisection_iters"`
}

type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("FMIBRIDGE_CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Transport.Env = getEnv("FMIBRIDGE_ENV", c.Transport.Env)
	c.Transport.BackingDir = getEnv("FMIBRIDGE_BACKING_DIR", c.Transport.BackingDir)
	if v := getEnvInt("FMIBRIDGE_LIVENESS_POLL_SEC", 0); v > 0 {
		c.Transport.LivenessPollSec = v
	}
	if v := getEnvInt("FMIBRIDGE_SPAWN_TIMEOUT_SEC", 0); v > 0 {
		c.Transport.SpawnTimeoutSec = v
	}
	if v := getEnvInt("FMIBRIDGE_TEARDOWN_GRACE_SEC", 0); v > 0 {
		c.Transport.TeardownGraceSec = v
	}

	if v := getEnvInt("FMIBRIDGE_MAX_SESSIONS", 0); v > 0 {
		c.Session.MaxConcurrentSessions = v
	}
	if v := getEnvInt("FMIBRIDGE_MAX_REALS", 0); v > 0 {
		c.Session.MaxReals = v
	}
	if v := getEnvInt("FMIBRIDGE_MAX_INTEGERS", 0); v > 0 {
		c.Session.MaxIntegers = v
	}
	if v := getEnvInt("FMIBRIDGE_MAX_BOOLEANS", 0); v > 0 {
		c.Session.MaxBooleans = v
	}

	c.Binaries.ModuleDir = getEnv("FMIBRIDGE_MODULE_DIR", c.Binaries.ModuleDir)
	c.Binaries.RemotedSuffix = getEnv("FMIBRIDGE_REMOTED_SUFFIX", c.Binaries.RemotedSuffix)

	if v := getEnvFloat("FMIBRIDGE_RELATIVE_TOLERANCE", 0); v > 0 {
		c.Integrator.RelativeTolerance = v
	}
	if v := getEnvFloat("FMIBRIDGE_MIN_STEP", 0); v > 0 {
		c.Integrator.MinStep = v
	}
	if v := getEnvInt("FMIBRIDGE_MAX_ORDER", 0); v > 0 {
		c.Integrator.MaxOrder = v
	}
	if v := getEnvInt("FMIBRIDGE_MAX_NEWTON_ITERS", 0); v > 0 {
		c.Integrator.MaxNewtonIters = v
	}
	if v := getEnvInt("FMIBRIDGE_EVENT_BISECTION_ITERS", 0); v > 0 {
		c.Integrator.EventBisectionIters = v
	}

	c.Monitoring.MetricsEnabled = getEnvBool("FMIBRIDGE_METRICS_ENABLED", c.Monitoring.MetricsEnabled)
	c.Monitoring.MetricsAddr = getEnv("FMIBRIDGE_METRICS_ADDR", c.Monitoring.MetricsAddr)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Transport.BackingDir == "" {
		c.Transport.BackingDir = "/dev/shm"
	}
	if c.Transport.LivenessPollSec == 0 {
		c.Transport.LivenessPollSec = 3
	}
	if c.Transport.SpawnTimeoutSec == 0 {
		c.Transport.SpawnTimeoutSec = 15
	}
	if c.Transport.TeardownGraceSec == 0 {
		c.Transport.TeardownGraceSec = 5
	}
	if c.Session.MaxConcurrentSessions == 0 {
		c.Session.MaxConcurrentSessions = 32
	}
	if c.Session.MaxReals == 0 {
		c.Session.MaxReals = 4096
	}
	if c.Session.MaxIntegers == 0 {
		c.Session.MaxIntegers = 1024
	}
	if c.Session.MaxBooleans == 0 {
		c.Session.MaxBooleans = 1024
	}
	if c.Binaries.RemotedSuffix == "" {
		c.Binaries.RemotedSuffix = "-remoted"
	}
	if c.Integrator.RelativeTolerance == 0 {
		c.Integrator.RelativeTolerance = 1e-4
	}
	if c.Integrator.MinStep == 0 {
		c.Integrator.MinStep = 1e-9
	}
	if c.Integrator.MaxOrder == 0 {
		c.Integrator.MaxOrder = 2
	}
	if c.Integrator.MaxNewtonIters == 0 {
		c.Integrator.MaxNewtonIters = 7
	}
	if c.Integrator.EventBisectionIters == 0 {
		c.Integrator.EventBisectionIters = 40
	}
	if c.Monitoring.MetricsAddr == "" {
		c.Monitoring.MetricsAddr = ":9090"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Transport.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Transport.Env == "development"
}
