package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Pairing     PairingConfig     `yaml:"pairing"`
	Calibration CalibrationConfig `yaml:"calibration"`
	DueSweep    DueSweepConfig    `yaml:"due_sweep"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string        `yaml:"driver"` // "postgres" or "sqlite"
	DSN                    string        `yaml:"dsn"`
	MaxOpenConns           int           `yaml:"max_open_conns"`
	MaxIdleConns           int           `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int           `yaml:"conn_max_lifetime_minutes"`
	LockTimeoutMS          int           `yaml:"lock_timeout_ms"`
	LockTimeout            time.Duration `yaml:"-"`
	LogLevel               string        `yaml:"log_level"`
}

// LoggingConfig selects the zap preset.
type LoggingConfig struct {
	Mode string `yaml:"mode"`
}

// PairingConfig tunes which GO/NO-GO sets may be formed.
type PairingConfig struct {
	RejectMixedSeal  bool     `yaml:"reject_mixed_seal"`
	NonPairableForms []string `yaml:"non_pairable_forms"`
}

// CalibrationConfig holds calibration workflow defaults.
type CalibrationConfig struct {
	DefaultFrequencyDays int `yaml:"default_frequency_days"`
}

// DueSweepConfig controls the background job that flags gauges whose
// calibration due date has passed.
type DueSweepConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // Ignored by YAML parser
	Workers         int           `yaml:"workers"`
	ActorID         int64         `yaml:"actor_id"` // recorded as the acting user; 0 means the system
}

var defaultNonPairableForms = []string{"npt", "taper", "setting_plug"}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
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

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in zero values. Load calls it; tests building a Config
// by hand call it directly.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.LockTimeoutMS <= 0 {
		cfg.Database.LockTimeoutMS = 5000
	}
	cfg.Database.LockTimeout = time.Duration(cfg.Database.LockTimeoutMS) * time.Millisecond
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}

	if cfg.Logging.Mode == "" {
		cfg.Logging.Mode = "development"
	}

	if cfg.Pairing.NonPairableForms == nil {
		cfg.Pairing.NonPairableForms = append([]string(nil), defaultNonPairableForms...)
	}

	if cfg.Calibration.DefaultFrequencyDays <= 0 {
		cfg.Calibration.DefaultFrequencyDays = 365
	}

	if cfg.DueSweep.IntervalSeconds <= 0 {
		cfg.DueSweep.IntervalSeconds = 3600
	}
	cfg.DueSweep.Interval = time.Duration(cfg.DueSweep.IntervalSeconds) * time.Second
	if cfg.DueSweep.Workers <= 0 {
		cfg.DueSweep.Workers = 2
	}
}
