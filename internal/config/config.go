// Package config loads the yaml server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Storage       StorageConfig       `yaml:"storage"`
	Box           BoxConfig           `yaml:"box"`
	Anonymization AnonymizationConfig `yaml:"anonymization"`
	Events        EventsConfig        `yaml:"events"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is how peers reach this node, e.g. "http://slicebox.example.com:5000/api".
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type BoxConfig struct {
	// PollInterval is the per-box worker tick.
	PollInterval time.Duration `yaml:"-"`
	// Timeout bounds both box online status and stalled PROCESSING
	// transactions before the supervisor demotes them.
	Timeout time.Duration `yaml:"-"`
	// SupervisorInterval is the status refresh tick.
	SupervisorInterval time.Duration `yaml:"-"`
}

// UnmarshalYAML reads the box durations from "5s"-style strings.
func (b *BoxConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		PollInterval       string `yaml:"poll_interval"`
		Timeout            string `yaml:"timeout"`
		SupervisorInterval string `yaml:"supervisor_interval"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		value string
		dst   *time.Duration
	}{
		{raw.PollInterval, &b.PollInterval},
		{raw.Timeout, &b.Timeout},
		{raw.SupervisorInterval, &b.SupervisorInterval},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", f.value, err)
		}
		*f.dst = d
	}
	return nil
}

type AnonymizationConfig struct {
	// PurgeEmptyKeys removes anonymization keys when their images are
	// deleted.
	PurgeEmptyKeys bool   `yaml:"purge_empty_keys"`
	Profile        string `yaml:"profile"`
}

type EventsConfig struct {
	// Backend selects "memory" (default) or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 5000, BaseURL: "http://localhost:5000/api"},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "file:slicebox.db"},
		Storage:  StorageConfig{Path: "dicom"},
		Box: BoxConfig{
			PollInterval:       5 * time.Second,
			Timeout:            time.Minute,
			SupervisorInterval: 5 * time.Second,
		},
		Anonymization: AnonymizationConfig{PurgeEmptyKeys: true, Profile: "basic"},
		Events:        EventsConfig{Backend: "memory"},
	}
}

// Load reads a yaml config file on top of the defaults. Environment
// variables SLICEBOX_DB_DSN and SLICEBOX_REDIS_ADDR override their fields so
// secrets can stay out of the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if dsn := os.Getenv("SLICEBOX_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("SLICEBOX_REDIS_ADDR"); addr != "" {
		cfg.Events.RedisAddr = addr
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Events.Backend != "memory" && c.Events.Backend != "redis" {
		return fmt.Errorf("config: unknown events backend %q", c.Events.Backend)
	}
	if c.Events.Backend == "redis" && c.Events.RedisAddr == "" {
		return fmt.Errorf("config: events backend redis needs redis_addr")
	}
	if c.Box.PollInterval <= 0 || c.Box.Timeout <= 0 || c.Box.SupervisorInterval <= 0 {
		return fmt.Errorf("config: box intervals must be positive")
	}
	return nil
}
