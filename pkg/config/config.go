package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Cache struct {
		Path       string `yaml:"path"`
		DebounceMS int    `yaml:"debounce_ms"`
		Retention  struct {
			Enabled bool   `yaml:"enabled"`
			Cron    string `yaml:"cron"`
			MaxDays int    `yaml:"max_days"`
		} `yaml:"retention"`
	} `yaml:"cache"`
	Sync struct {
		RemoteURL         string `yaml:"remote_url"`
		WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
		ReceiptDebounceMS int    `yaml:"receipt_debounce_ms"`
		Retry             struct {
			Attempts    int `yaml:"attempts"`
			BaseDelayMS int `yaml:"base_delay_ms"`
			MaxDelayMS  int `yaml:"max_delay_ms"`
		} `yaml:"retry"`
	} `yaml:"sync"`
	Push struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"push"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// CacheDebounce returns the configured cache write debounce, defaulting
// to one second.
func (c *Config) CacheDebounce() time.Duration {
	if c.Cache.DebounceMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Cache.DebounceMS) * time.Millisecond
}

// ReceiptDebounce returns the read-receipt batching window, 0 for the
// package default.
func (c *Config) ReceiptDebounce() time.Duration {
	return time.Duration(c.Sync.ReceiptDebounceMS) * time.Millisecond
}

// WriteTimeout returns the per-write remote deadline, 0 for the default.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Sync.WriteTimeoutMS) * time.Millisecond
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseServerFlags defines and parses the server command-line flags and
// returns their values along with a map of flags explicitly set.
func ParseServerFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.dmserver", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies DMSYNC_* environment overrides onto cfg and
// reports whether any were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("DMSYNC_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	} else {
		if host := os.Getenv("DMSYNC_ADDRESS"); host != "" {
			envUsed = true
			cfg.Server.Address = host
		}
		if port := os.Getenv("DMSYNC_PORT"); port != "" {
			envUsed = true
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}

	if v := os.Getenv("DMSYNC_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("DMSYNC_CACHE_PATH"); v != "" {
		envUsed = true
		cfg.Cache.Path = v
	}
	if v := os.Getenv("DMSYNC_REMOTE_URL"); v != "" {
		envUsed = true
		cfg.Sync.RemoteURL = v
	}
	if v := os.Getenv("DMSYNC_PUSH_URL"); v != "" {
		envUsed = true
		cfg.Push.URL = v
		cfg.Push.Enabled = true
	}
	if v := os.Getenv("DMSYNC_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("DMSYNC_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("DMSYNC_RETENTION_CRON"); v != "" {
		envUsed = true
		cfg.Cache.Retention.Enabled = true
		cfg.Cache.Retention.Cron = v
	}
	if v := os.Getenv("DMSYNC_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	return envUsed
}

// LoadEffective loads config from path and applies environment
// overrides, tolerating a missing file.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and DMSYNC_CONFIG when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("DMSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
