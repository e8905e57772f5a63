package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config models farmtrack.yml.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Server struct {
		Addr         string `yaml:"addr"`
		APIBasePath  string `yaml:"api_base_path"`
		CookieName   string `yaml:"cookie_name"`
		SecureCookie bool   `yaml:"secure_cookie"`
	} `yaml:"server"`
	Session struct {
		Store string        `yaml:"store"`
		TTL   time.Duration `yaml:"ttl"`
		Redis RedisConfig   `yaml:"redis"`
	} `yaml:"session"`
	Log LogConfig `yaml:"log"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with farmtrack config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config.api.base_url must be an absolute http(s) url")
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("config.api.timeout must not be negative")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.APIBasePath, "/") {
		return fmt.Errorf("config.server.api_base_path must start with /")
	}
	if c.Server.CookieName == "" {
		return fmt.Errorf("config.server.cookie_name is required")
	}
	switch c.Session.Store {
	case StoreSQLite, StoreMemory:
	case StoreRedis:
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("config.session.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("config.session.store must be one of sqlite, redis, memory")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("config.session.ttl must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "farmtrack.yml")
}

// GenerateDefault returns default config YAML pointing at baseURL.
func GenerateDefault(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fmt.Sprintf(defaultTemplate, baseURL)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// DefaultBaseURL is where the farm API listens in a local setup.
const DefaultBaseURL = "http://localhost:5000"

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to farmtrack.yml form.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `api:
  base_url: %s
  timeout: 15s

server:
  addr: 127.0.0.1:8080
  api_base_path: /ui/v0
  cookie_name: farmtrack_session
  secure_cookie: false

session:
  # sqlite keeps credentials in .farmtrack/farmtrack.db; use redis when
  # several web instances share sessions.
  store: sqlite
  ttl: 24h
  redis:
    addr: 127.0.0.1:6379
    db: 0
    prefix: "farmtrack:session:"

log:
  level: info
  development: false
`
