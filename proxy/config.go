package proxy

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config carries every operator knob. Values come from an optional YAML
// file with environment variables layered on top.
type Config struct {
	Listen        string `yaml:"listen"`
	DataDir       string `yaml:"dataDir"`
	APIToken      string `yaml:"apiToken"`      // legacy single shared secret
	AdminPassword string `yaml:"adminPassword"` // empty disables the admin API
	OllamaBaseURL string `yaml:"ollamaBaseUrl"`

	ConnectTimeoutMs int `yaml:"connectTimeout"` // stream header budget
	RequestTimeoutMs int `yaml:"requestTimeout"` // non-stream total budget
	MaxRetries       int `yaml:"maxRetries"`

	HealthCheckIntervalSec int `yaml:"healthCheckInterval"` // 0 disables

	RateLimits RateLimitConfig `yaml:"rateLimits"`

	AccessMode  string   `yaml:"accessMode"`
	IPWhitelist []string `yaml:"ipWhitelist"`
	IPBlacklist []string `yaml:"ipBlacklist"`

	LogLevel   string `yaml:"logLevel"`
	TrustProxy bool   `yaml:"trustProxy"`

	CacheSize int  `yaml:"cacheSize"`
	CacheChat bool `yaml:"cacheChat"`

	TraceEndpoint string `yaml:"traceEndpoint"` // OTLP/HTTP collector, empty disables
}

type RateLimitConfig struct {
	Global RateLimitWindow `yaml:"global"`
	IP     RateLimitWindow `yaml:"ip"`
	Token  RateLimitWindow `yaml:"token"`
}

type RateLimitWindow struct {
	Enabled  bool  `yaml:"enabled"`
	Max      int   `yaml:"max"`
	WindowMs int64 `yaml:"window"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:                 ":8080",
		DataDir:                "data",
		OllamaBaseURL:          DefaultBaseURL,
		ConnectTimeoutMs:       30000,
		RequestTimeoutMs:       300000,
		MaxRetries:             2,
		HealthCheckIntervalSec: 60,
		RateLimits: RateLimitConfig{
			Global: RateLimitWindow{Max: 300, WindowMs: 60000},
			IP:     RateLimitWindow{Max: 60, WindowMs: 60000},
			Token:  RateLimitWindow{Max: 120, WindowMs: 60000},
		},
		AccessMode: string(AccessDisabled),
		LogLevel:   "info",
		CacheSize:  256,
	}
}

// LoadConfig reads the optional YAML file and applies env overrides. An
// empty path skips the file entirely.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer file.Close()
			if err := loadConfigReader(file, config); err != nil {
				return nil, err
			}
		}
	}

	config.applyEnv()

	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("maxRetries must not be negative")
	}
	if config.ConnectTimeoutMs <= 0 || config.RequestTimeoutMs <= 0 {
		return nil, fmt.Errorf("timeouts must be positive")
	}
	config.OllamaBaseURL = NormalizeBaseURL(config.OllamaBaseURL)
	return config, nil
}

func loadConfigReader(r io.Reader, config *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.AdminPassword = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.OllamaBaseURL = v
	}
	envInt("CONNECT_TIMEOUT", &c.ConnectTimeoutMs)
	envInt("REQUEST_TIMEOUT", &c.RequestTimeoutMs)
	envInt("MAX_RETRIES", &c.MaxRetries)
	envInt("HEALTH_CHECK_INTERVAL", &c.HealthCheckIntervalSec)

	applyWindowEnv("GLOBAL", &c.RateLimits.Global)
	applyWindowEnv("IP", &c.RateLimits.IP)
	applyWindowEnv("TOKEN", &c.RateLimits.Token)

	if v := os.Getenv("IP_ACCESS_MODE"); v != "" {
		c.AccessMode = v
	}
	if v := os.Getenv("IP_WHITELIST"); v != "" {
		c.IPWhitelist = splitList(v)
	}
	if v := os.Getenv("IP_BLACKLIST"); v != "" {
		c.IPBlacklist = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		c.TrustProxy = v == "true" || v == "1"
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	envInt("CACHE_SIZE", &c.CacheSize)
	if v := os.Getenv("CACHE_CHAT"); v != "" {
		c.CacheChat = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACE_ENDPOINT"); v != "" {
		c.TraceEndpoint = v
	}
}

func applyWindowEnv(name string, w *RateLimitWindow) {
	if v := os.Getenv("RATE_LIMIT_" + name + "_ENABLED"); v != "" {
		w.Enabled = v == "true" || v == "1"
	}
	envInt("RATE_LIMIT_"+name+"_MAX", &w.Max)
	if v := os.Getenv("RATE_LIMIT_" + name + "_WINDOW"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			w.WindowMs = n
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AccessPolicy builds the initial (pre-persistence) IP filter policy.
func (c *Config) AccessPolicy() AccessPolicy {
	return AccessPolicy{
		Mode:      AccessMode(c.AccessMode),
		Whitelist: c.IPWhitelist,
		Blacklist: c.IPBlacklist,
	}
}
