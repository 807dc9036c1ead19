// 包 config：服务配置；默认值 → 可选 YAML 覆盖文件（CONFIG_FILE）→ 环境变量，后者优先
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"anomaly-map/internal/cache"
	"anomaly-map/internal/kv"
	"anomaly-map/internal/offline"
	"anomaly-map/internal/orchestrator"
	"anomaly-map/internal/retry"
	"anomaly-map/internal/utils"
	"anomaly-map/internal/virtual"
)

type UpstreamConfig struct {
	Kind    string        `yaml:"kind"` // http | postgres
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Schema  bool          `yaml:"ensure_schema"`
}

type KVConfig struct {
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	Prefix        string `yaml:"prefix"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Options：转换为 kv.Open 参数
func (k KVConfig) Options() kv.Options {
	return kv.Options{
		Backend: k.Backend,
		Dir:     k.Dir,
		Prefix:  k.Prefix,
		Redis:   kv.RedisOptions{Addr: k.RedisAddr, Password: k.RedisPassword, DB: k.RedisDB},
	}
}

type PGConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
	SSLMode  string `yaml:"sslmode"`
	MaxOpen  int    `yaml:"max_open"`
	MaxIdle  int    `yaml:"max_idle"`
}

func (p PGConfig) Params() utils.PGParams {
	return utils.PGParams{Host: p.Host, Port: p.Port, User: p.User, Password: p.Password, DB: p.DB, SSLMode: p.SSLMode, MaxOpen: p.MaxOpen, MaxIdle: p.MaxIdle}
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	QPS     int  `yaml:"qps"`
}

type Config struct {
	Addr           string              `yaml:"addr"`
	APIBase        string              `yaml:"api_base"`
	Upstream       UpstreamConfig      `yaml:"upstream"`
	KV             KVConfig            `yaml:"kv"`
	Postgres       PGConfig            `yaml:"postgres"`
	Cache          cache.Config        `yaml:"cache"`
	Offline        offline.Config      `yaml:"offline"`
	Virtual        virtual.Config      `yaml:"virtual"`
	Retry          retry.Policy        `yaml:"retry"`
	Orchestrator   orchestrator.Config `yaml:"orchestrator"`
	Heartbeat      time.Duration       `yaml:"heartbeat"`
	Maintenance    time.Duration       `yaml:"maintenance"`
	GeoIPPath      string              `yaml:"geoip_path"`
	InitialSpanDeg float64             `yaml:"initial_span_deg"`
	RateLimit      RateLimitConfig     `yaml:"rate_limit"`
}

// Default：全部默认值
func Default() Config {
	return Config{
		Addr:     ":8080",
		APIBase:  "/api",
		Upstream: UpstreamConfig{Kind: "http", Timeout: 10 * time.Second},
		KV:       KVConfig{Backend: "badger", Dir: "data/kv", Prefix: "anomap:", RedisAddr: "127.0.0.1:6379"},
		Postgres: PGConfig{Host: "127.0.0.1", Port: "5432", User: "postgres", DB: "anomalies", SSLMode: "disable"},

		Cache:          cache.DefaultConfig(),
		Offline:        offline.DefaultConfig(),
		Virtual:        virtual.DefaultConfig(),
		Retry:          retry.DefaultPolicy(),
		Orchestrator:   orchestrator.DefaultConfig(),
		Heartbeat:      15 * time.Second,
		Maintenance:    time.Minute,
		InitialSpanDeg: 0.1,
		RateLimit:      RateLimitConfig{QPS: 200},
	}
}

// Load：默认值 + CONFIG_FILE（若设置）+ 环境变量
func Load() (Config, error) {
	c := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.overlayFile(path); err != nil {
			return c, err
		}
	}
	c.overlayEnv(os.Getenv)
	return c, c.Validate()
}

func (c *Config) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv(get func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(get(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if n, err := strconv.Atoi(strings.TrimSpace(get(key))); err == nil && n > 0 {
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if n, err := strconv.ParseInt(strings.TrimSpace(get(key)), 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if f, err := strconv.ParseFloat(strings.TrimSpace(get(key)), 64); err == nil && f > 0 {
			*dst = f
		}
	}
	dur := func(key string, unit time.Duration, dst *time.Duration) {
		if n, err := strconv.Atoi(strings.TrimSpace(get(key))); err == nil && n > 0 {
			*dst = time.Duration(n) * unit
		}
	}
	str("ADDR", &c.Addr)
	str("API_BASE", &c.APIBase)
	str("UPSTREAM_KIND", &c.Upstream.Kind)
	str("UPSTREAM_URL", &c.Upstream.URL)
	dur("UPSTREAM_TIMEOUT_MS", time.Millisecond, &c.Upstream.Timeout)
	if v := get("ENSURE_SCHEMA"); v != "" {
		c.Upstream.Schema = v == "true"
	}
	str("KV_BACKEND", &c.KV.Backend)
	str("KV_DIR", &c.KV.Dir)
	str("KV_PREFIX", &c.KV.Prefix)
	str("REDIS_ADDR", &c.KV.RedisAddr)
	str("REDIS_PASSWORD", &c.KV.RedisPassword)
	if n, err := strconv.Atoi(strings.TrimSpace(get("REDIS_DB"))); err == nil && n >= 0 {
		c.KV.RedisDB = n
	}
	str("PG_HOST", &c.Postgres.Host)
	str("PG_PORT", &c.Postgres.Port)
	str("PG_USER", &c.Postgres.User)
	str("PG_PASSWORD", &c.Postgres.Password)
	str("PG_DB", &c.Postgres.DB)
	str("PG_SSLMODE", &c.Postgres.SSLMode)
	num("PG_MAX_OPEN", &c.Postgres.MaxOpen)
	num("PG_MAX_IDLE", &c.Postgres.MaxIdle)
	dur("CACHE_TTL_S", time.Second, &c.Cache.TTL)
	num64("CACHE_MAX_BYTES", &c.Cache.MaxBytes)
	dur("OFFLINE_TTL_H", time.Hour, &c.Offline.TTL)
	num64("OFFLINE_MAX_BYTES", &c.Offline.MaxBytes)
	flt("GRID_CELL_DEG", &c.Virtual.CellSize)
	num("MAX_RENDER", &c.Virtual.MaxRender)
	if n, err := strconv.Atoi(strings.TrimSpace(get("RETRY_MAX"))); err == nil && n >= 0 {
		c.Retry.MaxRetries = n
	}
	dur("RETRY_BASE_MS", time.Millisecond, &c.Retry.BaseDelay)
	dur("RETRY_MAX_MS", time.Millisecond, &c.Retry.MaxDelay)
	dur("HEARTBEAT_S", time.Second, &c.Heartbeat)
	dur("MAINTENANCE_S", time.Second, &c.Maintenance)
	str("GEOIP_PATH", &c.GeoIPPath)
	flt("INITIAL_SPAN_DEG", &c.InitialSpanDeg)
	if v := get("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true"
	}
	num("RATE_LIMIT_QPS", &c.RateLimit.QPS)
}

// Validate：组合约束检查
func (c Config) Validate() error {
	switch c.Upstream.Kind {
	case "http":
		if c.Upstream.URL == "" {
			return fmt.Errorf("UPSTREAM_URL required for http upstream")
		}
	case "postgres":
	default:
		return fmt.Errorf("unknown upstream kind: %s", c.Upstream.Kind)
	}
	switch c.KV.Backend {
	case "badger", "file", "redis", "memory":
	default:
		return fmt.Errorf("unknown kv backend: %s", c.KV.Backend)
	}
	if c.Cache.MaxBytes <= 0 || c.Offline.MaxBytes <= 0 {
		return fmt.Errorf("cache and offline caps must be positive")
	}
	return nil
}
