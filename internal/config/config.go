package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tutorhub-sync/internal/cache"
	"tutorhub-sync/internal/realtime"
	"tutorhub-sync/internal/tlsutil"
)

// Load 加载配置
//  1. 解析 APP_ENV，加载 .env.{env}（仅 dev/test）
//  2. 加载 {env}.yaml，覆盖硬编码默认值
//  3. 环境变量覆盖
//  4. 校验并推导实时通道地址
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	// .env 中可能重新声明 APP_ENV
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(yamlCfg)

	cfg := &Config{
		Env:        env,
		API:        yamlCfg.API,
		Realtime:   yamlCfg.Realtime,
		Cache:      yamlCfg.Cache,
		Metrics:    yamlCfg.Metrics,
		Log:        yamlCfg.Log,
		TLS:        yamlCfg.TLS,
		LoadedFrom: yamlCfg.loadedFrom,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAMLConfig 加载 YAML 配置文件，不存在时使用默认值
func loadYAMLConfig(env Environment) (*YAMLConfig, error) {
	cfg := defaultYAMLConfig()

	path := findConfigFile(env)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.loadedFrom = path
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖 YAML
func applyEnvOverrides(cfg *YAMLConfig) {
	cfg.API.BaseURL = getEnv("API_BASE_URL", cfg.API.BaseURL)
	cfg.API.Token = getEnv("AUTH_TOKEN", cfg.API.Token)
	cfg.Realtime.URL = getEnv("REALTIME_URL", cfg.Realtime.URL)
	cfg.Realtime.Path = getEnv("REALTIME_PATH", cfg.Realtime.Path)
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.TLS.CAFile = getEnv("TLS_CA_FILE", cfg.TLS.CAFile)

	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Realtime.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Realtime.Reconnect.MaxAttempts = n
		}
	}
}

// validate 填充默认值并推导实时通道地址
func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return errors.New("config: api.base_url is required")
	}
	c.Realtime.validate()
	c.Cache.validate()
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "tutorhub_sync"
	}

	if c.Realtime.URL != "" {
		c.RealtimeURL = c.Realtime.URL
		return nil
	}
	endpoint, err := realtime.EndpointFromBaseURL(c.API.BaseURL, c.Realtime.Path)
	if err != nil {
		return fmt.Errorf("config: derive realtime url: %w", err)
	}
	c.RealtimeURL = endpoint
	return nil
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏令牌）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, API: %s, Realtime: %s, Token: %s}",
		c.Env, c.API.BaseURL, c.RealtimeURL, maskToken(c.API.Token))
}

// maskToken 只保留前 4 位
func maskToken(token string) string {
	if token == "" {
		return "<none>"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***"
}

// ============================================================================
// 转换为组件配置
// ============================================================================

// StoreConfig 转换为缓存配置
func (c CacheConfig) StoreConfig() cache.Config {
	cfg := cache.Config{
		Default:       cache.EntryConfig{StaleAfter: c.StaleAfter, EvictAfter: c.EvictAfter},
		SweepInterval: c.SweepInterval,
	}
	if len(c.Resources) > 0 {
		cfg.Resources = make(map[cache.ResourceType]cache.EntryConfig, len(c.Resources))
		for name, f := range c.Resources {
			cfg.Resources[cache.ResourceType(name)] = cache.EntryConfig{StaleAfter: f.StaleAfter, EvictAfter: f.EvictAfter}
		}
	}
	return cfg
}

// ReconnectPolicy 转换为重连策略
func (r RealtimeConfig) ReconnectPolicy() realtime.ReconnectPolicy {
	return realtime.ReconnectPolicy{
		BaseDelay:   r.Reconnect.BaseDelay,
		MaxDelay:    r.Reconnect.MaxDelay,
		MaxAttempts: r.Reconnect.MaxAttempts,
	}
}

// ClientOptions 转换为 TLS 选项
func (t TLSConfig) ClientOptions() tlsutil.ClientOptions {
	return tlsutil.ClientOptions{
		CAFile:             t.CAFile,
		InsecureSkipVerify: t.InsecureSkipVerify,
		ServerName:         t.ServerName,
	}
}
