// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：访问令牌只从 AUTH_TOKEN 环境变量读取，YAML 中不存储。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/tutorhub-sync/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	API      APIConfig      `yaml:"api"`      // REST 接口
	Realtime RealtimeConfig `yaml:"realtime"` // 实时通道
	Cache    CacheConfig    `yaml:"cache"`    // 资源缓存
	Metrics  MetricsConfig  `yaml:"metrics"`  // Prometheus
	Log      LogConfig      `yaml:"log"`      // 日志
	TLS      TLSConfig      `yaml:"tls"`      // 客户端 TLS

	loadedFrom string
}

// APIConfig REST 接口配置
type APIConfig struct {
	BaseURL string        `yaml:"base_url"` // 例如 https://api.tutorhub.io
	Timeout time.Duration `yaml:"timeout"`
	Token   string        `yaml:"-"` // 只从 AUTH_TOKEN 环境变量读取
}

// RealtimeConfig 实时通道配置
type RealtimeConfig struct {
	URL               string          `yaml:"url"`  // 显式地址，为空时由 api.base_url + path 推导
	Path              string          `yaml:"path"` // 例如 /ws
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig 重连退避配置
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	StaleAfter    time.Duration              `yaml:"stale_after"`
	EvictAfter    time.Duration              `yaml:"evict_after"`
	SweepInterval time.Duration              `yaml:"sweep_interval"`
	Resources     map[string]FreshnessConfig `yaml:"resources"` // 按资源类型覆盖
}

// FreshnessConfig 单个资源类型的新鲜度
type FreshnessConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	EvictAfter time.Duration `yaml:"evict_after"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Addr      string `yaml:"addr"` // 为空时不启动 /metrics
	Namespace string `yaml:"namespace"`
}

// TLSConfig 客户端 TLS 配置（REST 与实时通道共用）
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"` // 自签名 CA 证书
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env         Environment
	API         APIConfig
	Realtime    RealtimeConfig
	RealtimeURL string // 推导后的实时通道地址
	Cache       CacheConfig
	Metrics     MetricsConfig
	Log         LogConfig
	TLS         TLSConfig
	LoadedFrom  string
}

// ============================================================================
// 默认值
// ============================================================================

func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			Path:              "/ws",
			HeartbeatInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
				MaxAttempts: 5,
			},
		},
		Cache: CacheConfig{
			StaleAfter:    30 * time.Second,
			EvictAfter:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Metrics: MetricsConfig{Namespace: "tutorhub_sync"},
		Log:     LogConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// validate 校验并填充实时通道默认值
func (r *RealtimeConfig) validate() {
	if r.Path == "" {
		r.Path = "/ws"
	}
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = 30 * time.Second
	}
	if r.Reconnect.BaseDelay <= 0 {
		r.Reconnect.BaseDelay = time.Second
	}
	if r.Reconnect.MaxDelay <= 0 {
		r.Reconnect.MaxDelay = 30 * time.Second
	}
	if r.Reconnect.MaxDelay < r.Reconnect.BaseDelay {
		r.Reconnect.MaxDelay = r.Reconnect.BaseDelay
	}
	if r.Reconnect.MaxAttempts <= 0 {
		r.Reconnect.MaxAttempts = 5
	}
}

// validate 校验并填充缓存默认值，stale 不得超过 evict
func (c *CacheConfig) validate() {
	if c.EvictAfter <= 0 {
		c.EvictAfter = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.StaleAfter > c.EvictAfter {
		c.StaleAfter = c.EvictAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	for name, f := range c.Resources {
		if f.EvictAfter <= 0 {
			f.EvictAfter = c.EvictAfter
		}
		if f.StaleAfter <= 0 || f.StaleAfter > f.EvictAfter {
			f.StaleAfter = min(c.StaleAfter, f.EvictAfter)
		}
		c.Resources[name] = f
	}
}
