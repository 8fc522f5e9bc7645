package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"harvest/internal/gateway/binance"
	"harvest/internal/ingest"
)

// AssetEntry 配置文件里的一个标的。
type AssetEntry struct {
	Ticker string `toml:"ticker"`
	Tier   int    `toml:"tier"`
}

// BinanceSection 远端数据源参数；密钥优先从环境变量读取，配置文件兜底。
type BinanceSection struct {
	APIKey                 string `toml:"api_key"`
	APISecret              string `toml:"api_secret"`
	RatePeriodMS           int    `toml:"rate_period_ms"`
	HTTPTimeoutSeconds     int    `toml:"http_timeout_seconds"`
	MaxLookbackUnits       int    `toml:"max_lookback_units"`
	DisableThreshold       uint32 `toml:"disable_threshold"`
	DisableCooldownSeconds int    `toml:"disable_cooldown_seconds"`
	PageLimit              int    `toml:"page_limit"`
}

// RetrySection 编排层重试策略。
type RetrySection struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelayMS int     `toml:"base_delay_ms"`
	MaxDelayMS  int     `toml:"max_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	Jitter      float64 `toml:"jitter"`
}

// Config 是进程级配置根。
type Config struct {
	LogLevel         string         `toml:"log_level"`
	DBPath           string         `toml:"db_path"`
	BulkDir          string         `toml:"bulk_dir"`
	HTTPAddr         string         `toml:"http_addr"`
	Workers          int            `toml:"workers"`
	OpTimeoutSeconds int            `toml:"op_timeout_seconds"`
	GapRetentionDays int            `toml:"gap_retention_days"`
	Binance          BinanceSection `toml:"binance"`
	Retry            RetrySection   `toml:"retry"`
	Assets           []AssetEntry   `toml:"assets"`
}

func (c *Config) withDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = "harvest.db"
	}
	if c.BulkDir == "" {
		c.BulkDir = "data/bulk"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8087"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.OpTimeoutSeconds <= 0 {
		c.OpTimeoutSeconds = 30
	}
	if c.GapRetentionDays <= 0 {
		c.GapRetentionDays = 30
	}
}

// Load 读取 TOML 配置。先加载 .env（不存在则忽略），再用环境变量
// 覆盖密钥类字段，避免把密钥写进配置文件。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.withDefaults()

	if v := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET")); v != "" {
		cfg.Binance.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("HARVEST_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HARVEST_BULK_DIR")); v != "" {
		cfg.BulkDir = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets 不能为空")
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		t := strings.TrimSpace(a.Ticker)
		if t == "" {
			return fmt.Errorf("assets[%d].ticker 不能为空", i)
		}
		key := strings.ToUpper(t)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("assets 存在重复 ticker: %s", t)
		}
		seen[key] = struct{}{}
		if a.Tier < 0 {
			return fmt.Errorf("assets[%d].tier 不能为负", i)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts 不能为负")
	}
	return nil
}

// BinanceConfig 转换成数据源网关的配置；零值字段由网关自行补默认。
func (c *Config) BinanceConfig() binance.Config {
	return binance.Config{
		APIKey:           c.Binance.APIKey,
		APISecret:        c.Binance.APISecret,
		RatePeriod:       time.Duration(c.Binance.RatePeriodMS) * time.Millisecond,
		HTTPTimeout:      time.Duration(c.Binance.HTTPTimeoutSeconds) * time.Second,
		MaxLookbackUnits: c.Binance.MaxLookbackUnits,
		DisableThreshold: c.Binance.DisableThreshold,
		DisableCooldown:  time.Duration(c.Binance.DisableCooldownSeconds) * time.Second,
		PageLimit:        c.Binance.PageLimit,
	}
}

// RetryPolicy 转换成编排层重试策略。
func (c *Config) RetryPolicy() ingest.RetryPolicy {
	return ingest.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

// OpTimeout 单次外部调用超时。
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSeconds) * time.Second
}

// GapRetention filled/failed 缺口的保留时长。
func (c *Config) GapRetention() time.Duration {
	return time.Duration(c.GapRetentionDays) * 24 * time.Hour
}
