// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Scalp    ScalpConfig    `mapstructure:"scalp"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Trading  TradingConfig  `mapstructure:"trading"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name              string  `mapstructure:"name"`
	WSURL             string  `mapstructure:"wsUrl"`
	RESTURL           string  `mapstructure:"restUrl"`
	Token             string  `mapstructure:"token"` // 行情流鉴权 token
	QuoteCurrency     string  `mapstructure:"quoteCurrency"`
	RESTRatePerSecond float64 `mapstructure:"restRatePerSecond"`
}

// StreamConfig 行情流的连接参数
type StreamConfig struct {
	AuthTimeout     time.Duration `mapstructure:"authTimeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnectDelay"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	TradeBufferSize int           `mapstructure:"tradeBufferSize"`
	CandleEvery     int           `mapstructure:"candleEvery"`
}

// AnalyzerConfig 订单簿分析参数
type AnalyzerConfig struct {
	CacheMaxAge time.Duration `mapstructure:"cacheMaxAge"`
	Depth       int           `mapstructure:"depth"`
	BandPercent float64       `mapstructure:"bandPercent"`
	WhaleRatio  float64       `mapstructure:"whaleRatio"`
	MaxWalls    int           `mapstructure:"maxWalls"`
}

// WallExitConfig 挂单墙提前离场
type WallExitConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MinProfitPercent float64 `mapstructure:"minProfitPercent"`
}

// ScalpConfig 定义了信号引擎的风控参数
type ScalpConfig struct {
	Symbols           []string       `mapstructure:"symbols"`
	TakeProfitPercent float64        `mapstructure:"takeProfitPercent"`
	StopLossPercent   float64        `mapstructure:"stopLossPercent"`
	MinConfidence     float64        `mapstructure:"minConfidence"`
	MinRiskReward     float64        `mapstructure:"minRiskReward"`
	Cooldown          time.Duration  `mapstructure:"cooldown"`
	MaxHold           time.Duration  `mapstructure:"maxHold"`
	AnalyzeInterval   time.Duration  `mapstructure:"analyzeInterval"`
	HistoryLimit      int            `mapstructure:"historyLimit"`
	WallExit          WallExitConfig `mapstructure:"wallExit"`
}

// MonitorConfig 持仓风控监控
type MonitorConfig struct {
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	StaleAfter    time.Duration `mapstructure:"staleAfter"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// TradingConfig 模拟执行网关与自动下单
type TradingConfig struct {
	AutoExecute      bool    `mapstructure:"autoExecute"`
	AccountID        string  `mapstructure:"accountId"`
	InitialCapital   float64 `mapstructure:"initialCapital"`
	NotionalPerTrade float64 `mapstructure:"notionalPerTrade"`
	FeeRate          float64 `mapstructure:"feeRate"`
}

// setDefaults 与 config.yaml 中未给出的键保持一致的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("exchange.name", "indodax")
	v.SetDefault("exchange.wsUrl", "wss://ws3.indodax.com/ws/")
	v.SetDefault("exchange.restUrl", "https://indodax.com")
	v.SetDefault("exchange.token", "")
	v.SetDefault("exchange.quoteCurrency", "idr")
	v.SetDefault("exchange.restRatePerSecond", 3)

	v.SetDefault("stream.authTimeout", 10*time.Second)
	v.SetDefault("stream.reconnectDelay", 5*time.Second)
	v.SetDefault("stream.pingInterval", 25*time.Second)
	v.SetDefault("stream.tradeBufferSize", 100)
	v.SetDefault("stream.candleEvery", 10)

	v.SetDefault("analyzer.cacheMaxAge", 5*time.Second)
	v.SetDefault("analyzer.depth", 50)
	v.SetDefault("analyzer.bandPercent", 0.1)
	v.SetDefault("analyzer.whaleRatio", 0.1)
	v.SetDefault("analyzer.maxWalls", 5)

	v.SetDefault("scalp.takeProfitPercent", 0.3)
	v.SetDefault("scalp.stopLossPercent", 0.15)
	v.SetDefault("scalp.minConfidence", 0.6)
	v.SetDefault("scalp.minRiskReward", 1.5)
	v.SetDefault("scalp.cooldown", time.Minute)
	v.SetDefault("scalp.maxHold", 15*time.Minute)
	v.SetDefault("scalp.analyzeInterval", 5*time.Second)
	v.SetDefault("scalp.historyLimit", 500)
	v.SetDefault("scalp.wallExit.enabled", true)
	v.SetDefault("scalp.wallExit.minProfitPercent", 0.1)

	v.SetDefault("monitor.sweepInterval", 5*time.Second)
	v.SetDefault("monitor.staleAfter", 5*time.Second)

	v.SetDefault("storage.path", "data/snipper.db")

	v.SetDefault("trading.autoExecute", false)
	v.SetDefault("trading.accountId", "paper")
	v.SetDefault("trading.initialCapital", 10_000_000)
	v.SetDefault("trading.notionalPerTrade", 1_000_000)
	v.SetDefault("trading.feeRate", 0.003)
}

// LoadConfig 读取并解析配置文件；.env 和 SNIPER_* 环境变量会覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config") // 文件名是 config
	v.SetConfigType("yaml")   // 文件类型是 yaml
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("SNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// 没有配置文件时完全依赖默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查互相依赖的参数
func (c *Config) Validate() error {
	if c.Scalp.StopLossPercent <= 0 || c.Scalp.TakeProfitPercent <= 0 {
		return fmt.Errorf("scalp take-profit and stop-loss percent must be positive")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.wsUrl is required")
	}
	return nil
}
