// Package config 提供 subfile 交换节点的配置加载功能
//
// 核心功能:
//   - 从 YAML 文件加载配置
//   - 支持环境变量覆盖
//   - 配置验证
//   - 转换为 P2PConfig、ClientOptions、ServerOptions
//
// 使用示例:
//
//	cfg, err := config.Load("config/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p2pConfig := cfg.ToP2PConfig()
//
// 配置优先级:
//  1. 环境变量（最高优先级）
//  2. 配置文件
//  3. 默认值（最低优先级）
//
// 环境变量命名规则:
//   - 配置项使用 SUBFILE_ 前缀
//   - 使用大写字母和下划线
//   - 例如: SUBFILE_PORT, SUBFILE_MAX_RETRIES
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"subfileExchange/pkg/exchange"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/p2p"
	"subfileExchange/pkg/receipt"
)

// Config 包含所有配置项
type Config struct {
	Network     NetworkConfig     `mapstructure:"network"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Served      []ServedFile      `mapstructure:"served"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// NetworkConfig libp2p 网络配置
type NetworkConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	Seed           int64    `mapstructure:"seed"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	ProtocolPrefix string   `mapstructure:"protocol_prefix"`
	AutoRefresh    bool     `mapstructure:"auto_refresh"`
	NameSpace      string   `mapstructure:"namespace"`
}

// HTTPConfig HTTP 交换服务配置
type HTTPConfig struct {
	Port           int    `mapstructure:"port"`
	Operator       string `mapstructure:"operator"`
	FreeQueryToken string `mapstructure:"free_query_token"`
	IncludeProofs  bool   `mapstructure:"include_proofs"`
	Metrics        bool   `mapstructure:"metrics"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	ChunkPath    string `mapstructure:"chunk_path"`
	ManifestPath string `mapstructure:"manifest_path"`
	LedgerPath   string `mapstructure:"ledger_path"` // 为空时收据序列号只保存在内存中
	ChunkSize    int    `mapstructure:"chunk_size"`
}

// PerformanceConfig 性能配置，超时单位为秒，退避单位为毫秒
type PerformanceConfig struct {
	MaxRetries      int     `mapstructure:"max_retries"`
	MaxConcurrency  int     `mapstructure:"max_concurrency"`
	RequestTimeout  int     `mapstructure:"request_timeout"`
	DataTimeout     int     `mapstructure:"data_timeout"`
	DHTTimeout      int     `mapstructure:"dht_timeout"`
	InitialBackoff  int     `mapstructure:"initial_backoff"`
	MaxBackoff      int     `mapstructure:"max_backoff"`
	BackoffFactor   float64 `mapstructure:"backoff_factor"`
	RotateAfter     int     `mapstructure:"rotate_after"`
	PeerSelector    string  `mapstructure:"peer_selector"`
	BreakerRequests int     `mapstructure:"breaker_min_requests"`
	BreakerRatio    float64 `mapstructure:"breaker_failure_ratio"`
	BreakerTimeout  int     `mapstructure:"breaker_timeout"`
}

// PaymentConfig 收据配置
type PaymentConfig struct {
	VerifierURL    string `mapstructure:"verifier_url"` // 为空时拒绝所有收据
	AggregatorURL  string `mapstructure:"aggregator_url"`
	PayerID        string `mapstructure:"payer_id"`
	Payload        string `mapstructure:"payload"`
	ForwardBuffer  int    `mapstructure:"forward_buffer"`
	ForwardTimeout int    `mapstructure:"forward_timeout"`
}

// ServedFile 启动时加载并提供的文件
type ServedFile struct {
	ContentID string `mapstructure:"content_id"`
	Path      string `mapstructure:"path"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 从配置文件加载配置
// 如果配置文件不存在，返回默认配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 尝试查找配置文件
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/subfile-exchange")
	}

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// 配置文件未找到，使用默认值
			logrus.Debug("Config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 绑定环境变量
	bindEnvVars(v)

	// 解析到结构体
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 网络配置默认值
	v.SetDefault("network.enabled", true)
	v.SetDefault("network.port", 0)
	v.SetDefault("network.seed", int64(0))
	v.SetDefault("network.bootstrap_peers", []string{})
	v.SetDefault("network.protocol_prefix", "/subfileExchange")
	v.SetDefault("network.auto_refresh", true)
	v.SetDefault("network.namespace", "subfile")

	// HTTP 配置默认值
	v.SetDefault("http.port", 7600)
	v.SetDefault("http.operator", "")
	v.SetDefault("http.free_query_token", "")
	v.SetDefault("http.include_proofs", true)
	v.SetDefault("http.metrics", true)

	// 存储配置默认值
	v.SetDefault("storage.chunk_path", "files/chunks")
	v.SetDefault("storage.manifest_path", "files/manifests")
	v.SetDefault("storage.ledger_path", "")
	v.SetDefault("storage.chunk_size", 1024*1024) // 1MB

	// 性能配置默认值
	v.SetDefault("performance.max_retries", 5)
	v.SetDefault("performance.max_concurrency", 16)
	v.SetDefault("performance.request_timeout", 30)
	v.SetDefault("performance.data_timeout", 30)
	v.SetDefault("performance.dht_timeout", 10)
	v.SetDefault("performance.initial_backoff", 500)
	v.SetDefault("performance.max_backoff", 10000)
	v.SetDefault("performance.backoff_factor", 2.0)
	v.SetDefault("performance.rotate_after", 2)
	v.SetDefault("performance.peer_selector", "random")
	v.SetDefault("performance.breaker_min_requests", 10)
	v.SetDefault("performance.breaker_failure_ratio", 0.5)
	v.SetDefault("performance.breaker_timeout", 600) // 10 minutes

	// 收据配置默认值
	v.SetDefault("payment.verifier_url", "")
	v.SetDefault("payment.aggregator_url", "")
	v.SetDefault("payment.payer_id", "")
	v.SetDefault("payment.payload", "")
	v.SetDefault("payment.forward_buffer", 1024)
	v.SetDefault("payment.forward_timeout", 10)

	// 日志配置默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// bindEnvVars 绑定环境变量
func bindEnvVars(v *viper.Viper) {
	// 设置环境变量前缀
	v.SetEnvPrefix("SUBFILE")
	v.AutomaticEnv()

	// 绑定各个配置项到环境变量
	bindings := map[string]string{
		"network.enabled":                   "P2P_ENABLED",
		"network.port":                      "PORT",
		"network.seed":                      "SEED",
		"network.bootstrap_peers":           "BOOTSTRAP_PEERS",
		"network.protocol_prefix":           "PROTOCOL_PREFIX",
		"network.auto_refresh":              "AUTO_REFRESH",
		"network.namespace":                 "NAMESPACE",
		"http.port":                         "HTTP_PORT",
		"http.operator":                     "OPERATOR",
		"http.free_query_token":             "FREE_QUERY_TOKEN",
		"http.include_proofs":               "INCLUDE_PROOFS",
		"http.metrics":                      "METRICS",
		"storage.chunk_path":                "CHUNK_PATH",
		"storage.manifest_path":             "MANIFEST_PATH",
		"storage.ledger_path":               "LEDGER_PATH",
		"storage.chunk_size":                "CHUNK_SIZE",
		"performance.max_retries":           "MAX_RETRIES",
		"performance.max_concurrency":       "MAX_CONCURRENCY",
		"performance.request_timeout":       "REQUEST_TIMEOUT",
		"performance.data_timeout":          "DATA_TIMEOUT",
		"performance.dht_timeout":           "DHT_TIMEOUT",
		"performance.initial_backoff":       "INITIAL_BACKOFF",
		"performance.max_backoff":           "MAX_BACKOFF",
		"performance.backoff_factor":        "BACKOFF_FACTOR",
		"performance.rotate_after":          "ROTATE_AFTER",
		"performance.peer_selector":         "PEER_SELECTOR",
		"performance.breaker_min_requests":  "BREAKER_MIN_REQUESTS",
		"performance.breaker_failure_ratio": "BREAKER_FAILURE_RATIO",
		"performance.breaker_timeout":       "BREAKER_TIMEOUT",
		"payment.verifier_url":              "VERIFIER_URL",
		"payment.aggregator_url":            "AGGREGATOR_URL",
		"payment.payer_id":                  "PAYER_ID",
		"payment.payload":                   "PAYMENT_PAYLOAD",
		"payment.forward_buffer":            "FORWARD_BUFFER",
		"payment.forward_timeout":           "FORWARD_TIMEOUT",
		"logging.level":                     "LOG_LEVEL",
		"logging.format":                    "LOG_FORMAT",
	}

	for configKey, envKey := range bindings {
		if err := v.BindEnv(configKey, "SUBFILE_"+envKey); err != nil {
			logrus.Warnf("failed to bind env var %s: %v", envKey, err)
		}
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	// 验证网络配置
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Network.Port)
	}
	if c.Network.NameSpace == "" || strings.Contains(c.Network.NameSpace, "/") {
		return fmt.Errorf("invalid namespace: %q (must be non-empty without '/')", c.Network.NameSpace)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d (must be 0-65535)", c.HTTP.Port)
	}

	// 验证存储配置
	if c.Storage.ChunkPath == "" {
		return fmt.Errorf("chunk_path cannot be empty")
	}
	if c.Storage.ManifestPath == "" {
		return fmt.Errorf("manifest_path cannot be empty")
	}
	if c.Storage.ChunkSize < 1024 || c.Storage.ChunkSize > exchange.MaxChunkSize {
		return fmt.Errorf("invalid chunk_size: %d (must be 1KB-16MB)", c.Storage.ChunkSize)
	}

	// 验证性能配置
	if c.Performance.MaxRetries < 1 || c.Performance.MaxRetries > 100 {
		return fmt.Errorf("invalid max_retries: %d (must be 1-100)", c.Performance.MaxRetries)
	}
	if c.Performance.MaxConcurrency < 1 || c.Performance.MaxConcurrency > 1024 {
		return fmt.Errorf("invalid max_concurrency: %d (must be 1-1024)", c.Performance.MaxConcurrency)
	}
	if c.Performance.RequestTimeout < 1 || c.Performance.RequestTimeout > 3600 {
		return fmt.Errorf("invalid request_timeout: %d (must be 1-3600)", c.Performance.RequestTimeout)
	}
	if c.Performance.DataTimeout < 1 || c.Performance.DataTimeout > 7200 {
		return fmt.Errorf("invalid data_timeout: %d (must be 1-7200)", c.Performance.DataTimeout)
	}
	if c.Performance.DHTTimeout < 1 || c.Performance.DHTTimeout > 3600 {
		return fmt.Errorf("invalid dht_timeout: %d (must be 1-3600)", c.Performance.DHTTimeout)
	}
	if c.Performance.InitialBackoff < 0 || c.Performance.MaxBackoff < c.Performance.InitialBackoff {
		return fmt.Errorf("invalid backoff: initial %dms, max %dms", c.Performance.InitialBackoff, c.Performance.MaxBackoff)
	}
	if c.Performance.BackoffFactor < 1.0 {
		return fmt.Errorf("invalid backoff_factor: %.2f (must be >= 1.0)", c.Performance.BackoffFactor)
	}
	if c.Performance.RotateAfter < 1 {
		return fmt.Errorf("invalid rotate_after: %d (must be >= 1)", c.Performance.RotateAfter)
	}
	if c.Performance.PeerSelector != "random" && c.Performance.PeerSelector != "roundrobin" {
		return fmt.Errorf("invalid peer_selector: %s (must be random or roundrobin)", c.Performance.PeerSelector)
	}
	if c.Performance.BreakerRatio <= 0.0 || c.Performance.BreakerRatio > 1.0 {
		return fmt.Errorf("invalid breaker_failure_ratio: %.2f (must be 0.0-1.0)", c.Performance.BreakerRatio)
	}
	if c.Performance.BreakerRequests < 1 {
		return fmt.Errorf("invalid breaker_min_requests: %d (must be >= 1)", c.Performance.BreakerRequests)
	}

	// 验证提供的文件
	for i, s := range c.Served {
		if _, err := file.ParseContentID(s.ContentID); err != nil {
			return fmt.Errorf("served[%d]: %w", i, err)
		}
		if s.Path == "" {
			return fmt.Errorf("served[%d]: path cannot be empty", i)
		}
	}

	// 验证日志配置
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToP2PConfig 转换为 P2PConfig
func (c *Config) ToP2PConfig() (*p2p.P2PConfig, error) {
	cfg := p2p.NewP2PConfig()

	cfg.Port = c.Network.Port
	cfg.Seed = c.Network.Seed
	cfg.ProtocolPrefix = c.Network.ProtocolPrefix
	cfg.EnableAutoRefresh = c.Network.AutoRefresh
	cfg.NameSpace = c.Network.NameSpace
	cfg.RequestTimeout = seconds(c.Performance.RequestTimeout)
	cfg.DataTimeout = seconds(c.Performance.DataTimeout)
	cfg.DHTTimeout = seconds(c.Performance.DHTTimeout)

	// 解析 bootstrap peers
	bootstrapPeers, err := parseBootstrapPeers(c.Network.BootstrapPeers)
	if err != nil {
		return nil, err
	}
	cfg.BootstrapPeers = bootstrapPeers

	return &cfg, nil
}

// RetryPolicy 构造客户端重试策略
func (c *Config) RetryPolicy() exchange.RetryPolicy {
	return exchange.RetryPolicy{
		MaxAttempts:  c.Performance.MaxRetries,
		InitialDelay: time.Duration(c.Performance.InitialBackoff) * time.Millisecond,
		MaxDelay:     time.Duration(c.Performance.MaxBackoff) * time.Millisecond,
		Multiplier:   c.Performance.BackoffFactor,
		RotateAfter:  c.Performance.RotateAfter,
	}
}

// BreakerConfig 构造每个节点的断路器配置
func (c *Config) BreakerConfig() exchange.BreakerConfig {
	return exchange.BreakerConfig{
		MinRequests:      uint32(c.Performance.BreakerRequests),
		FailureThreshold: c.Performance.BreakerRatio,
		OpenTimeout:      seconds(c.Performance.BreakerTimeout),
	}
}

// RequestTimeout 单次请求超时
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.Performance.RequestTimeout)
}

// ToClientOptions 转换为 exchange.ClientOptions
// 收据序列号从当前纳秒时间开始，重启后不会与已接受的序列号冲突
func (c *Config) ToClientOptions(outputPath string) exchange.ClientOptions {
	opts := exchange.ClientOptions{
		Concurrency:    c.Performance.MaxConcurrency,
		RequestTimeout: c.RequestTimeout(),
		Retry:          c.RetryPolicy(),
		VerifyProofs:   c.HTTP.IncludeProofs,
		OutputPath:     outputPath,
		AuthToken:      c.HTTP.FreeQueryToken,
		Selector:       exchange.NewPeerSelector(c.Performance.PeerSelector),
		ConnManager:    exchange.NewConnManager(c.Performance.MaxConcurrency, c.BreakerConfig()),
	}
	if c.Payment.PayerID != "" {
		opts.Receipts = exchange.NewSequenceReceipts(c.Payment.PayerID, []byte(c.Payment.Payload), uint64(time.Now().UnixNano()))
	}
	return opts
}

// ToServerOptions 转换为 exchange.ServerOptions
func (c *Config) ToServerOptions(metrics *exchange.Metrics) exchange.ServerOptions {
	opts := exchange.ServerOptions{
		FreeQueryToken: c.HTTP.FreeQueryToken,
		IncludeProofs:  c.HTTP.IncludeProofs,
		ForwardBuffer:  c.Payment.ForwardBuffer,
		ForwardTimeout: seconds(c.Payment.ForwardTimeout),
		Metrics:        metrics,
	}
	if c.Payment.VerifierURL != "" {
		opts.Verifier = receipt.NewHTTPVerifier(c.Payment.VerifierURL, c.RequestTimeout())
	}
	if c.Payment.AggregatorURL != "" {
		opts.Aggregator = receipt.NewHTTPAggregator(c.Payment.AggregatorURL, seconds(c.Payment.ForwardTimeout))
	}
	return opts
}

// parseBootstrapPeers 解析 bootstrap 节点地址
func parseBootstrapPeers(peerStrs []string) ([]multiaddr.Multiaddr, error) {
	var peers []multiaddr.Multiaddr
	for _, peerStr := range peerStrs {
		peerStr = strings.TrimSpace(peerStr)
		if peerStr == "" {
			continue
		}

		m, err := multiaddr.NewMultiaddr(peerStr)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr %q: %w", peerStr, err)
		}

		// 验证地址包含 peer ID
		if _, err := peer.AddrInfoFromP2pAddr(m); err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", peerStr, err)
		}

		peers = append(peers, m)
	}

	return peers, nil
}

// EnsureDirectories 确保必要的目录存在
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.ChunkPath, c.Storage.ManifestPath}
	if c.Storage.LedgerPath != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.LedgerPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetConfigPath 获取配置文件路径
// 按优先级搜索：
// 1. 命令行指定的路径
// 2. 当前目录的 config.yaml
// 3. config/ 目录的 config.yaml
// 4. /etc/subfile-exchange/config.yaml
func GetConfigPath(cmdLinePath string) string {
	if cmdLinePath != "" {
		return cmdLinePath
	}

	// 检查可能的配置文件位置
	paths := []string{
		"config.yaml",
		filepath.Join("config", "config.yaml"),
		"/etc/subfile-exchange/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
