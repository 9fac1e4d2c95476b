package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Reconciler ReconcilerConfig `yaml:"reconciler" json:"reconciler"`
	Mint       MintConfig       `yaml:"mint" json:"mint"`
	IPFS       IPFSConfig       `yaml:"ipfs" json:"ipfs"`
	S3         S3Config         `yaml:"s3" json:"s3"`
	Alert      AlertConfig      `yaml:"alert" json:"alert"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     *bool  `yaml:"auto_migrate" json:"auto_migrate"`
}

// DSN 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool       `yaml:"enabled" json:"enabled"`
	Brokers  []string   `yaml:"brokers" json:"brokers"`
	ClientID string     `yaml:"client_id" json:"client_id"`
	SASL     SASLConfig `yaml:"sasl" json:"sasl"`
}

// SASLConfig Kafka SASL 认证配置
type SASLConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Mechanism string `yaml:"mechanism" json:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"-"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL          string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs   []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID         int64    `yaml:"chain_id" json:"chain_id"`
	ContractAddress string   `yaml:"contract_address" json:"contract_address"`
	PrivateKey      string   `yaml:"private_key" json:"-"`
	Confirmations   int      `yaml:"confirmations" json:"confirmations"`
	StartBlock      int64    `yaml:"start_block" json:"start_block"` // <0 表示从最新区块开始
	GasLimit        uint64   `yaml:"gas_limit" json:"gas_limit"`
	RPCTimeout      int      `yaml:"rpc_timeout" json:"rpc_timeout"` // 秒
}

// ReconcilerConfig 对账循环配置
type ReconcilerConfig struct {
	Enabled          *bool `yaml:"enabled" json:"enabled"`
	PollInterval     int   `yaml:"poll_interval" json:"poll_interval"` // 秒
	BatchSize        int   `yaml:"batch_size" json:"batch_size"`       // 单次最多区块数
	MaxRetries       int   `yaml:"max_retries" json:"max_retries"`
	BackoffInitialMs int   `yaml:"backoff_initial_ms" json:"backoff_initial_ms"`
	BackoffMaxMs     int   `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	FetchConcurrency int   `yaml:"fetch_concurrency" json:"fetch_concurrency"`
	LeaseTTL         int   `yaml:"lease_ttl" json:"lease_ttl"` // 秒
}

// MintConfig 铸造配置
type MintConfig struct {
	SubmitTimeout     int    `yaml:"submit_timeout" json:"submit_timeout"`         // 秒
	PinTimeout        int    `yaml:"pin_timeout" json:"pin_timeout"`               // 秒
	UnresolvedTimeout int    `yaml:"unresolved_timeout" json:"unresolved_timeout"` // 秒
	MonitorSchedule   string `yaml:"monitor_schedule" json:"monitor_schedule"`     // cron 表达式
	RecordRetries     int    `yaml:"record_retries" json:"record_retries"`
}

// IPFSConfig IPFS 节点配置
type IPFSConfig struct {
	APIURL  string        `yaml:"api_url" json:"api_url"`
	Timeout int           `yaml:"timeout" json:"timeout"` // 秒
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	MaxFailures  uint32 `yaml:"max_failures" json:"max_failures"`
	OpenTimeout  int    `yaml:"open_timeout" json:"open_timeout"` // 秒
	HalfOpenReqs uint32 `yaml:"half_open_requests" json:"half_open_requests"`
}

// S3Config 对象存储配置
type S3Config struct {
	Region       string `yaml:"region" json:"region"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`
}

// AlertConfig 告警配置
type AlertConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	WebhookURL         string `yaml:"webhook_url" json:"webhook_url"`
	WebhookType        string `yaml:"webhook_type" json:"webhook_type"`
	WebhookTimeout     int    `yaml:"webhook_timeout" json:"webhook_timeout"`
	MaxRetries         int    `yaml:"max_retries" json:"max_retries"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.Blockchain.RPCURL == "" {
		return fmt.Errorf("blockchain.rpc_url is required")
	}
	if !common.IsHexAddress(c.Blockchain.ContractAddress) {
		return fmt.Errorf("blockchain.contract_address %q is not a valid address", c.Blockchain.ContractAddress)
	}
	if c.Blockchain.Confirmations < 0 {
		return fmt.Errorf("blockchain.confirmations must be >= 0")
	}
	if c.Reconciler.BatchSize <= 0 {
		return fmt.Errorf("reconciler.batch_size must be > 0")
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		parts := strings.SplitN(result[start+2:end], ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			value = parts[1]
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-mint"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8060
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}
	if cfg.Postgres.AutoMigrate == nil {
		enabled := true
		cfg.Postgres.AutoMigrate = &enabled
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.GasLimit == 0 {
		cfg.Blockchain.GasLimit = 500000
	}
	if cfg.Blockchain.RPCTimeout == 0 {
		cfg.Blockchain.RPCTimeout = 10
	}

	if cfg.Reconciler.Enabled == nil {
		enabled := true
		cfg.Reconciler.Enabled = &enabled
	}
	if cfg.Reconciler.PollInterval == 0 {
		cfg.Reconciler.PollInterval = 5
	}
	if cfg.Reconciler.BatchSize == 0 {
		cfg.Reconciler.BatchSize = 100
	}
	if cfg.Reconciler.MaxRetries == 0 {
		cfg.Reconciler.MaxRetries = 5
	}
	if cfg.Reconciler.BackoffInitialMs == 0 {
		cfg.Reconciler.BackoffInitialMs = 500
	}
	if cfg.Reconciler.BackoffMaxMs == 0 {
		cfg.Reconciler.BackoffMaxMs = 10000
	}
	if cfg.Reconciler.FetchConcurrency == 0 {
		cfg.Reconciler.FetchConcurrency = 8
	}
	if cfg.Reconciler.LeaseTTL == 0 {
		cfg.Reconciler.LeaseTTL = 30
	}

	if cfg.Mint.SubmitTimeout == 0 {
		cfg.Mint.SubmitTimeout = 30
	}
	if cfg.Mint.PinTimeout == 0 {
		cfg.Mint.PinTimeout = 60
	}
	if cfg.Mint.UnresolvedTimeout == 0 {
		cfg.Mint.UnresolvedTimeout = 1800
	}
	if cfg.Mint.MonitorSchedule == "" {
		cfg.Mint.MonitorSchedule = "@every 1m"
	}
	if cfg.Mint.RecordRetries == 0 {
		cfg.Mint.RecordRetries = 5
	}

	if cfg.IPFS.APIURL == "" {
		cfg.IPFS.APIURL = "http://localhost:5001"
	}
	if cfg.IPFS.Timeout == 0 {
		cfg.IPFS.Timeout = 60
	}
	if cfg.IPFS.Breaker.MaxFailures == 0 {
		cfg.IPFS.Breaker.MaxFailures = 5
	}
	if cfg.IPFS.Breaker.OpenTimeout == 0 {
		cfg.IPFS.Breaker.OpenTimeout = 30
	}
	if cfg.IPFS.Breaker.HalfOpenReqs == 0 {
		cfg.IPFS.Breaker.HalfOpenReqs = 1
	}

	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}

	if cfg.Alert.WebhookType == "" {
		cfg.Alert.WebhookType = "generic"
	}
	if cfg.Alert.RateLimitPerMinute == 0 {
		cfg.Alert.RateLimitPerMinute = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Seconds 将秒数配置转换为 Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis 将毫秒配置转换为 Duration
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
