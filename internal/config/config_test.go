package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExpandEnvVars 测试环境变量展开
func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		t.Setenv("TEST_VAR", "hello")
		assert.Equal(t, "value is hello", expandEnvVars("value is ${TEST_VAR}"))
	})

	t.Run("variable with default", func(t *testing.T) {
		assert.Equal(t, "value is default_value", expandEnvVars("value is ${NOT_EXISTS:default_value}"))
	})

	t.Run("variable with default overridden", func(t *testing.T) {
		t.Setenv("MY_VAR", "actual_value")
		assert.Equal(t, "value is actual_value", expandEnvVars("value is ${MY_VAR:default_value}"))
	})

	t.Run("default with colon", func(t *testing.T) {
		assert.Equal(t, "http://localhost:5001", expandEnvVars("${NOT_EXISTS:http://localhost:5001}"))
	})

	t.Run("empty default", func(t *testing.T) {
		assert.Equal(t, "value is ", expandEnvVars("value is ${NOT_EXISTS:}"))
	})
}

// TestSetDefaults 测试默认值设置
func TestSetDefaults(t *testing.T) {
	t.Run("all defaults", func(t *testing.T) {
		cfg := &Config{}
		setDefaults(cfg)

		assert.Equal(t, "eidos-mint", cfg.Service.Name)
		assert.Equal(t, 50060, cfg.Service.GRPCPort)
		assert.Equal(t, 8060, cfg.Service.HTTPPort)
		assert.Equal(t, "dev", cfg.Service.Env)

		assert.Equal(t, 5432, cfg.Postgres.Port)
		assert.Equal(t, "disable", cfg.Postgres.SSLMode)
		require.NotNil(t, cfg.Postgres.AutoMigrate)
		assert.True(t, *cfg.Postgres.AutoMigrate)

		assert.Equal(t, "eidos-mint", cfg.Kafka.ClientID)
		assert.Equal(t, int64(31337), cfg.Blockchain.ChainID)
		assert.Equal(t, uint64(500000), cfg.Blockchain.GasLimit)

		require.NotNil(t, cfg.Reconciler.Enabled)
		assert.True(t, *cfg.Reconciler.Enabled)
		assert.Equal(t, 5, cfg.Reconciler.PollInterval)
		assert.Equal(t, 100, cfg.Reconciler.BatchSize)
		assert.Equal(t, 5, cfg.Reconciler.MaxRetries)
		assert.Equal(t, 8, cfg.Reconciler.FetchConcurrency)

		assert.Equal(t, 1800, cfg.Mint.UnresolvedTimeout)
		assert.Equal(t, "@every 1m", cfg.Mint.MonitorSchedule)
		assert.Equal(t, "http://localhost:5001", cfg.IPFS.APIURL)
		assert.Equal(t, uint32(5), cfg.IPFS.Breaker.MaxFailures)
		assert.Equal(t, "generic", cfg.Alert.WebhookType)

		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("explicit values kept", func(t *testing.T) {
		disabled := false
		cfg := &Config{
			Service:    ServiceConfig{Name: "custom"},
			Blockchain: BlockchainConfig{ChainID: 42161, Confirmations: 12},
			Reconciler: ReconcilerConfig{Enabled: &disabled, BatchSize: 10},
		}
		setDefaults(cfg)

		assert.Equal(t, "custom", cfg.Service.Name)
		assert.Equal(t, "custom", cfg.Kafka.ClientID)
		assert.Equal(t, int64(42161), cfg.Blockchain.ChainID)
		assert.Equal(t, 12, cfg.Blockchain.Confirmations)
		assert.False(t, *cfg.Reconciler.Enabled)
		assert.Equal(t, 10, cfg.Reconciler.BatchSize)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Blockchain: BlockchainConfig{
			RPCURL:          "http://localhost:8545",
			ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		}}
		setDefaults(cfg)
		return cfg
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Blockchain.RPCURL = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Blockchain.ContractAddress = "not-an-address"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Blockchain.Confirmations = -1
	assert.Error(t, cfg.Validate())
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 5*time.Second, Seconds(5))
	assert.Equal(t, 250*time.Millisecond, Millis(250))
}

// TestLoad 测试配置加载
func TestLoad(t *testing.T) {
	t.Run("file not exists", func(t *testing.T) {
		_, err := Load("/path/to/nonexistent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("valid config file", func(t *testing.T) {
		t.Setenv("MINT_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")

		configPath := filepath.Join(t.TempDir(), "config.yaml")
		content := `
service:
  name: eidos-mint-test
  env: test

postgres:
  host: localhost
  database: eidos_mint_test
  user: postgres
  password: ${DB_PASSWORD:test_password}

redis:
  addresses:
    - localhost:6379

blockchain:
  rpc_url: http://localhost:8545
  chain_id: 31337
  contract_address: ${MINT_CONTRACT}
  confirmations: 2
  start_block: -1

reconciler:
  batch_size: 50

mint:
  unresolved_timeout: 600

log:
  level: debug
`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.Equal(t, "eidos-mint-test", cfg.Service.Name)
		assert.Equal(t, "test_password", cfg.Postgres.Password)
		assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addresses)
		assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", cfg.Blockchain.ContractAddress)
		assert.Equal(t, 2, cfg.Blockchain.Confirmations)
		assert.Equal(t, int64(-1), cfg.Blockchain.StartBlock)
		assert.Equal(t, 50, cfg.Reconciler.BatchSize)
		assert.Equal(t, 600, cfg.Mint.UnresolvedTimeout)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 5432, cfg.Postgres.Port)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("service: [unclosed"), 0o644))

		_, err := Load(configPath)
		assert.Error(t, err)
	})

	t.Run("missing contract address", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("blockchain:\n  rpc_url: http://x\n"), 0o644))

		_, err := Load(configPath)
		assert.Error(t, err)
	})
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "x")
	t.Setenv("TEST_STRING", "hello")

	assert.Equal(t, 42, GetEnvInt("TEST_INT", 0))
	assert.Equal(t, 7, GetEnvInt("TEST_BAD_INT", 7))
	assert.Equal(t, 9, GetEnvInt("NOT_EXISTS_INT", 9))
	assert.Equal(t, "hello", GetEnvString("TEST_STRING", "d"))
	assert.Equal(t, "d", GetEnvString("NOT_EXISTS_STRING", "d"))
}
