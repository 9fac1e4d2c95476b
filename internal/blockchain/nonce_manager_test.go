// Package blockchain Nonce 管理器测试
// 使用 go test -race 运行竞态测试
package blockchain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNonceSource 模拟链上 pending nonce
type mockNonceSource struct {
	mu           sync.RWMutex
	pendingNonce uint64
	err          error
}

func (m *mockNonceSource) PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingNonce, m.err
}

func (m *mockNonceSource) SetPendingNonce(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingNonce = nonce
}

func setupTestNonceManager(t *testing.T, initialNonce uint64) (*NonceManager, *miniredis.Miniredis, *mockNonceSource) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	source := &mockNonceSource{pendingNonce: initialNonce}
	nm := NewNonceManager(source, rdb, &NonceManagerConfig{
		Wallet:   common.HexToAddress("0x1234567890123456789012345678901234567890"),
		ChainID:  31337,
		LockWait: 2 * time.Second,
	})
	return nm, mr, source
}

func TestNonceManager_KeyGeneration(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)

	assert.Equal(t, "eidos:mint:nonce:0x1234567890123456789012345678901234567890:31337", nm.nonceKey())
	assert.Equal(t, "0x1234567890123456789012345678901234567890:31337", nm.lockName())
}

func TestNonceManager_AcquireSequential(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 5)
	ctx := context.Background()

	for want := uint64(5); want < 8; want++ {
		nonce, err := nm.AcquireNonce(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, nonce)
	}
	assert.Equal(t, 3, nm.PendingCount())

	stored, err := mr.Get(nm.nonceKey())
	require.NoError(t, err)
	assert.Equal(t, "8", stored)

	nm.ConfirmNonce(5, "0xtx5")
	assert.Equal(t, 2, nm.PendingCount())
}

func TestNonceManager_AcquireConcurrent(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	const workers = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[uint64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := nm.AcquireNonce(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			nonces[nonce] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, nonces, workers)
	for i := uint64(0); i < workers; i++ {
		assert.True(t, nonces[i], "nonce %d missing", i)
	}
}

func TestNonceManager_ReleaseLast(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 3)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	require.NoError(t, nm.ReleaseNonce(ctx, nonce))

	// 最后一个 nonce 回退后可被重新分配
	again, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, nonce, again)
}

func TestNonceManager_ReleaseGapResyncs(t *testing.T) {
	nm, _, source := setupTestNonceManager(t, 0)
	ctx := context.Background()

	first, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	second, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second)

	// 释放非最后一个, 留下空洞; 链上只看到了 nonce 1 之前
	require.NoError(t, nm.ReleaseNonce(ctx, first))
	source.SetPendingNonce(0)

	next, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)
}

func TestNonceManager_ReleaseUnknown(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	assert.ErrorIs(t, nm.ReleaseNonce(context.Background(), 42), ErrNonceNotAcquired)
}

func TestNonceManager_Resync(t *testing.T) {
	nm, _, source := setupTestNonceManager(t, 0)
	ctx := context.Background()

	_, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	// 其他签名方推进了链上 nonce
	source.SetPendingNonce(10)
	require.NoError(t, nm.Resync(ctx))

	current, err := nm.GetCurrentNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), current)
}

func TestNonceManager_LockTimeout(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 0)
	nm.lockWait = 50 * time.Millisecond

	// 其他实例持有锁
	require.NoError(t, mr.Set("eidos:mint:nonce:lock:"+nm.lockName(), "other"))

	_, err := nm.AcquireNonce(context.Background())
	assert.ErrorIs(t, err, ErrNonceLockTimeout)
}

func TestNonceManager_SourceError(t *testing.T) {
	nm, _, source := setupTestNonceManager(t, 0)
	source.err = errors.New("connection refused")

	_, err := nm.AcquireNonce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, nm.PendingCount())
}

func TestNonceManager_GetCurrentNonce_RedisMock(t *testing.T) {
	wallet := common.HexToAddress("0x1234567890123456789012345678901234567890")
	key := "eidos:mint:nonce:0x1234567890123456789012345678901234567890:31337"

	t.Run("stored value", func(t *testing.T) {
		rdb, rdbMock := redismock.NewClientMock()
		nm := NewNonceManager(&mockNonceSource{pendingNonce: 3}, rdb, &NonceManagerConfig{Wallet: wallet, ChainID: 31337})

		rdbMock.ExpectGet(key).SetVal("42")

		nonce, err := nm.GetCurrentNonce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(42), nonce)
		assert.NoError(t, rdbMock.ExpectationsWereMet())
	})

	t.Run("missing key falls back to chain", func(t *testing.T) {
		rdb, rdbMock := redismock.NewClientMock()
		nm := NewNonceManager(&mockNonceSource{pendingNonce: 3}, rdb, &NonceManagerConfig{Wallet: wallet, ChainID: 31337})

		rdbMock.ExpectGet(key).RedisNil()

		nonce, err := nm.GetCurrentNonce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(3), nonce)
		assert.NoError(t, rdbMock.ExpectationsWereMet())
	})

	t.Run("redis error", func(t *testing.T) {
		rdb, rdbMock := redismock.NewClientMock()
		nm := NewNonceManager(&mockNonceSource{pendingNonce: 3}, rdb, &NonceManagerConfig{Wallet: wallet, ChainID: 31337})

		rdbMock.ExpectGet(key).SetErr(errors.New("connection refused"))

		_, err := nm.GetCurrentNonce(context.Background())
		assert.EqualError(t, err, "connection refused")
		assert.NoError(t, rdbMock.ExpectationsWereMet())
	})
}
