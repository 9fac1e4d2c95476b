package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-mint/pkg/lock"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

var (
	ErrNonceLockTimeout = errors.New("nonce lock timeout")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// NonceSource 链上 pending nonce 来源
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager Nonce 管理器
// 使用 Redis 租约串行化分配, 多实例共享同一签名账户时不会分配重复 nonce
type NonceManager struct {
	source  NonceSource
	redis   redis.UniversalClient
	leaser  *lock.Leaser
	wallet  common.Address
	chainID int64

	lockWait     time.Duration
	syncInterval time.Duration

	mu        sync.Mutex
	lastSync  time.Time
	forceSync bool

	pendingMu sync.Mutex
	pending   map[uint64]struct{}
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	LockTTL      time.Duration
	LockWait     time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 10 * time.Second
	}
	lockWait := cfg.LockWait
	if lockWait == 0 {
		lockWait = 5 * time.Second
	}
	syncInterval := cfg.SyncInterval
	if syncInterval == 0 {
		syncInterval = 5 * time.Minute
	}

	return &NonceManager{
		source:       source,
		redis:        rdb,
		leaser:       lock.NewLeaser(rdb, "eidos:mint:nonce:lock:", lockTTL),
		wallet:       cfg.Wallet,
		chainID:      cfg.ChainID,
		lockWait:     lockWait,
		syncInterval: syncInterval,
		pending:      make(map[uint64]struct{}),
	}
}

func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("eidos:mint:nonce:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) lockName() string {
	return fmt.Sprintf("%s:%d", m.wallet.Hex(), m.chainID)
}

// withLock 等待并持有 nonce 锁执行 fn
func (m *NonceManager) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(m.lockWait)
	for {
		err := m.leaser.WithLease(ctx, m.lockName(), fn)
		if !errors.Is(err, lock.ErrLeaseBusy) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrNonceLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// AcquireNonce 分配一个 nonce
// 返回的 nonce 必须通过 ConfirmNonce 或 ReleaseNonce 处理
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := m.withLock(ctx, func(ctx context.Context) error {
		if err := m.syncIfNeeded(ctx); err != nil {
			return err
		}

		current, err := m.getCurrentNonce(ctx)
		if err != nil {
			return err
		}
		if err := m.setCurrentNonce(ctx, current+1); err != nil {
			return err
		}
		nonce = current
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.pendingMu.Lock()
	m.pending[nonce] = struct{}{}
	m.pendingMu.Unlock()

	return nonce, nil
}

// ConfirmNonce 交易已被节点接受
func (m *NonceManager) ConfirmNonce(nonce uint64, txHash string) {
	m.pendingMu.Lock()
	delete(m.pending, nonce)
	m.pendingMu.Unlock()

	logger.Debug("nonce used",
		zap.String("wallet", m.wallet.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", txHash))
}

// ReleaseNonce 释放未使用的 nonce
// 若它是最后分配的 nonce 则回退计数器, 否则留下空洞, 下次分配前从链上重新同步
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	_, exists := m.pending[nonce]
	delete(m.pending, nonce)
	m.pendingMu.Unlock()
	if !exists {
		return ErrNonceNotAcquired
	}

	return m.withLock(ctx, func(ctx context.Context) error {
		current, err := m.getCurrentNonce(ctx)
		if err != nil {
			return err
		}
		if current == nonce+1 {
			return m.setCurrentNonce(ctx, nonce)
		}

		m.mu.Lock()
		m.forceSync = true
		m.mu.Unlock()
		logger.Warn("nonce gap left by released nonce, resync scheduled",
			zap.Uint64("nonce", nonce),
			zap.Uint64("current", current))
		return nil
	})
}

// Resync 强制从链上同步 (如 nonce too low)
func (m *NonceManager) Resync(ctx context.Context) error {
	m.mu.Lock()
	m.forceSync = true
	m.mu.Unlock()
	return m.withLock(ctx, m.syncIfNeeded)
}

// syncIfNeeded 需持有锁
// 定期同步取链上与本地较大值; 强制同步直接采用链上值以填补空洞
func (m *NonceManager) syncIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	force := m.forceSync
	due := time.Since(m.lastSync) > m.syncInterval
	m.mu.Unlock()
	if !force && !due {
		return nil
	}

	chainNonce, err := m.source.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return wrapChainError(err, "pending nonce")
	}

	next := chainNonce
	if !force {
		stored, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next = max(next, stored)
	}
	if err := m.setCurrentNonce(ctx, next); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSync = time.Now()
	m.forceSync = false
	m.mu.Unlock()
	return nil
}

// getCurrentNonce 获取下一个可分配的 nonce, 首次使用时取链上值
func (m *NonceManager) getCurrentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		chainNonce, err := m.source.PendingNonceAt(ctx, m.wallet)
		if err != nil {
			return 0, wrapChainError(err, "pending nonce")
		}
		return chainNonce, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (m *NonceManager) setCurrentNonce(ctx context.Context, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(), nonce, 0).Err()
}

// GetCurrentNonce 查询下一个待分配 nonce (不加锁)
func (m *NonceManager) GetCurrentNonce(ctx context.Context) (uint64, error) {
	return m.getCurrentNonce(ctx)
}

// PendingCount 已分配未处理的 nonce 数量
func (m *NonceManager) PendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}
