// Package service 对账循环、铸造协调与未决铸造监控
package service

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eidos-exchange/eidos-mint/internal/model"
)

// ChainReader 对账使用的链读取能力
type ChainReader interface {
	FetchEventsSince(ctx context.Context, cp *model.Checkpoint, maxBlocks int) (*model.Batch, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// TxSubmitter 交易提交能力
type TxSubmitter interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SubmitTransaction(ctx context.Context, signedTx *types.Transaction) (common.Hash, error)
}

// ReceiptReader 回执查询
type ReceiptReader interface {
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// NonceAllocator 热钱包 nonce 分配
type NonceAllocator interface {
	AcquireNonce(ctx context.Context) (uint64, error)
	ConfirmNonce(nonce uint64, txHash string)
	ReleaseNonce(ctx context.Context, nonce uint64) error
	Resync(ctx context.Context) error
}

// LeaseRunner 分布式租约, 为空时仅依赖进程内互斥与检查点 CAS
type LeaseRunner interface {
	WithLease(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
