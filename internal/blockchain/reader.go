package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eidos-exchange/eidos-mint/internal/contract"
	"github.com/eidos-exchange/eidos-mint/internal/model"
	pkgerrors "github.com/eidos-exchange/eidos-mint/pkg/errors"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

// Reader 链读取器, 从检查点之后按区块顺序拉取合约事件, 并负责交易提交
type Reader struct {
	rpc           RPC
	nft           *contract.TicketNFT
	confirmations uint64
	concurrency   int
}

// ReaderConfig 读取器配置
type ReaderConfig struct {
	Confirmations    int
	FetchConcurrency int
}

// NewReader 创建链读取器
func NewReader(rpc RPC, nft *contract.TicketNFT, cfg *ReaderConfig) *Reader {
	r := &Reader{
		rpc:         rpc,
		nft:         nft,
		concurrency: cfg.FetchConcurrency,
	}
	if cfg.Confirmations > 0 {
		r.confirmations = uint64(cfg.Confirmations)
	}
	if r.concurrency <= 0 {
		r.concurrency = 8
	}
	return r
}

// LatestBlockNumber 链头高度
func (r *Reader) LatestBlockNumber(ctx context.Context) (uint64, error) {
	head, err := r.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, wrapChainError(err, "get block number")
	}
	return head, nil
}

// SafeBlockNumber 扣除确认数后的可读高度
func (r *Reader) SafeBlockNumber(ctx context.Context) (uint64, error) {
	head, err := r.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < r.confirmations {
		return 0, nil
	}
	return head - r.confirmations, nil
}

// BlockRef 获取指定高度的区块引用
func (r *Reader) BlockRef(ctx context.Context, number uint64) (model.BlockRef, error) {
	header, err := r.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return model.BlockRef{}, wrapChainError(err, fmt.Sprintf("get header %d", number))
	}
	return model.BlockRef{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
	}, nil
}

// FetchEventsSince 拉取检查点之后最多 maxBlocks 个区块及其合约事件
// 没有新区块时返回空批次; 与检查点的父哈希校验由 CheckContinuity 负责
func (r *Reader) FetchEventsSince(ctx context.Context, cp *model.Checkpoint, maxBlocks int) (*model.Batch, error) {
	if maxBlocks <= 0 {
		maxBlocks = 1
	}

	safe, err := r.SafeBlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	from := cp.BlockNumber + 1
	if from > safe {
		return &model.Batch{}, nil
	}
	to := min(safe, from+uint64(maxBlocks)-1)

	blocks, err := r.fetchBlocks(ctx, from, to)
	if err != nil {
		return nil, err
	}

	logs, err := r.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.nft.Address()},
	})
	if err != nil {
		return nil, wrapChainError(err, "filter logs")
	}

	batch := &model.Batch{Blocks: blocks}
	events, err := r.groupLogs(batch, logs)
	if err != nil {
		return nil, err
	}
	batch.Events = events

	logger.Debug("fetched chain batch",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("logs", len(logs)),
		zap.Int("events", len(events)))

	return batch, nil
}

// fetchBlocks 并发拉取区块头, 校验批次内部父子链接
func (r *Reader) fetchBlocks(ctx context.Context, from, to uint64) ([]model.BlockRef, error) {
	blocks := make([]model.BlockRef, to-from+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range blocks {
		i := i
		number := from + uint64(i)
		g.Go(func() error {
			ref, err := r.BlockRef(gctx, number)
			if err != nil {
				return err
			}
			blocks[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := 1; i < len(blocks); i++ {
		if blocks[i].ParentHash != blocks[i-1].Hash {
			// 拉取过程中链头发生重组, 整批重拉
			return nil, pkgerrors.Wrapf(pkgerrors.ErrTransientChain, ErrRangeMoved,
				"block %d parent %s != %s", blocks[i].Number, blocks[i].ParentHash.Hex(), blocks[i-1].Hash.Hex())
		}
	}
	return blocks, nil
}

type eventKey struct {
	txHash  common.Hash
	address common.Address
	method  string
}

// groupLogs 将日志按 (交易, 合约, 事件名) 聚合为链上事件, 保持区块/日志顺序
func (r *Reader) groupLogs(batch *model.Batch, logs []types.Log) ([]model.ChainEvent, error) {
	slices.SortStableFunc(logs, func(a, b types.Log) int {
		if a.BlockNumber != b.BlockNumber {
			if a.BlockNumber < b.BlockNumber {
				return -1
			}
			return 1
		}
		return int(a.Index) - int(b.Index)
	})

	var events []model.ChainEvent
	index := make(map[eventKey]int)
	for _, lg := range logs {
		if lg.Removed {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrTransientChain, ErrRangeMoved, "removed log in tx %s", lg.TxHash.Hex())
		}
		hash, ok := batch.BlockHash(lg.BlockNumber)
		if !ok || hash != lg.BlockHash {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrTransientChain, ErrRangeMoved,
				"log block %d hash %s not in batch", lg.BlockNumber, lg.BlockHash.Hex())
		}

		method := r.methodName(lg.Topics)
		key := eventKey{txHash: lg.TxHash, address: lg.Address, method: method}
		pos, seen := index[key]
		if !seen {
			pos = len(events)
			index[key] = pos
			events = append(events, model.ChainEvent{
				BlockNumber: lg.BlockNumber,
				BlockHash:   lg.BlockHash,
				TxHash:      lg.TxHash,
				AccountID:   lg.Address.Hex(),
				MethodName:  method,
			})
		}
		events[pos].Logs = append(events[pos].Logs, model.EventLog{
			Address:     lg.Address,
			Topics:      lg.Topics,
			Data:        lg.Data,
			LogIndex:    lg.Index,
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash,
		})
	}
	return events, nil
}

func (r *Reader) methodName(topics []common.Hash) string {
	if len(topics) == 0 {
		return "anonymous"
	}
	if name, ok := r.nft.EventName(topics[0]); ok {
		return name
	}
	return "unknown:" + topics[0].Hex()
}

// CheckContinuity 校验批次首个区块的父哈希与检查点一致, 不一致即链重组
func CheckContinuity(cp *model.Checkpoint, batch *model.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	first := batch.First()
	if first.Number != cp.BlockNumber+1 || first.ParentHash != cp.Hash() {
		return pkgerrors.ErrReorgDetected.
			WithDetail("checkpoint_block", fmt.Sprintf("%d", cp.BlockNumber)).
			WithDetail("checkpoint_hash", cp.BlockHash).
			WithDetail("block", fmt.Sprintf("%d", first.Number)).
			WithDetail("parent_hash", first.ParentHash.Hex())
	}
	return nil
}

// SubmitTransaction 广播已签名交易, 返回交易哈希
func (r *Reader) SubmitTransaction(ctx context.Context, signedTx *types.Transaction) (common.Hash, error) {
	if err := r.rpc.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, pkgerrors.Wrap(pkgerrors.ErrSubmission, err)
	}
	return signedTx.Hash(), nil
}

// Receipt 查询交易回执, 未上链返回 ErrTxNotFound
func (r *Reader) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return r.rpc.TransactionReceipt(ctx, txHash)
}

// SuggestGasPrice 建议 gas 价格
func (r *Reader) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := r.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, wrapChainError(err, "suggest gas price")
	}
	return price, nil
}

// wrapChainError 临时错误映射为 TRANSIENT_CHAIN_ERROR, 其余为内部错误
func wrapChainError(err error, op string) error {
	if Classify(err).IsTransient() {
		return pkgerrors.Wrapf(pkgerrors.ErrTransientChain, err, "%s", op)
	}
	return pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "%s", op)
}
