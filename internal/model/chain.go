package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockRef 区块引用
type BlockRef struct {
	Number     uint64      `json:"number"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parent_hash"`
}

// EventLog 原始合约日志
type EventLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	LogIndex    uint           `json:"log_index"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
}

// ChainEvent 一次合约调用产生的事件, 去重键 (TxHash, MethodName, AccountID)
type ChainEvent struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	AccountID   string // 发出日志的合约地址
	MethodName  string
	Logs        []EventLog
}

// DedupKey 去重键
type DedupKey struct {
	TxHash     string
	MethodName string
	AccountID  string
}

// Key 返回事件去重键
func (e *ChainEvent) Key() DedupKey {
	return DedupKey{TxHash: e.TxHash.Hex(), MethodName: e.MethodName, AccountID: e.AccountID}
}

// Batch 一次拉取的连续区块及其事件 (按区块/日志顺序)
type Batch struct {
	Blocks []BlockRef
	Events []ChainEvent
}

// IsEmpty 无新区块
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Blocks) == 0
}

// First 第一个区块
func (b *Batch) First() BlockRef {
	return b.Blocks[0]
}

// Last 最后一个区块
func (b *Batch) Last() BlockRef {
	return b.Blocks[len(b.Blocks)-1]
}

// BlockHash 批次内某个区块的哈希
func (b *Batch) BlockHash(number uint64) (common.Hash, bool) {
	if b.IsEmpty() || number < b.First().Number || number > b.Last().Number {
		return common.Hash{}, false
	}
	return b.Blocks[number-b.First().Number].Hash, true
}
