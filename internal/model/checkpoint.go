package model

import "github.com/ethereum/go-ethereum/common"

// Checkpoint 链对账检查点, 每条链一行
type Checkpoint struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     int64  `gorm:"column:chain_id;type:bigint;uniqueIndex;not null" json:"chain_id"`
	BlockNumber uint64 `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	BlockHash   string `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Checkpoint) TableName() string {
	return "chain_checkpoints"
}

// Hash 区块哈希
func (c *Checkpoint) Hash() common.Hash {
	return common.HexToHash(c.BlockHash)
}

// Matches 判断检查点是否指向该区块
func (c *Checkpoint) Matches(ref BlockRef) bool {
	return c.BlockNumber == ref.Number && c.Hash() == ref.Hash
}

// NewCheckpoint 由区块引用构造检查点
func NewCheckpoint(chainID int64, ref BlockRef) *Checkpoint {
	return &Checkpoint{
		ChainID:     chainID,
		BlockNumber: ref.Number,
		BlockHash:   ref.Hash.Hex(),
	}
}
