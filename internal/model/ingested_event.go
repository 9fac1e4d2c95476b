package model

import "encoding/json"

// IngestedEvent 已摄入的链上事件 (只追加)
type IngestedEvent struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     int64  `gorm:"column:chain_id;type:bigint;not null" json:"chain_id"`
	BlockNumber uint64 `gorm:"column:block_number;type:bigint;index;not null" json:"block_number"`
	BlockHash   string `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	ProcessedAt int64  `gorm:"column:processed_at;type:bigint;not null" json:"processed_at"`
	AccountID   string `gorm:"column:account_id;type:varchar(64);uniqueIndex:uk_ingested_event;not null" json:"account_id"`
	MethodName  string `gorm:"column:method_name;type:varchar(128);uniqueIndex:uk_ingested_event;not null" json:"method_name"`
	TxHash      string `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:uk_ingested_event;not null" json:"tx_hash"`
	Logs        string `gorm:"column:logs;type:jsonb;not null" json:"logs"` // JSON 数组
}

// TableName 返回表名
func (IngestedEvent) TableName() string {
	return "ingested_events"
}

// NewIngestedEvent 由链上事件构造
func NewIngestedEvent(chainID int64, ev *ChainEvent, processedAt int64) (*IngestedEvent, error) {
	logs := ev.Logs
	if logs == nil {
		logs = []EventLog{}
	}
	data, err := json.Marshal(logs)
	if err != nil {
		return nil, err
	}
	return &IngestedEvent{
		ChainID:     chainID,
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash.Hex(),
		ProcessedAt: processedAt,
		AccountID:   ev.AccountID,
		MethodName:  ev.MethodName,
		TxHash:      ev.TxHash.Hex(),
		Logs:        string(data),
	}, nil
}

// GetLogs 解析日志
func (e *IngestedEvent) GetLogs() ([]EventLog, error) {
	var logs []EventLog
	if err := json.Unmarshal([]byte(e.Logs), &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
