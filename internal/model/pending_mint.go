package model

// PendingMintStatus 铸造标记状态
type PendingMintStatus int8

const (
	PendingMintStatusReserved  PendingMintStatus = 0 // 已预留, 交易未提交
	PendingMintStatusSubmitted PendingMintStatus = 1 // 交易已被链接受
	PendingMintStatusConfirmed PendingMintStatus = 2 // 对账确认
)

func (s PendingMintStatus) String() string {
	switch s {
	case PendingMintStatusReserved:
		return "RESERVED"
	case PendingMintStatusSubmitted:
		return "SUBMITTED"
	case PendingMintStatusConfirmed:
		return "CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// PendingMint 铸造中标记.
// ResolvedAt 为空表示未决, 同一票据/活动同时最多一条未决标记.
type PendingMint struct {
	ID              int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TicketID        string            `gorm:"column:ticket_id;type:uuid;not null" json:"ticket_id"`
	EventID         string            `gorm:"column:event_id;type:uuid;not null" json:"event_id"`
	Status          PendingMintStatus `gorm:"column:status;type:smallint;not null;default:0" json:"status"`
	TxHash          *string           `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash,omitempty"`
	Nonce           *int64            `gorm:"column:nonce;type:bigint" json:"nonce,omitempty"`
	ReservedAt      int64             `gorm:"column:reserved_at;type:bigint;not null" json:"reserved_at"`
	SubmittedAt     *int64            `gorm:"column:submitted_at;type:bigint" json:"submitted_at,omitempty"`
	ResolvedAt      *int64            `gorm:"column:resolved_at;type:bigint" json:"resolved_at,omitempty"`
	ConfirmedBlock  *uint64           `gorm:"column:confirmed_block;type:bigint" json:"confirmed_block,omitempty"`
	ConfirmedTxHash *string           `gorm:"column:confirmed_tx_hash;type:varchar(66)" json:"confirmed_tx_hash,omitempty"`
	CreatedAt       int64             `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64             `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (PendingMint) TableName() string {
	return "pending_mints"
}

// IsActive 是否未决
func (p *PendingMint) IsActive() bool {
	return p.ResolvedAt == nil
}

// TxHashOrEmpty 交易哈希
func (p *PendingMint) TxHashOrEmpty() string {
	if p.TxHash == nil {
		return ""
	}
	return *p.TxHash
}
