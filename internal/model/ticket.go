package model

// EventStatus 活动状态, 只能向前推进
type EventStatus int8

const (
	EventStatusDraft   EventStatus = 0 // 草稿
	EventStatusMinting EventStatus = 1 // 铸造中 (交易已提交)
	EventStatusFinal   EventStatus = 2 // 已上链确认
)

func (s EventStatus) String() string {
	switch s {
	case EventStatusDraft:
		return "DRAFT"
	case EventStatusMinting:
		return "MINTING"
	case EventStatusFinal:
		return "FINAL"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo 只允许 DRAFT->MINTING->FINAL 单步前进
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	return next == s+1 && next <= EventStatusFinal
}

// Event 活动
type Event struct {
	ID            string      `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	EventName     string      `gorm:"column:event_name;type:varchar(255);not null" json:"event_name"`
	EventSlug     string      `gorm:"column:event_slug;type:varchar(255);uniqueIndex;not null" json:"event_slug"`
	CoverPhotoURL string      `gorm:"column:cover_photo_url;type:text;not null;default:''" json:"cover_photo_url"`
	ThumbnailURL  string      `gorm:"column:thumbnail_url;type:text;not null;default:''" json:"thumbnail_url"`
	EventStatus   EventStatus `gorm:"column:event_status;type:smallint;index;not null;default:0" json:"event_status"`
	CreatedByUser string      `gorm:"column:created_by_user;type:uuid;not null" json:"created_by_user"`
	CreatedAt     int64       `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64       `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Event) TableName() string {
	return "events"
}

// Ticket 票据
type Ticket struct {
	ID                string  `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	EventID           string  `gorm:"column:event_id;type:uuid;index;not null" json:"event_id"`
	TicketName        string  `gorm:"column:ticket_name;type:varchar(255);not null" json:"ticket_name"`
	TicketSlug        string  `gorm:"column:ticket_slug;type:varchar(255);not null" json:"ticket_slug"`
	Price             *string `gorm:"column:price;type:text" json:"price,omitempty"`
	QuantityAvailable *int    `gorm:"column:quantity_available;type:int" json:"quantity_available,omitempty"`
	MintedTokenRef    *string `gorm:"column:minted_token_ref;type:varchar(128)" json:"minted_token_ref,omitempty"`
	CreatedAt         int64   `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64   `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Ticket) TableName() string {
	return "tickets"
}

// Quantity 可铸造数量, 未设置时为 1
func (t *Ticket) Quantity() int {
	if t.QuantityAvailable == nil || *t.QuantityAvailable <= 0 {
		return 1
	}
	return *t.QuantityAvailable
}

// AssetFile 活动资源文件
type AssetFile struct {
	ID            string  `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	S3Bucket      string  `gorm:"column:s3_bucket;type:varchar(255);not null" json:"s3_bucket"`
	S3AbsoluteKey string  `gorm:"column:s3_absolute_key;type:text;not null" json:"s3_absolute_key"`
	IPFSHash      *string `gorm:"column:ipfs_hash;type:varchar(128)" json:"ipfs_hash,omitempty"`
	EventID       string  `gorm:"column:event_id;type:uuid;index;not null" json:"event_id"`
}

// TableName 返回表名
func (AssetFile) TableName() string {
	return "asset_files"
}

// Pinned 是否已固定到 IPFS
func (a *AssetFile) Pinned() bool {
	return a.IPFSHash != nil && *a.IPFSHash != ""
}
