package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos-mint/internal/model"
)

var ErrIngestedEventNotFound = errors.New("ingested event not found")

// EventLogRepository 已摄入事件仓储 (只追加)
type EventLogRepository interface {
	// Insert 写入事件, 去重键已存在时返回 false
	Insert(ctx context.Context, ev *model.IngestedEvent) (bool, error)
	GetByKey(ctx context.Context, key model.DedupKey) (*model.IngestedEvent, error)
	ListByBlockRange(ctx context.Context, chainID int64, from, to uint64) ([]*model.IngestedEvent, error)
	CountByChain(ctx context.Context, chainID int64) (int64, error)
}

type eventLogRepository struct {
	*Repository
}

// NewEventLogRepository 创建事件仓储
func NewEventLogRepository(db *gorm.DB) EventLogRepository {
	return &eventLogRepository{Repository: NewRepository(db)}
}

func (r *eventLogRepository) Insert(ctx context.Context, ev *model.IngestedEvent) (bool, error) {
	if ev.ProcessedAt == 0 {
		ev.ProcessedAt = nowMilli()
	}

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tx_hash"}, {Name: "method_name"}, {Name: "account_id"},
		},
		DoNothing: true,
	}).Create(ev)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *eventLogRepository) GetByKey(ctx context.Context, key model.DedupKey) (*model.IngestedEvent, error) {
	var ev model.IngestedEvent
	err := r.DB(ctx).
		Where("tx_hash = ? AND method_name = ? AND account_id = ?", key.TxHash, key.MethodName, key.AccountID).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIngestedEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *eventLogRepository) ListByBlockRange(ctx context.Context, chainID int64, from, to uint64) ([]*model.IngestedEvent, error) {
	var events []*model.IngestedEvent
	err := r.DB(ctx).
		Where("chain_id = ? AND block_number >= ? AND block_number <= ?", chainID, from, to).
		Order("block_number ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (r *eventLogRepository) CountByChain(ctx context.Context, chainID int64) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.IngestedEvent{}).Where("chain_id = ?", chainID).Count(&count).Error
	return count, err
}
