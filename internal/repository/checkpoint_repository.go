package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos-mint/internal/model"
)

var (
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrStaleCheckpoint      = errors.New("checkpoint changed since read")
	ErrCheckpointRegression = errors.New("checkpoint cannot move backwards")
)

// CheckpointRepository 检查点仓储
type CheckpointRepository interface {
	Get(ctx context.Context, chainID int64) (*model.Checkpoint, error)
	// Advance CAS 推进: 仅当当前行仍等于 expected 时写入 next
	Advance(ctx context.Context, next, expected *model.Checkpoint) error
	// Bootstrap 不存在时初始化, 返回是否写入
	Bootstrap(ctx context.Context, cp *model.Checkpoint) (bool, error)
}

type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{Repository: NewRepository(db)}
}

func (r *checkpointRepository) Get(ctx context.Context, chainID int64) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := r.DB(ctx).Where("chain_id = ?", chainID).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *checkpointRepository) Advance(ctx context.Context, next, expected *model.Checkpoint) error {
	if next.BlockNumber < expected.BlockNumber {
		return ErrCheckpointRegression
	}

	result := r.DB(ctx).Model(&model.Checkpoint{}).
		Where("chain_id = ? AND block_number = ? AND block_hash = ?",
			expected.ChainID, expected.BlockNumber, expected.BlockHash).
		Updates(map[string]interface{}{
			"block_number": next.BlockNumber,
			"block_hash":   next.BlockHash,
			"updated_at":   nowMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleCheckpoint
	}
	return nil
}

func (r *checkpointRepository) Bootstrap(ctx context.Context, cp *model.Checkpoint) (bool, error) {
	now := nowMilli()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}},
		DoNothing: true,
	}).Create(cp)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
