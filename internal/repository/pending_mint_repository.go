package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-mint/internal/model"
)

var (
	ErrPendingMintNotFound = errors.New("pending mint not found")
	// ErrMintAlreadyPending 票据或活动已有未决铸造标记
	ErrMintAlreadyPending = errors.New("mint already pending")
	// ErrPendingMintConflict 标记状态已被其他写入者改变
	ErrPendingMintConflict = errors.New("pending mint state conflict")
)

// PendingMintRepository 铸造标记仓储
type PendingMintRepository interface {
	// Reserve 插入 RESERVED 标记, 唯一索引冲突时返回 ErrMintAlreadyPending
	Reserve(ctx context.Context, pm *model.PendingMint) error
	GetByID(ctx context.Context, id int64) (*model.PendingMint, error)
	GetActiveByTicket(ctx context.Context, ticketID string) (*model.PendingMint, error)
	MarkSubmitted(ctx context.Context, id int64, txHash string, nonce uint64) error
	// DeleteReservation 删除尚未提交的预留
	DeleteReservation(ctx context.Context, id int64) error
	// ConfirmActive 确认票据的未决标记, 返回是否存在
	ConfirmActive(ctx context.Context, ticketID string, blockNumber uint64, txHash string) (bool, error)
	ListUnresolvedBefore(ctx context.Context, before int64, limit int) ([]*model.PendingMint, error)
	CountUnresolved(ctx context.Context) (int64, error)
}

type pendingMintRepository struct {
	*Repository
}

// NewPendingMintRepository 创建铸造标记仓储
func NewPendingMintRepository(db *gorm.DB) PendingMintRepository {
	return &pendingMintRepository{Repository: NewRepository(db)}
}

func (r *pendingMintRepository) Reserve(ctx context.Context, pm *model.PendingMint) error {
	now := nowMilli()
	pm.Status = model.PendingMintStatusReserved
	pm.ReservedAt = now
	pm.CreatedAt = now
	pm.UpdatedAt = now

	err := r.DB(ctx).Create(pm).Error
	if isUniqueViolation(err) {
		return ErrMintAlreadyPending
	}
	return err
}

func (r *pendingMintRepository) GetByID(ctx context.Context, id int64) (*model.PendingMint, error) {
	var pm model.PendingMint
	err := r.DB(ctx).Where("id = ?", id).First(&pm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPendingMintNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func (r *pendingMintRepository) GetActiveByTicket(ctx context.Context, ticketID string) (*model.PendingMint, error) {
	var pm model.PendingMint
	err := r.DB(ctx).Where("ticket_id = ? AND resolved_at IS NULL", ticketID).First(&pm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPendingMintNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func (r *pendingMintRepository) MarkSubmitted(ctx context.Context, id int64, txHash string, nonce uint64) error {
	now := nowMilli()
	result := r.DB(ctx).Model(&model.PendingMint{}).
		Where("id = ? AND status = ? AND resolved_at IS NULL", id, model.PendingMintStatusReserved).
		Updates(map[string]interface{}{
			"status":       model.PendingMintStatusSubmitted,
			"tx_hash":      txHash,
			"nonce":        int64(nonce),
			"submitted_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPendingMintConflict
	}
	return nil
}

func (r *pendingMintRepository) DeleteReservation(ctx context.Context, id int64) error {
	result := r.DB(ctx).
		Where("id = ? AND status = ? AND resolved_at IS NULL", id, model.PendingMintStatusReserved).
		Delete(&model.PendingMint{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPendingMintConflict
	}
	return nil
}

func (r *pendingMintRepository) ConfirmActive(ctx context.Context, ticketID string, blockNumber uint64, txHash string) (bool, error) {
	now := nowMilli()
	result := r.DB(ctx).Model(&model.PendingMint{}).
		Where("ticket_id = ? AND resolved_at IS NULL", ticketID).
		Updates(map[string]interface{}{
			"status":            model.PendingMintStatusConfirmed,
			"resolved_at":       now,
			"confirmed_block":   int64(blockNumber),
			"confirmed_tx_hash": txHash,
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *pendingMintRepository) ListUnresolvedBefore(ctx context.Context, before int64, limit int) ([]*model.PendingMint, error) {
	var list []*model.PendingMint
	err := r.DB(ctx).
		Where("resolved_at IS NULL AND reserved_at < ?", before).
		Order("reserved_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *pendingMintRepository) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.PendingMint{}).Where("resolved_at IS NULL").Count(&count).Error
	return count, err
}
